package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/auth"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/sensors"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "sensorfarm_user_id"
	accessTokenQueryKey = "access_token"
	// SessionCookieName carries the session token for browser clients.
	SessionCookieName = "sf_session"
	tokenTypeBearer     = "Bearer"
)

var (
	errMissingAccounts      = errors.New("account directory dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingProfileStore  = errors.New("profile store dependency required")
	errMissingSensorFeed    = errors.New("sensor feed dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// AccountDirectory registers and verifies email/password accounts.
type AccountDirectory interface {
	Register(ctx context.Context, email, password, displayName string) (identity.Principal, error)
	Verify(ctx context.Context, email, password string) (identity.Principal, error)
}

// TokenManager issues and validates principal tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, claims auth.PrincipalClaims) (string, int64, error)
	ValidateToken(token string) (auth.PrincipalClaims, error)
}

// ProfileStore is the profile document collection.
type ProfileStore interface {
	GetDocument(ctx context.Context, id string) (profiles.Record, bool, error)
	SetDocument(ctx context.Context, id string, record profiles.Record) error
	ListDocuments(ctx context.Context) ([]profiles.Record, error)
	ObserveCollection(callback func(profiles.Snapshot)) (*realtime.Subscription, error)
}

// SensorFeed is the live sensor value feed.
type SensorFeed interface {
	Publish(path string, reading sensors.Reading) error
	Latest(path string) (sensors.Reading, bool)
	ObserveValue(path string, callback func(sensors.Reading)) (*realtime.Subscription, error)
}

// Dependencies wires the HTTP API.
type Dependencies struct {
	Accounts          AccountDirectory
	TokenManager      TokenManager
	Profiles          ProfileStore
	Sensors           SensorFeed
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin engine serving the platform API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileStore
	}
	if deps.Sensors == nil {
		return nil, errMissingSensorFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		accounts:  deps.Accounts,
		tokens:    deps.TokenManager,
		profiles:  deps.Profiles,
		sensors:   deps.Sensors,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.POST("/auth/signup", handler.handleSignUp)
	router.POST("/auth/signin", handler.handleSignIn)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profiles/me", handler.handleGetOwnProfile)
	protected.PUT("/profiles/me", handler.handlePutOwnProfile)
	protected.GET("/sensors/latest", handler.handleLatestReading)
	protected.GET("/sensors/stream", handler.handleSensorStream)

	admin := protected.Group("/")
	admin.Use(handler.requireRole(profiles.RoleAdmin))
	admin.GET("/profiles", handler.handleListProfiles)
	admin.GET("/profiles/stream", handler.handleProfileStream)
	admin.POST("/sensors/readings", handler.handlePublishReading)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	accounts  AccountDirectory
	tokens    TokenManager
	profiles  ProfileStore
	sensors   SensorFeed
	logger    *zap.Logger
	heartbeat time.Duration
}

type credentialsPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type authResponsePayload struct {
	AccessToken string             `json:"access_token"`
	ExpiresIn   int64              `json:"expires_in"`
	TokenType   string             `json:"token_type"`
	User        identity.Principal `json:"user"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	principal, err := h.accounts.Register(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	switch {
	case errors.Is(err, identity.ErrEmailInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "email_in_use"})
		return
	case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrInvalidCredentials):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case err != nil:
		h.logger.Error("account registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}

	h.respondWithToken(c, http.StatusCreated, principal)
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	principal, err := h.accounts.Verify(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrInvalidEmail) {
			h.logger.Info("sign in rejected", zap.Error(err))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("credential verification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signin_failed"})
		return
	}

	h.respondWithToken(c, http.StatusOK, principal)
}

func (h *httpHandler) respondWithToken(c *gin.Context, status int, principal identity.Principal) {
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.PrincipalClaims{
		Email:            principal.Email,
		DisplayName:      principal.DisplayName,
		AvatarURL:        principal.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{Subject: principal.ID},
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookieName, token, int(expiresIn), "/", "", false, true)
	c.JSON(status, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   tokenTypeBearer,
		User:        principal,
	})
}

func (h *httpHandler) handleGetOwnProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	record, found, err := h.profiles.GetDocument(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handlePutOwnProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var record profiles.Record
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.profiles.SetDocument(c.Request.Context(), userID, record)
	switch {
	case errors.Is(err, profiles.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	case errors.Is(err, profiles.ErrRoleImmutable):
		c.JSON(http.StatusConflict, gin.H{"error": "role_immutable"})
		return
	case err != nil:
		h.logger.Error("profile write failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_write_failed"})
		return
	}

	stored, _, err := h.profiles.GetDocument(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("profile reload failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

type profileListPayload struct {
	Total    int               `json:"total"`
	Profiles []profiles.Record `json:"profiles"`
}

func (h *httpHandler) handleListProfiles(c *gin.Context) {
	records, err := h.profiles.ListDocuments(c.Request.Context())
	if err != nil {
		h.logger.Error("profile listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_list_failed"})
		return
	}
	if records == nil {
		records = []profiles.Record{}
	}
	c.JSON(http.StatusOK, profileListPayload{Total: len(records), Profiles: records})
}

func (h *httpHandler) handleLatestReading(c *gin.Context) {
	reading, ok := h.sensors.Latest(sensorPath(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_reading"})
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (h *httpHandler) handlePublishReading(c *gin.Context) {
	var reading sensors.Reading
	if err := c.ShouldBindJSON(&reading); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path := sensorPath(c)
	if err := h.sensors.Publish(path, reading); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return
	}
	stored, _ := h.sensors.Latest(path)
	c.JSON(http.StatusAccepted, stored)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) requireRole(role profiles.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDContextKey)
		record, found, err := h.profiles.GetDocument(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("role lookup failed", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_lookup_failed"})
			return
		}
		if !found || !record.Role.Matches(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, tokenTypeBearer+" ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, tokenTypeBearer+" "))
		return token, token != ""
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil && strings.TrimSpace(cookie) != "" {
		return strings.TrimSpace(cookie), true
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryKey))
	return token, token != ""
}

func sensorPath(c *gin.Context) string {
	if path := strings.TrimSpace(c.Query("path")); path != "" {
		return path
	}
	return sensors.LatestPath
}
