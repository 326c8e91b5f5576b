package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/auth"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthStateTopic is the realtime topic carrying auth-state changes of one client.
const AuthStateTopic = "auth/state"

const eventAuthState = "auth-state"

var (
	// ErrNotSignedIn indicates an operation that needs a current principal.
	ErrNotSignedIn = errors.New("identity: not signed in")

	errMissingAccounts = errors.New("identity: account directory required")
	errMissingTokens   = errors.New("identity: token issuer required")
)

// Accounts is the account directory used by the client.
type Accounts interface {
	Register(ctx context.Context, email, password, displayName string) (Principal, error)
	Verify(ctx context.Context, email, password string) (Principal, error)
}

// TokenIssuer signs principal tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, claims auth.PrincipalClaims) (string, int64, error)
}

// ClientConfig describes the dependencies of an identity client.
type ClientConfig struct {
	Accounts   Accounts
	Tokens     TokenIssuer
	Dispatcher *realtime.Dispatcher
	Logger     *zap.Logger
}

// Client holds the signed-in state of one browser-like session and publishes
// every change of that state to its observers.
type Client struct {
	accounts   Accounts
	tokens     TokenIssuer
	dispatcher *realtime.Dispatcher
	logger     *zap.Logger

	mu      sync.Mutex
	current *Principal
	token   string
}

// NewClient constructs an identity client that starts signed out.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		accounts:   cfg.Accounts,
		tokens:     cfg.Tokens,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// CreatePrincipal registers a new account and signs it in.
func (c *Client) CreatePrincipal(ctx context.Context, email, password string) (Principal, error) {
	principal, err := c.accounts.Register(ctx, email, password, "")
	if err != nil {
		return Principal{}, err
	}
	if err := c.signIn(ctx, principal); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// Authenticate verifies credentials and signs the principal in.
func (c *Client) Authenticate(ctx context.Context, email, password string) (Principal, error) {
	principal, err := c.accounts.Verify(ctx, email, password)
	if err != nil {
		return Principal{}, err
	}
	if err := c.signIn(ctx, principal); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// SignOut clears the current principal and notifies observers.
func (c *Client) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.token = ""
	c.publishLocked()
	c.logger.Debug("principal signed out")
	return nil
}

// Refresh re-issues the session token and re-fires the auth-state stream.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current == nil {
		return ErrNotSignedIn
	}
	return c.signIn(ctx, *current)
}

// CurrentPrincipal returns the signed-in principal, if any.
func (c *Client) CurrentPrincipal() (Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Principal{}, false
	}
	return *c.current, true
}

// Token returns the current session token, empty when signed out.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ObserveAuthState calls callback with the current principal (nil when signed out)
// and again after every sign-in, sign-out or refresh.
func (c *Client) ObserveAuthState(callback func(*Principal)) *realtime.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher.Listen(AuthStateTopic, func(message realtime.Message) {
		principal, _ := message.Payload.(*Principal)
		callback(principal)
	}, c.stateMessageLocked())
}

func (c *Client) signIn(ctx context.Context, principal Principal) error {
	token, _, err := c.tokens.IssueToken(ctx, auth.PrincipalClaims{
		Email:            principal.Email,
		DisplayName:      principal.DisplayName,
		AvatarURL:        principal.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{Subject: principal.ID},
	})
	if err != nil {
		return fmt.Errorf("identity: issue token: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	signedIn := principal
	c.current = &signedIn
	c.token = token
	c.publishLocked()
	c.logger.Debug("principal signed in", zap.String("user_id", principal.ID))
	return nil
}

func (c *Client) publishLocked() {
	c.dispatcher.Publish(c.stateMessageLocked())
}

func (c *Client) stateMessageLocked() realtime.Message {
	var payload *Principal
	if c.current != nil {
		snapshot := *c.current
		payload = &snapshot
	}
	return realtime.Message{
		Topic:     AuthStateTopic,
		EventType: eventAuthState,
		Payload:   payload,
	}
}
