package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"go.uber.org/zap"
)

const (
	// LogoutButtonID is the element that triggers the logout flow.
	LogoutButtonID = "logout-btn"

	logoutBusyText          = "Logging out..."
	defaultLogoutRetryDelay = time.Second
)

// ErrLogoutInProgress is returned when a logout is already running.
var ErrLogoutInProgress = errors.New("session: logout already in progress")

var (
	errMissingSignOuter = errors.New("session: sign-out provider required")
	errMissingClearer   = errors.New("session: cache clearer required")
	errMissingButton    = errors.New("session: button surface required")
)

// SignOuter ends the current principal session.
type SignOuter interface {
	SignOut(ctx context.Context) error
}

// CacheClearer drops the local profile copy.
type CacheClearer interface {
	Clear() error
}

// ButtonSurface exposes the logout button state.
type ButtonSurface interface {
	Text(id string) (string, bool)
	SetText(id, text string) bool
	SetAttr(id, key, value string) bool
	RemoveAttr(id, key string) bool
}

// ClickRegistrar attaches click handlers to elements.
type ClickRegistrar interface {
	OnClick(id string, handler page.ClickHandler)
}

// LogoutConfig wires the logout flow.
type LogoutConfig struct {
	Identity   SignOuter
	Cache      CacheClearer
	Button     ButtonSurface
	Navigator  page.Navigator
	LoginPage  string
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Logout signs the principal out, clears the local profile copy and sends the
// tab back to the login page.
type Logout struct {
	identity   SignOuter
	cache      CacheClearer
	button     ButtonSurface
	navigator  page.Navigator
	loginPage  string
	retryDelay time.Duration
	logger     *zap.Logger

	busy         atomic.Bool
	registerOnce sync.Once
}

// NewLogout validates dependencies and constructs the logout flow.
func NewLogout(cfg LogoutConfig) (*Logout, error) {
	switch {
	case cfg.Identity == nil:
		return nil, errMissingSignOuter
	case cfg.Cache == nil:
		return nil, errMissingClearer
	case cfg.Button == nil:
		return nil, errMissingButton
	case cfg.Navigator == nil:
		return nil, errMissingNavigator
	}
	loginPage := strings.TrimSpace(cfg.LoginPage)
	if loginPage == "" {
		loginPage = page.LoginPage
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = defaultLogoutRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logout{
		identity:   cfg.Identity,
		cache:      cfg.Cache,
		button:     cfg.Button,
		navigator:  cfg.Navigator,
		loginPage:  loginPage,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// Register attaches the logout handler to the logout button once.
func (l *Logout) Register(registrar ClickRegistrar) {
	l.registerOnce.Do(func() {
		registrar.OnClick(LogoutButtonID, l.Invoke)
	})
}

// Invoke runs the logout sequence. The local cache is cleared and the tab
// navigates to the login page whether or not the sign-out call succeeds.
func (l *Logout) Invoke(ctx context.Context) error {
	if !l.busy.CompareAndSwap(false, true) {
		return ErrLogoutInProgress
	}

	originalText, _ := l.button.Text(LogoutButtonID)
	l.button.SetAttr(LogoutButtonID, "disabled", "")
	l.button.SetText(LogoutButtonID, logoutBusyText)

	signOutErr := l.identity.SignOut(ctx)
	if clearErr := l.cache.Clear(); clearErr != nil {
		l.logger.Warn("clearing profile cache failed", zap.Error(clearErr))
	}

	if signOutErr == nil {
		l.logger.Info("signed out")
		l.navigator.Navigate(l.loginPage)
		return nil
	}

	l.logger.Error("sign out failed", zap.Error(signOutErr))
	l.button.SetText(LogoutButtonID, originalText)
	l.button.RemoveAttr(LogoutButtonID, "disabled")

	timer := time.NewTimer(l.retryDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	l.navigator.Navigate(l.loginPage)
	l.busy.Store(false)
	return fmt.Errorf("session: sign out: %w", signOutErr)
}
