package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"go.uber.org/zap"
)

const (
	// LandingPageFlag is the session-scoped key holding the dashboard chosen at sign-in.
	LandingPageFlag = "sf_landing_page"

	signUpSuccessNotice = "Sign up successful! Please proceed to login."
	roleNotFoundNotice  = "User role not found!"
)

// ErrProfileNotFound is returned when a signed-in principal has no profile document.
var ErrProfileNotFound = errors.New("accounts: profile not found")

var (
	errMissingIdentity  = errors.New("accounts: identity provider required")
	errMissingProfiles  = errors.New("accounts: profile store required")
	errMissingCache     = errors.New("accounts: profile cache required")
	errMissingNavigator = errors.New("accounts: navigator required")
	errMissingNotifier  = errors.New("accounts: notifier required")
)

// Identity is the part of the identity provider used by the account pages.
type Identity interface {
	CreatePrincipal(ctx context.Context, email, password string) (identity.Principal, error)
	Authenticate(ctx context.Context, email, password string) (identity.Principal, error)
	SignOut(ctx context.Context) error
}

// ProfileStore reads and writes profile documents.
type ProfileStore interface {
	GetDocument(ctx context.Context, id string) (profiles.Record, bool, error)
	SetDocument(ctx context.Context, id string, record profiles.Record) error
}

// ProfileCache keeps the signed-in profile for the dashboards.
type ProfileCache interface {
	Set(record profiles.Record) error
	SetSessionFlag(key, value string) error
}

// FlowConfig wires the sign-up and sign-in pages.
type FlowConfig struct {
	Identity  Identity
	Profiles  ProfileStore
	Cache     ProfileCache
	Navigator page.Navigator
	Notifier  page.Notifier
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Flow drives the sign-up and sign-in pages.
type Flow struct {
	identity  Identity
	profiles  ProfileStore
	cache     ProfileCache
	navigator page.Navigator
	notifier  page.Notifier
	clock     func() time.Time
	logger    *zap.Logger
}

// NewFlow validates dependencies and constructs the account flows.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	switch {
	case cfg.Identity == nil:
		return nil, errMissingIdentity
	case cfg.Profiles == nil:
		return nil, errMissingProfiles
	case cfg.Cache == nil:
		return nil, errMissingCache
	case cfg.Navigator == nil:
		return nil, errMissingNavigator
	case cfg.Notifier == nil:
		return nil, errMissingNotifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		identity:  cfg.Identity,
		profiles:  cfg.Profiles,
		cache:     cfg.Cache,
		navigator: cfg.Navigator,
		notifier:  cfg.Notifier,
		clock:     clock,
		logger:    logger,
	}, nil
}

// SignUp validates the form, creates the principal and its profile document, and
// sends the user to the login page. Validation problems are reported before any
// remote call.
func (f *Flow) SignUp(ctx context.Context, form SignUpForm) error {
	if err := form.Validate(); err != nil {
		f.notifier.Notify(ValidationNotice(err))
		return err
	}

	principal, err := f.identity.CreatePrincipal(ctx, form.Email, form.Password)
	if err != nil {
		return f.fail("sign up failed", err)
	}

	record := form.record(principal.ID)
	record.CreatedAt = f.clock().UTC()
	if err := f.profiles.SetDocument(ctx, principal.ID, record); err != nil {
		return f.fail("profile creation failed", err)
	}

	f.logger.Info("account created", zap.String("user_id", principal.ID), zap.String("role", record.Role.String()))
	f.notifier.Notify(signUpSuccessNotice)
	f.navigator.Navigate(page.LoginPage)
	return nil
}

// SignIn authenticates, caches the profile document and routes the user to the
// dashboard that matches their role.
func (f *Flow) SignIn(ctx context.Context, email, password string) error {
	principal, err := f.identity.Authenticate(ctx, email, password)
	if err != nil {
		return f.fail("sign in failed", err)
	}

	record, found, err := f.profiles.GetDocument(ctx, principal.ID)
	if err != nil {
		return f.fail("profile lookup failed", err)
	}
	if !found {
		f.logger.Warn("signed-in principal has no profile", zap.String("user_id", principal.ID))
		f.notifier.Notify(roleNotFoundNotice)
		if signOutErr := f.identity.SignOut(ctx); signOutErr != nil {
			f.logger.Warn("sign out after missing profile failed", zap.Error(signOutErr))
		}
		return ErrProfileNotFound
	}

	if err := f.cache.Set(record); err != nil {
		f.logger.Warn("profile cache write failed", zap.Error(err))
	}
	landing := DashboardFor(record.Role)
	if err := f.cache.SetSessionFlag(LandingPageFlag, landing); err != nil {
		f.logger.Warn("session flag write failed", zap.Error(err))
	}
	f.navigator.Navigate(landing)
	return nil
}

// DashboardFor returns the landing page for role.
func DashboardFor(role profiles.Role) string {
	if role.Matches(profiles.RoleAdmin) {
		return page.AdminDashboardPage
	}
	return page.FarmerDashboard
}

func (f *Flow) fail(message string, err error) error {
	f.logger.Error(message, zap.Error(err))
	f.notifier.Notify("Error: " + err.Error())
	return fmt.Errorf("accounts: %s: %w", message, err)
}
