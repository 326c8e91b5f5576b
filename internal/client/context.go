package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/accounts"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/auth"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/config"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/display"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/logging"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/roster"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/sensors"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/session"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("client: database required")

// Options configures a client context.
type Options struct {
	Config   config.AppConfig
	Database *gorm.DB
	Logger   *zap.Logger
	// HashCost overrides the bcrypt cost of new accounts; zero keeps the default.
	HashCost int
}

// Context holds every handle the pages of one browser profile share: the identity
// provider, the profile and sensor stores, and the local profile cache.
type Context struct {
	Identity   *identity.Client
	Directory  *identity.Directory
	Tokens     *auth.TokenIssuer
	Profiles   *profiles.Store
	Sensors    *sensors.Feed
	Cache      *storage.ProfileCache
	Dispatcher *realtime.Dispatcher

	config config.AppConfig
	logger *zap.Logger
}

// New builds a client context over db.
func New(options Options) (*Context, error) {
	if options.Database == nil {
		return nil, errMissingDatabase
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := options.Config
	dispatcher := realtime.NewDispatcher()

	directory, err := identity.NewDirectory(identity.DirectoryConfig{
		Database: options.Database,
		HashCost: options.HashCost,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		TokenTTL:      cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("client: token issuer: %w", err)
	}
	identityClient, err := identity.NewClient(identity.ClientConfig{
		Accounts:   directory,
		Tokens:     tokens,
		Dispatcher: dispatcher,
		Logger:     logging.Component(logger, "identity"),
	})
	if err != nil {
		return nil, err
	}
	store, err := profiles.NewStore(profiles.StoreConfig{
		Database:   options.Database,
		Dispatcher: dispatcher,
		Logger:     logging.Component(logger, "profiles"),
	})
	if err != nil {
		return nil, err
	}
	durable, err := storage.NewSQLiteStore(options.Database, cfg.StorageOrigin)
	if err != nil {
		return nil, err
	}
	cache, err := storage.NewProfileCache(durable, storage.NewMemoryStore(), logging.Component(logger, "cache"))
	if err != nil {
		return nil, err
	}

	return &Context{
		Identity:   identityClient,
		Directory:  directory,
		Tokens:     tokens,
		Profiles:   store,
		Sensors:    sensors.NewFeed(dispatcher, nil),
		Cache:      cache,
		Dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Dashboard is one role-gated page with its session wiring.
type Dashboard struct {
	Window       *page.Window
	Bootstrapper *session.Bootstrapper
	Logout       *session.Logout
}

// Start begins listening for auth state on the page.
func (d *Dashboard) Start(ctx context.Context) {
	d.Bootstrapper.Start(ctx)
}

// Close tears down every subscription the page holds.
func (d *Dashboard) Close() {
	d.Bootstrapper.Stop()
}

// OpenDashboard loads the dashboard for role and wires its bootstrapper, logout
// button and live page feature (the roster for admins, the sensor panel for farmers).
func (c *Context) OpenDashboard(role profiles.Role) (*Dashboard, error) {
	role, err := profiles.ParseRole(string(role))
	if err != nil {
		return nil, err
	}
	template := accounts.DashboardFor(role)
	window, err := page.Open(template)
	if err != nil {
		return nil, err
	}
	document := window.Document()
	logger := logging.Component(c.logger, "session").With(zap.String("page", template))

	fallbackName := "User"
	var feature session.PageSubscription
	if role == profiles.RoleAdmin {
		fallbackName = "Admin"
		viewer, err := roster.NewViewer(c.Profiles, document, logging.Component(c.logger, "roster"))
		if err != nil {
			return nil, err
		}
		feature = viewer
	} else {
		panel, err := sensors.NewPanel(c.Sensors, document, logging.Component(c.logger, "sensors"))
		if err != nil {
			return nil, err
		}
		feature = panel
	}

	sink := display.NewSink(display.Config{
		Surface:       document,
		DefaultAvatar: c.config.DefaultAvatar,
		FallbackName:  fallbackName,
		FallbackRole:  role,
		Logger:        logger,
	})
	bootstrapper, err := session.NewBootstrapper(session.BootstrapperConfig{
		Identity:      c.Identity,
		Profiles:      c.Profiles,
		Cache:         c.Cache,
		Renderer:      sink,
		Navigator:     window,
		RequiredRole:  role,
		LoginPage:     page.LoginPage,
		RedirectGrace: c.config.RedirectGrace,
		Subscriptions: []session.PageSubscription{feature},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	logout, err := session.NewLogout(session.LogoutConfig{
		Identity:   c.Identity,
		Cache:      c.Cache,
		Button:     document,
		Navigator:  window,
		LoginPage:  page.LoginPage,
		RetryDelay: c.config.LogoutRetryDelay,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	logout.Register(window)

	return &Dashboard{Window: window, Bootstrapper: bootstrapper, Logout: logout}, nil
}

// OpenAccountPage loads the sign-up or login page with the account flows wired to it.
func (c *Context) OpenAccountPage(name string) (*page.Window, *accounts.Flow, error) {
	if name != page.LoginPage && name != page.SignupPage {
		return nil, nil, fmt.Errorf("client: %s is not an account page", name)
	}
	window, err := page.Open(name)
	if err != nil {
		return nil, nil, err
	}
	flow, err := accounts.NewFlow(accounts.FlowConfig{
		Identity:  c.Identity,
		Profiles:  c.Profiles,
		Cache:     c.Cache,
		Navigator: window,
		Notifier:  window,
		Logger:    logging.Component(c.logger, "accounts"),
	})
	if err != nil {
		return nil, nil, err
	}
	return window, flow, nil
}
