package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultRedirectGrace = time.Second
	outcomeBufferSize    = 32
)

var (
	errMissingAuthSource = errors.New("session: auth state source required")
	errMissingProfiles   = errors.New("session: profile reader required")
	errMissingCache      = errors.New("session: profile cache required")
	errMissingRenderer   = errors.New("session: renderer required")
	errMissingNavigator  = errors.New("session: navigator required")
)

// AuthStateSource streams the current principal; nil means signed out.
type AuthStateSource interface {
	ObserveAuthState(callback func(*identity.Principal)) *realtime.Subscription
}

// ProfileReader fetches the authoritative profile document.
type ProfileReader interface {
	GetDocument(ctx context.Context, id string) (profiles.Record, bool, error)
}

// ProfileCache is the local, non-authoritative copy of the last seen profile.
type ProfileCache interface {
	Get() (profiles.Record, bool)
	Set(record profiles.Record) error
}

// Renderer displays a profile on the page.
type Renderer interface {
	Render(record profiles.Record)
}

// PageSubscription is a page feature started once the role gate passes.
type PageSubscription interface {
	Start() error
	Stop()
}

// OutcomeKind classifies how one auth-state firing was resolved.
type OutcomeKind string

const (
	OutcomeAuthorized   OutcomeKind = "authorized"
	OutcomeFallback     OutcomeKind = "fallback"
	OutcomeFetchFailed  OutcomeKind = "fetch_failed"
	OutcomeUnauthorized OutcomeKind = "unauthorized"
	OutcomeSignedOut    OutcomeKind = "signed_out"
	OutcomeStale        OutcomeKind = "stale"
)

// Outcome reports the resolution of one auth-state firing.
type Outcome struct {
	RequestID uint64
	Kind      OutcomeKind
	Record    profiles.Record
}

// BootstrapperConfig describes one role-gated page.
type BootstrapperConfig struct {
	Identity      AuthStateSource
	Profiles      ProfileReader
	Cache         ProfileCache
	Renderer      Renderer
	Navigator     page.Navigator
	RequiredRole  profiles.Role
	LoginPage     string
	RedirectGrace time.Duration
	Subscriptions []PageSubscription
	Logger        *zap.Logger
}

// Bootstrapper wires the auth-state stream of a page to optimistic rendering,
// the authoritative profile fetch and the role gate.
type Bootstrapper struct {
	identity      AuthStateSource
	profiles      ProfileReader
	cache         ProfileCache
	renderer      Renderer
	navigator     page.Navigator
	requiredRole  profiles.Role
	loginPage     string
	redirectGrace time.Duration
	subscriptions []PageSubscription
	logger        *zap.Logger
	outcomes      chan Outcome

	mu               sync.Mutex
	ctx              context.Context
	authSubscription *realtime.Subscription
	registered       bool
	terminated       bool
	activated        bool
	latestRequest    uint64
	redirectTimer    *time.Timer
	redirectGen      uint64
	inflight         sync.WaitGroup
}

// NewBootstrapper validates dependencies and constructs a bootstrapper.
func NewBootstrapper(cfg BootstrapperConfig) (*Bootstrapper, error) {
	switch {
	case cfg.Identity == nil:
		return nil, errMissingAuthSource
	case cfg.Profiles == nil:
		return nil, errMissingProfiles
	case cfg.Cache == nil:
		return nil, errMissingCache
	case cfg.Renderer == nil:
		return nil, errMissingRenderer
	case cfg.Navigator == nil:
		return nil, errMissingNavigator
	}
	role, err := profiles.ParseRole(string(cfg.RequiredRole))
	if err != nil {
		return nil, err
	}
	loginPage := strings.TrimSpace(cfg.LoginPage)
	if loginPage == "" {
		loginPage = page.LoginPage
	}
	grace := cfg.RedirectGrace
	if grace < 0 {
		grace = defaultRedirectGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{
		identity:      cfg.Identity,
		profiles:      cfg.Profiles,
		cache:         cfg.Cache,
		renderer:      cfg.Renderer,
		navigator:     cfg.Navigator,
		requiredRole:  role,
		loginPage:     loginPage,
		redirectGrace: grace,
		subscriptions: append([]PageSubscription(nil), cfg.Subscriptions...),
		logger:        logger.With(zap.String("required_role", role.String())),
		outcomes:      make(chan Outcome, outcomeBufferSize),
	}, nil
}

// Start registers the single auth-state listener of this page. Profile fetches use
// ctx; cancelling it stands for page teardown. Later calls are no-ops.
func (b *Bootstrapper) Start(ctx context.Context) {
	b.mu.Lock()
	if b.registered || b.terminated {
		b.mu.Unlock()
		return
	}
	b.registered = true
	b.ctx = ctx
	b.mu.Unlock()

	subscription := b.identity.ObserveAuthState(b.handleAuthState)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		subscription.Release()
		return
	}
	b.authSubscription = subscription
}

// Outcomes delivers one Outcome per resolved auth-state firing. Outcomes are dropped
// when nobody drains the channel.
func (b *Bootstrapper) Outcomes() <-chan Outcome {
	return b.outcomes
}

// Wait blocks until in-flight profile fetches have returned.
func (b *Bootstrapper) Wait() {
	b.inflight.Wait()
}

// Stop releases the auth-state listener and every page subscription, cancels a
// pending redirect and waits for in-flight fetches. It is safe to call repeatedly.
func (b *Bootstrapper) Stop() {
	b.mu.Lock()
	b.terminated = true
	b.cancelRedirectLocked()
	b.stopSubscriptionsLocked()
	subscription := b.authSubscription
	b.authSubscription = nil
	b.mu.Unlock()

	subscription.Release()
	b.inflight.Wait()
}

func (b *Bootstrapper) handleAuthState(principal *identity.Principal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return
	}

	b.latestRequest++
	requestID := b.latestRequest

	if principal == nil {
		b.scheduleRedirectLocked(requestID)
		return
	}
	b.cancelRedirectLocked()

	current := *principal
	b.renderer.Render(b.optimisticRecord(current))

	b.inflight.Add(1)
	go b.fetchAuthoritative(b.ctx, requestID, current)
}

func (b *Bootstrapper) fetchAuthoritative(ctx context.Context, requestID uint64, principal identity.Principal) {
	defer b.inflight.Done()

	record, found, err := b.profiles.GetDocument(ctx, principal.ID)
	if ctx.Err() != nil {
		b.logger.Debug("page closed during profile fetch", zap.Uint64("request_id", requestID))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated {
		return
	}
	if requestID != b.latestRequest {
		b.logger.Debug("discarding stale profile response",
			zap.Uint64("request_id", requestID),
			zap.Uint64("latest_request_id", b.latestRequest))
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeStale})
		return
	}

	switch {
	case err != nil:
		b.logger.Warn("profile fetch failed, rendering fallback", zap.String("user_id", principal.ID), zap.Error(err))
		fallback := b.errorFallback(principal)
		b.renderer.Render(fallback)
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeFetchFailed, Record: fallback})
	case !found:
		fallback := b.missingFallback(principal)
		b.logger.Info("profile document missing, using fallback", zap.String("user_id", principal.ID))
		b.storeLocked(fallback)
		b.renderer.Render(fallback)
		if !b.requiredRole.Matches(profiles.RoleAdmin) {
			b.activateLocked()
		}
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeFallback, Record: fallback})
	case !record.Role.Matches(b.requiredRole):
		b.logger.Warn("role gate rejected principal",
			zap.String("user_id", principal.ID),
			zap.String("role", record.Role.String()))
		b.terminateLocked()
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeUnauthorized, Record: record})
	default:
		b.storeLocked(record)
		b.renderer.Render(record)
		b.activateLocked()
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeAuthorized, Record: record})
	}
}

func (b *Bootstrapper) optimisticRecord(principal identity.Principal) profiles.Record {
	if cached, ok := b.cache.Get(); ok && cached.ID == principal.ID {
		return cached
	}
	fullName := strings.TrimSpace(principal.DisplayName)
	if fullName == "" {
		fullName = principal.EmailLocalPart()
	}
	return profiles.Record{
		ID:        principal.ID,
		FullName:  fullName,
		Email:     principal.Email,
		Role:      b.requiredRole,
		AvatarURL: principal.AvatarURL,
	}
}

func (b *Bootstrapper) missingFallback(principal identity.Principal) profiles.Record {
	emailName := principal.EmailLocalPart()
	if emailName == "" {
		emailName = b.requiredRole.Display()
	}
	fullName := strings.TrimSpace(principal.DisplayName)
	firstName := emailName
	if fullName == "" {
		fullName = emailName
	} else {
		firstName = strings.Fields(fullName)[0]
	}
	return profiles.Record{
		ID:        principal.ID,
		FirstName: firstName,
		FullName:  fullName,
		Email:     principal.Email,
		Role:      b.requiredRole,
		AvatarURL: principal.AvatarURL,
	}
}

func (b *Bootstrapper) errorFallback(principal identity.Principal) profiles.Record {
	fullName := strings.TrimSpace(principal.DisplayName)
	if fullName == "" {
		fullName = defaultName(b.requiredRole)
	}
	return profiles.Record{
		ID:        principal.ID,
		FullName:  fullName,
		Email:     principal.Email,
		Role:      b.requiredRole,
		AvatarURL: principal.AvatarURL,
	}
}

func (b *Bootstrapper) storeLocked(record profiles.Record) {
	if err := b.cache.Set(record); err != nil {
		b.logger.Warn("profile cache write failed", zap.Error(err))
	}
}

func (b *Bootstrapper) activateLocked() {
	if b.activated {
		return
	}
	b.activated = true
	for _, subscription := range b.subscriptions {
		if err := subscription.Start(); err != nil {
			b.logger.Warn("page subscription failed to start", zap.Error(err))
		}
	}
}

func (b *Bootstrapper) stopSubscriptionsLocked() {
	if !b.activated {
		return
	}
	b.activated = false
	for _, subscription := range b.subscriptions {
		subscription.Stop()
	}
}

func (b *Bootstrapper) scheduleRedirectLocked(requestID uint64) {
	if b.redirectTimer != nil {
		return
	}
	b.redirectGen++
	generation := b.redirectGen
	b.redirectTimer = time.AfterFunc(b.redirectGrace, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.terminated || b.redirectTimer == nil || generation != b.redirectGen {
			return
		}
		b.redirectTimer = nil
		b.logger.Info("no signed-in principal, redirecting to login")
		b.terminateLocked()
		b.emitLocked(Outcome{RequestID: requestID, Kind: OutcomeSignedOut})
	})
}

func (b *Bootstrapper) cancelRedirectLocked() {
	if b.redirectTimer == nil {
		return
	}
	b.redirectTimer.Stop()
	b.redirectTimer = nil
	b.redirectGen++
}

func (b *Bootstrapper) terminateLocked() {
	b.terminated = true
	b.cancelRedirectLocked()
	b.stopSubscriptionsLocked()
	b.navigator.Navigate(b.loginPage)
}

func (b *Bootstrapper) emitLocked(outcome Outcome) {
	select {
	case b.outcomes <- outcome:
	default:
	}
}

func defaultName(role profiles.Role) string {
	if role.Matches(profiles.RoleAdmin) {
		return "Admin"
	}
	return "User"
}
