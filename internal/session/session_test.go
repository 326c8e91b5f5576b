package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/display"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/identity"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/storage"
	"go.uber.org/goleak"
)

const outcomeTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAuthSource struct {
	mu        sync.Mutex
	listeners map[int]func(*identity.Principal)
	nextID    int
}

func newFakeAuthSource() *fakeAuthSource {
	return &fakeAuthSource{listeners: make(map[int]func(*identity.Principal))}
}

func (s *fakeAuthSource) ObserveAuthState(callback func(*identity.Principal)) *realtime.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = callback
	return realtime.NewSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	})
}

func (s *fakeAuthSource) fire(principal *identity.Principal) {
	s.mu.Lock()
	callbacks := make([]func(*identity.Principal), 0, len(s.listeners))
	for _, callback := range s.listeners {
		callbacks = append(callbacks, callback)
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(principal)
	}
}

func (s *fakeAuthSource) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

type documentResponse struct {
	record profiles.Record
	found  bool
	err    error
	gate   chan struct{}
}

type scriptedReader struct {
	mu        sync.Mutex
	responses []documentResponse
	calls     int
	started   chan string
}

func newScriptedReader(responses ...documentResponse) *scriptedReader {
	return &scriptedReader{responses: responses, started: make(chan string, 16)}
}

func (r *scriptedReader) GetDocument(ctx context.Context, id string) (profiles.Record, bool, error) {
	r.mu.Lock()
	index := r.calls
	if index >= len(r.responses) {
		index = len(r.responses) - 1
	}
	response := r.responses[index]
	r.calls++
	r.mu.Unlock()

	r.started <- id
	if response.gate != nil {
		select {
		case <-response.gate:
		case <-ctx.Done():
			return profiles.Record{}, false, ctx.Err()
		}
	}
	return response.record, response.found, response.err
}

type countingSubscription struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (s *countingSubscription) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *countingSubscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *countingSubscription) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

type harness struct {
	window       *page.Window
	source       *fakeAuthSource
	cache        *storage.ProfileCache
	subscription *countingSubscription
	bootstrapper *Bootstrapper
}

func newHarness(t *testing.T, template string, role profiles.Role, reader ProfileReader, grace time.Duration) *harness {
	t.Helper()
	window, err := page.Open(template)
	if err != nil {
		t.Fatalf("failed to open %s: %v", template, err)
	}
	cache, err := storage.NewProfileCache(storage.NewMemoryStore(), storage.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	fallbackName := "User"
	if role == profiles.RoleAdmin {
		fallbackName = "Admin"
	}
	sink := display.NewSink(display.Config{
		Surface:      window.Document(),
		FallbackName: fallbackName,
		FallbackRole: role,
	})
	source := newFakeAuthSource()
	subscription := &countingSubscription{}
	bootstrapper, err := NewBootstrapper(BootstrapperConfig{
		Identity:      source,
		Profiles:      reader,
		Cache:         cache,
		Renderer:      sink,
		Navigator:     window,
		RequiredRole:  role,
		RedirectGrace: grace,
		Subscriptions: []PageSubscription{subscription},
	})
	if err != nil {
		t.Fatalf("failed to create bootstrapper: %v", err)
	}
	t.Cleanup(bootstrapper.Stop)
	return &harness{
		window:       window,
		source:       source,
		cache:        cache,
		subscription: subscription,
		bootstrapper: bootstrapper,
	}
}

func awaitOutcome(t *testing.T, bootstrapper *Bootstrapper, kind OutcomeKind) Outcome {
	t.Helper()
	select {
	case outcome := <-bootstrapper.Outcomes():
		if outcome.Kind != kind {
			t.Fatalf("expected outcome %s, got %s", kind, outcome.Kind)
		}
		return outcome
	case <-time.After(outcomeTimeout):
		t.Fatalf("timed out waiting for outcome %s", kind)
	}
	return Outcome{}
}

func text(t *testing.T, window *page.Window, id string) string {
	t.Helper()
	value, ok := window.Document().Text(id)
	if !ok {
		t.Fatalf("expected element %s", id)
	}
	return value
}

func TestBootstrapperAuthorizesAdmin(t *testing.T) {
	stored := profiles.Record{ID: "admin-1", FullName: "Ada Admin", Email: "ada@example.com", Role: profiles.Role("Admin")}
	h := newHarness(t, page.AdminDashboardPage, profiles.RoleAdmin, newScriptedReader(documentResponse{record: stored, found: true}), time.Second)
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "admin-1", Email: "ada@example.com"})
	awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)

	if got := text(t, h.window, "admin-name"); got != "Ada Admin" {
		t.Fatalf("expected admin name Ada Admin, got %q", got)
	}
	if got := text(t, h.window, "admin-role"); got != "Admin" {
		t.Fatalf("expected admin role label, got %q", got)
	}
	cached, ok := h.cache.Get()
	if !ok || cached.FullName != "Ada Admin" {
		t.Fatalf("expected authoritative record to be cached, got %+v (%t)", cached, ok)
	}
	if starts, _ := h.subscription.counts(); starts != 1 {
		t.Fatalf("expected page subscriptions to start once, got %d", starts)
	}
	if navigations := h.window.Navigations(); len(navigations) != 0 {
		t.Fatalf("expected no navigation, got %v", navigations)
	}
}

func TestBootstrapperRedirectsFarmerFromAdminPage(t *testing.T) {
	stored := profiles.Record{ID: "farmer-1", FullName: "Femi Farmer", Email: "femi@example.com", Role: profiles.RoleFarmer}
	h := newHarness(t, page.AdminDashboardPage, profiles.RoleAdmin, newScriptedReader(documentResponse{record: stored, found: true}), time.Second)
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "farmer-1", Email: "femi@example.com"})
	awaitOutcome(t, h.bootstrapper, OutcomeUnauthorized)

	if location := h.window.Location(); location != page.LoginPage {
		t.Fatalf("expected redirect to login, got %s", location)
	}
	if starts, _ := h.subscription.counts(); starts != 0 {
		t.Fatalf("expected no page subscriptions, got %d", starts)
	}
	if _, ok := h.cache.Get(); ok {
		t.Fatalf("expected mismatched record not to be cached")
	}

	h.source.fire(&identity.Principal{ID: "farmer-1", Email: "femi@example.com"})
	h.bootstrapper.Wait()
	if navigations := h.window.Navigations(); len(navigations) != 1 {
		t.Fatalf("expected a terminal bootstrapper to ignore later firings, got %v", navigations)
	}
}

func TestBootstrapperSynthesizesMissingProfile(t *testing.T) {
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, newScriptedReader(documentResponse{found: false}), time.Second)
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "user-9", Email: "jane@example.com"})
	outcome := awaitOutcome(t, h.bootstrapper, OutcomeFallback)

	if outcome.Record.FullName != "jane" || outcome.Record.FirstName != "jane" {
		t.Fatalf("expected fallback named after email local part, got %+v", outcome.Record)
	}
	if outcome.Record.Role != profiles.RoleFarmer {
		t.Fatalf("expected page default role, got %q", outcome.Record.Role)
	}
	if got := text(t, h.window, "user-name"); got != "jane" {
		t.Fatalf("expected rendered fallback name, got %q", got)
	}
	cached, ok := h.cache.Get()
	if !ok || cached.FullName != "jane" {
		t.Fatalf("expected fallback to be cached, got %+v (%t)", cached, ok)
	}
	if starts, _ := h.subscription.counts(); starts != 1 {
		t.Fatalf("expected farmer page subscriptions from a synthesized profile, got %d", starts)
	}
}

func TestBootstrapperKeepsAdminFeaturesGatedOnMissingProfile(t *testing.T) {
	h := newHarness(t, page.AdminDashboardPage, profiles.RoleAdmin, newScriptedReader(documentResponse{found: false}), time.Second)
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "user-9", Email: "jane@example.com"})
	awaitOutcome(t, h.bootstrapper, OutcomeFallback)

	if starts, _ := h.subscription.counts(); starts != 0 {
		t.Fatalf("expected no roster from a synthesized admin profile, got %d", starts)
	}
}

func TestBootstrapperIgnoresFetchAfterPageClosed(t *testing.T) {
	gate := make(chan struct{})
	reader := newScriptedReader(documentResponse{gate: gate})
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, reader, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	h.bootstrapper.Start(ctx)

	h.source.fire(&identity.Principal{ID: "user-3", Email: "kofi@example.com"})
	<-reader.started
	optimistic := text(t, h.window, "user-name")
	cancel()
	h.bootstrapper.Wait()

	select {
	case outcome := <-h.bootstrapper.Outcomes():
		t.Fatalf("expected no outcome after the page closed, got %s", outcome.Kind)
	default:
	}
	if got := text(t, h.window, "user-name"); got != optimistic {
		t.Fatalf("expected optimistic render to remain, got %q", got)
	}
	if _, ok := h.cache.Get(); ok {
		t.Fatalf("expected nothing cached after the page closed")
	}
}

func TestBootstrapperDegradesOnFetchError(t *testing.T) {
	reader := newScriptedReader(documentResponse{err: errors.New("unavailable")})
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, reader, time.Second)
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "user-3", Email: "kofi@example.com"})
	awaitOutcome(t, h.bootstrapper, OutcomeFetchFailed)

	if got := text(t, h.window, "user-name"); got != "User" {
		t.Fatalf("expected default name after fetch failure, got %q", got)
	}
	if _, ok := h.cache.Get(); ok {
		t.Fatalf("expected degraded record not to be cached")
	}
	if location := h.window.Location(); location != page.FarmerDashboard {
		t.Fatalf("expected to stay on the dashboard, got %s", location)
	}
}

func TestBootstrapperRendersCachedProfileOptimistically(t *testing.T) {
	gate := make(chan struct{})
	stored := profiles.Record{ID: "user-1", FullName: "Amina Bello", Role: profiles.RoleFarmer}
	reader := newScriptedReader(documentResponse{record: stored, found: true, gate: gate})
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, reader, time.Second)
	if err := h.cache.Set(profiles.Record{ID: "user-1", FullName: "Cached Amina", Role: profiles.RoleFarmer}); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
	h.bootstrapper.Start(context.Background())

	h.source.fire(&identity.Principal{ID: "user-1", Email: "amina@example.com"})
	if got := text(t, h.window, "user-name"); got != "Cached Amina" {
		t.Fatalf("expected optimistic render from cache, got %q", got)
	}

	close(gate)
	awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)
	if got := text(t, h.window, "user-name"); got != "Amina Bello" {
		t.Fatalf("expected authoritative render, got %q", got)
	}
}

func TestBootstrapperDiscardsStaleResponse(t *testing.T) {
	gate := make(chan struct{})
	reader := newScriptedReader(
		documentResponse{record: profiles.Record{ID: "user-1", FullName: "Old Name", Role: profiles.RoleFarmer}, found: true, gate: gate},
		documentResponse{record: profiles.Record{ID: "user-1", FullName: "New Name", Role: profiles.RoleFarmer}, found: true},
	)
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, reader, time.Second)
	h.bootstrapper.Start(context.Background())

	principal := &identity.Principal{ID: "user-1", Email: "amina@example.com"}
	h.source.fire(principal)
	<-reader.started
	h.source.fire(principal)

	first := awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)
	close(gate)
	stale := awaitOutcome(t, h.bootstrapper, OutcomeStale)

	if stale.RequestID >= first.RequestID {
		t.Fatalf("expected stale request %d to precede %d", stale.RequestID, first.RequestID)
	}
	if got := text(t, h.window, "user-name"); got != "New Name" {
		t.Fatalf("expected newest response to win, got %q", got)
	}
	cached, _ := h.cache.Get()
	if cached.FullName != "New Name" {
		t.Fatalf("expected cache to hold the newest response, got %q", cached.FullName)
	}
}

func TestBootstrapperStartIsIdempotent(t *testing.T) {
	stored := profiles.Record{ID: "user-1", FullName: "Amina Bello", Role: profiles.RoleFarmer}
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, newScriptedReader(documentResponse{record: stored, found: true}), time.Second)
	h.bootstrapper.Start(context.Background())
	h.bootstrapper.Start(context.Background())

	if count := h.source.listenerCount(); count != 1 {
		t.Fatalf("expected one auth listener, got %d", count)
	}

	principal := &identity.Principal{ID: "user-1", Email: "amina@example.com"}
	h.source.fire(principal)
	awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)
	h.source.fire(principal)
	awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)

	if starts, _ := h.subscription.counts(); starts != 1 {
		t.Fatalf("expected page subscriptions to start once across firings, got %d", starts)
	}

	h.bootstrapper.Stop()
	if count := h.source.listenerCount(); count != 0 {
		t.Fatalf("expected stop to release the auth listener, got %d", count)
	}
	if _, stops := h.subscription.counts(); stops != 1 {
		t.Fatalf("expected stop to release page subscriptions, got %d", stops)
	}
}

func TestBootstrapperRedirectsWhenSignedOut(t *testing.T) {
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, newScriptedReader(documentResponse{}), 20*time.Millisecond)
	h.bootstrapper.Start(context.Background())

	h.source.fire(nil)
	awaitOutcome(t, h.bootstrapper, OutcomeSignedOut)

	select {
	case <-h.window.Navigated():
	case <-time.After(outcomeTimeout):
		t.Fatalf("expected navigation after grace delay")
	}
	if location := h.window.Location(); location != page.LoginPage {
		t.Fatalf("expected login page, got %s", location)
	}
}

func TestBootstrapperPrincipalCancelsPendingRedirect(t *testing.T) {
	stored := profiles.Record{ID: "user-1", FullName: "Amina Bello", Role: profiles.RoleFarmer}
	grace := 100 * time.Millisecond
	h := newHarness(t, page.FarmerDashboard, profiles.RoleFarmer, newScriptedReader(documentResponse{record: stored, found: true}), grace)
	h.bootstrapper.Start(context.Background())

	h.source.fire(nil)
	h.source.fire(&identity.Principal{ID: "user-1", Email: "amina@example.com"})
	awaitOutcome(t, h.bootstrapper, OutcomeAuthorized)

	time.Sleep(3 * grace)
	if navigations := h.window.Navigations(); len(navigations) != 0 {
		t.Fatalf("expected pending redirect to be cancelled, got %v", navigations)
	}
}

func TestNewBootstrapperRejectsUnknownRole(t *testing.T) {
	_, err := NewBootstrapper(BootstrapperConfig{
		Identity:     newFakeAuthSource(),
		Profiles:     newScriptedReader(documentResponse{}),
		Cache:        &storage.ProfileCache{},
		Renderer:     display.NewSink(display.Config{}),
		Navigator:    page.NewWindow(nil, ""),
		RequiredRole: profiles.Role("guest"),
	})
	if !errors.Is(err, profiles.ErrInvalidRole) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}
