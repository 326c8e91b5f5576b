package page

import (
	"context"
	"fmt"
	"sync"
)

// Page targets used by the session flows.
const (
	LoginPage          = "login.html"
	SignupPage         = "signup.html"
	FarmerDashboard    = "user-dashboard.html"
	AdminDashboardPage = "admin-dashboard.html"
)

// Navigator changes the page location.
type Navigator interface {
	Navigate(target string)
}

// Notifier shows a blocking notice to the user.
type Notifier interface {
	Notify(message string)
}

// ClickHandler handles a click on an element.
type ClickHandler func(ctx context.Context) error

// Window is a headless browser tab: one document, a location, the notices shown
// to the user and the click handlers registered on elements.
type Window struct {
	document *Document

	mu          sync.Mutex
	location    string
	navigations []string
	notices     []string
	handlers    map[string][]ClickHandler
	navigated   chan struct{}
}

// NewWindow opens document at location.
func NewWindow(document *Document, location string) *Window {
	return &Window{
		document:  document,
		location:  location,
		handlers:  make(map[string][]ClickHandler),
		navigated: make(chan struct{}),
	}
}

// Document returns the loaded document.
func (w *Window) Document() *Document {
	return w.document
}

// Navigate records a navigation to target.
func (w *Window) Navigate(target string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.location = target
	w.navigations = append(w.navigations, target)
	if len(w.navigations) == 1 {
		close(w.navigated)
	}
}

// Navigated is closed after the first navigation away from the loaded page.
func (w *Window) Navigated() <-chan struct{} {
	return w.navigated
}

// Location returns the current location.
func (w *Window) Location() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.location
}

// Navigations returns every navigation in order.
func (w *Window) Navigations() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.navigations...)
}

// Notify records a notice shown to the user.
func (w *Window) Notify(message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notices = append(w.notices, message)
}

// Notices returns every notice in order.
func (w *Window) Notices() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.notices...)
}

// OnClick registers handler for clicks on the element with id.
func (w *Window) OnClick(id string, handler ClickHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[id] = append(w.handlers[id], handler)
}

// HandlerCount reports how many click handlers are registered for id.
func (w *Window) HandlerCount(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handlers[id])
}

// Click dispatches a click to the element with id. Disabled elements ignore clicks.
func (w *Window) Click(ctx context.Context, id string) error {
	if !w.document.Has(id) {
		return fmt.Errorf("%w: %s", ErrElementNotFound, id)
	}
	if _, disabled := w.document.Attr(id, "disabled"); disabled {
		return nil
	}
	w.mu.Lock()
	handlers := append([]ClickHandler(nil), w.handlers[id]...)
	w.mu.Unlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}
