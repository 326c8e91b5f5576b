package roster

import (
	"errors"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Slot ids owned by the roster.
const (
	SlotTableBody  = "users-table-body"
	SlotTotalCount = "total-users-count"
)

const registrationDateLayout = "1/2/2006"

var errMissingCollection = errors.New("roster: collection source required")

// Entry is the display projection of one profile.
type Entry struct {
	FullName   string
	Email      string
	Role       string
	Registered string
}

// NewEntry projects a profile record into a roster row.
func NewEntry(record profiles.Record) Entry {
	registered := ""
	if !record.CreatedAt.IsZero() {
		registered = record.CreatedAt.Local().Format(registrationDateLayout)
	}
	return Entry{
		FullName:   record.FullName,
		Email:      record.Email,
		Role:       record.Role.String(),
		Registered: registered,
	}
}

// Collection is a live query over every profile document.
type Collection interface {
	ObserveCollection(callback func(profiles.Snapshot)) (*realtime.Subscription, error)
}

// Surface is the part of the admin page the roster renders into.
type Surface interface {
	Has(id string) bool
	SetText(id, text string) bool
	ReplaceChildren(id string, nodes []*html.Node) error
}

// Viewer re-renders the whole user table on every collection snapshot.
type Viewer struct {
	collection Collection
	surface    Surface
	logger     *zap.Logger

	mu           sync.Mutex
	subscription *realtime.Subscription
	started      bool
	renders      int
}

// NewViewer constructs a roster viewer over collection rendering into surface.
func NewViewer(collection Collection, surface Surface, logger *zap.Logger) (*Viewer, error) {
	if collection == nil {
		return nil, errMissingCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Viewer{collection: collection, surface: surface, logger: logger}, nil
}

// Start subscribes to the collection. It is a no-op when already started or when the
// page has no user table.
func (v *Viewer) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.started {
		return nil
	}
	if v.surface == nil || !v.surface.Has(SlotTableBody) {
		v.logger.Debug("roster table not present, skipping subscription")
		return nil
	}
	subscription, err := v.collection.ObserveCollection(v.render)
	if err != nil {
		return err
	}
	v.subscription = subscription
	v.started = true
	return nil
}

// Stop releases the collection subscription.
func (v *Viewer) Stop() {
	v.mu.Lock()
	subscription := v.subscription
	v.subscription = nil
	v.started = false
	v.mu.Unlock()
	subscription.Release()
}

// Active reports whether the viewer holds a live subscription.
func (v *Viewer) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.started
}

// Renders reports how many snapshots have been rendered.
func (v *Viewer) Renders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders
}

func (v *Viewer) render(snapshot profiles.Snapshot) {
	rows := make([]*html.Node, 0, snapshot.Size())
	for _, record := range snapshot.Records {
		rows = append(rows, entryRow(NewEntry(record)))
	}
	v.surface.SetText(SlotTotalCount, strconv.Itoa(snapshot.Size()))
	if err := v.surface.ReplaceChildren(SlotTableBody, rows); err != nil {
		v.logger.Warn("roster render failed", zap.Error(err))
		return
	}
	v.mu.Lock()
	v.renders++
	v.mu.Unlock()
}

func entryRow(entry Entry) *html.Node {
	return page.Element(atom.Tr, nil,
		cell(page.TextNode(entry.FullName)),
		cell(page.TextNode(entry.Email)),
		cell(page.TextNode(entry.Role)),
		cell(page.TextNode(entry.Registered)),
		cell(page.Element(atom.Span, map[string]string{"class": "status-active"}, page.TextNode("Active"))),
	)
}

func cell(content *html.Node) *html.Node {
	return page.Element(atom.Td, nil, content)
}
