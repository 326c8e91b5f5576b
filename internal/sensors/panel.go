package sensors

import (
	"errors"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"go.uber.org/zap"
)

// Slot ids owned by the sensor panel.
const (
	SlotPH          = "ph-value"
	SlotMoisture    = "moisture-value"
	SlotTemperature = "temperature-value"
	SlotHumidity    = "humidity-value"
)

var errMissingSource = errors.New("sensors: value source required")

// ValueSource is a live key/value feed.
type ValueSource interface {
	ObserveValue(path string, callback func(Reading)) (*realtime.Subscription, error)
}

// Surface is the part of the farmer page the panel renders into.
type Surface interface {
	SetText(id, text string) bool
}

// Panel renders the latest field reading on the farmer dashboard.
type Panel struct {
	source  ValueSource
	surface Surface
	path    string
	logger  *zap.Logger

	mu           sync.Mutex
	subscription *realtime.Subscription
}

// NewPanel constructs a panel following LatestPath.
func NewPanel(source ValueSource, surface Surface, logger *zap.Logger) (*Panel, error) {
	if source == nil {
		return nil, errMissingSource
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Panel{source: source, surface: surface, path: LatestPath, logger: logger}, nil
}

// Start subscribes to the feed; calling it again is a no-op.
func (p *Panel) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscription != nil {
		return nil
	}
	subscription, err := p.source.ObserveValue(p.path, p.render)
	if err != nil {
		return err
	}
	p.subscription = subscription
	return nil
}

// Stop releases the feed subscription.
func (p *Panel) Stop() {
	p.mu.Lock()
	subscription := p.subscription
	p.subscription = nil
	p.mu.Unlock()
	subscription.Release()
}

// Active reports whether the panel holds a live subscription.
func (p *Panel) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscription != nil
}

func (p *Panel) render(reading Reading) {
	if p.surface == nil {
		return
	}
	p.surface.SetText(SlotPH, strconv.FormatFloat(reading.PH, 'f', 1, 64))
	p.surface.SetText(SlotMoisture, formatNumber(reading.Moisture)+"%")
	p.surface.SetText(SlotTemperature, formatNumber(reading.Temperature)+"°C")
	p.surface.SetText(SlotHumidity, formatNumber(reading.Humidity)+"%")
	p.logger.Debug("sensor reading rendered", zap.Time("recorded_at", reading.RecordedAt))
}

func formatNumber(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
