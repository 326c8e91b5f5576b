package sensors

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
)

// LatestPath is the feed path carrying the most recent field reading.
const LatestPath = "sensorData/latest"

const eventValue = "value"

// ErrInvalidPath indicates an empty feed path.
var ErrInvalidPath = errors.New("sensors: invalid path")

// Reading is one set of field measurements.
type Reading struct {
	PH          float64   `json:"ph"`
	Moisture    float64   `json:"moisture"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	RecordedAt  time.Time `json:"recordedAt,omitempty"`
}

// Feed is a key/value feed keeping the latest reading per path.
type Feed struct {
	dispatcher *realtime.Dispatcher
	clock      func() time.Time

	mu     sync.Mutex
	latest map[string]Reading
}

// NewFeed constructs a feed publishing through dispatcher.
func NewFeed(dispatcher *realtime.Dispatcher, clock func() time.Time) *Feed {
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Feed{
		dispatcher: dispatcher,
		clock:      clock,
		latest:     make(map[string]Reading),
	}
}

// Publish stores reading as the value of path and notifies observers.
func (f *Feed) Publish(path string, reading Reading) error {
	key := strings.TrimSpace(path)
	if key == "" {
		return ErrInvalidPath
	}
	if reading.RecordedAt.IsZero() {
		reading.RecordedAt = f.clock().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[key] = reading
	f.dispatcher.Publish(realtime.Message{
		Topic:     topic(key),
		EventType: eventValue,
		Payload:   reading,
		Timestamp: reading.RecordedAt,
	})
	return nil
}

// Latest returns the current value of path.
func (f *Feed) Latest(path string) (Reading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reading, ok := f.latest[strings.TrimSpace(path)]
	return reading, ok
}

// ObserveValue calls callback with the current value of path, if any, and with every
// later value.
func (f *Feed) ObserveValue(path string, callback func(Reading)) (*realtime.Subscription, error) {
	key := strings.TrimSpace(path)
	if key == "" {
		return nil, ErrInvalidPath
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var primers []realtime.Message
	if reading, ok := f.latest[key]; ok {
		primers = append(primers, realtime.Message{Topic: topic(key), EventType: eventValue, Payload: reading})
	}
	return f.dispatcher.Listen(topic(key), func(message realtime.Message) {
		if reading, ok := message.Payload.(Reading); ok {
			callback(reading)
		}
	}, primers...), nil
}

func topic(path string) string {
	return "feeds/" + path
}
