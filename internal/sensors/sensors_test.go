package sensors

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
)

func waitForText(t *testing.T, document *page.Document, id, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, _ := document.Text(id); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := document.Text(id)
	t.Fatalf("expected %s to read %q, got %q", id, want, got)
}

func TestPanelRendersLatestAndLaterReadings(t *testing.T) {
	feed := NewFeed(realtime.NewDispatcher(), nil)
	if err := feed.Publish(LatestPath, Reading{PH: 6.54, Moisture: 41, Temperature: 27.5, Humidity: 63}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	document, err := page.Load(page.FarmerDashboard)
	if err != nil {
		t.Fatalf("failed to load template: %v", err)
	}
	panel, err := NewPanel(feed, document, nil)
	if err != nil {
		t.Fatalf("failed to create panel: %v", err)
	}
	if err := panel.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer panel.Stop()

	waitForText(t, document, SlotPH, "6.5")
	waitForText(t, document, SlotMoisture, "41%")
	waitForText(t, document, SlotTemperature, "27.5°C")
	waitForText(t, document, SlotHumidity, "63%")

	if err := feed.Publish(LatestPath, Reading{PH: 7, Moisture: 39, Temperature: 26, Humidity: 60}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitForText(t, document, SlotPH, "7.0")
	waitForText(t, document, SlotMoisture, "39%")
}

func TestPanelStartIsIdempotent(t *testing.T) {
	dispatcher := realtime.NewDispatcher()
	feed := NewFeed(dispatcher, nil)
	panel, err := NewPanel(feed, nil, nil)
	if err != nil {
		t.Fatalf("failed to create panel: %v", err)
	}
	_ = panel.Start()
	_ = panel.Start()
	if dispatcher.SubscriberCount(topic(LatestPath)) != 1 {
		t.Fatalf("expected one feed subscription")
	}
	panel.Stop()
	if dispatcher.SubscriberCount(topic(LatestPath)) != 0 || panel.Active() {
		t.Fatalf("expected subscription to be released")
	}
}

func TestFeedRejectsEmptyPath(t *testing.T) {
	feed := NewFeed(nil, nil)
	if err := feed.Publish(" ", Reading{}); err != ErrInvalidPath {
		t.Fatalf("expected invalid path, got %v", err)
	}
	if _, err := feed.ObserveValue("", func(Reading) {}); err != ErrInvalidPath {
		t.Fatalf("expected invalid path, got %v", err)
	}
	if _, ok := feed.Latest(LatestPath); ok {
		t.Fatalf("expected no reading yet")
	}
}
