package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/sensors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventSnapshot  = "snapshot"
	RealtimeEventReading   = "reading"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "sensorfarm-api"

	defaultHeartbeatInterval = 25 * time.Second
)

type snapshotEventPayload struct {
	Size     int               `json:"size"`
	Profiles []profiles.Record `json:"profiles"`
	TakenAt  time.Time         `json:"takenAt"`
}

type heartbeatEventPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleProfileStream(c *gin.Context) {
	events := make(chan profiles.Snapshot, 1)
	subscription, err := h.profiles.ObserveCollection(func(snapshot profiles.Snapshot) {
		offerLatest(events, snapshot)
	})
	if err != nil {
		h.logger.Error("profile stream subscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer subscription.Release()

	streamEvents(c, h.heartbeat, events, func(snapshot profiles.Snapshot) {
		records := snapshot.Records
		if records == nil {
			records = []profiles.Record{}
		}
		c.SSEvent(RealtimeEventSnapshot, snapshotEventPayload{
			Size:     snapshot.Size(),
			Profiles: records,
			TakenAt:  snapshot.TakenAt,
		})
	})
}

func (h *httpHandler) handleSensorStream(c *gin.Context) {
	events := make(chan sensors.Reading, 1)
	subscription, err := h.sensors.ObserveValue(sensorPath(c), func(reading sensors.Reading) {
		offerLatest(events, reading)
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return
	}
	defer subscription.Release()

	streamEvents(c, h.heartbeat, events, func(reading sensors.Reading) {
		c.SSEvent(RealtimeEventReading, reading)
	})
}

func streamEvents[T any](c *gin.Context, heartbeatInterval time.Duration, events <-chan T, emit func(T)) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	done := c.Request.Context().Done()

	c.Stream(func(io.Writer) bool {
		select {
		case <-done:
			return false
		case event := <-events:
			emit(event)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{Source: realtimeSourceBackend, Timestamp: now.UTC()})
			return true
		}
	})
}

// offerLatest keeps only the newest value in a single-slot channel.
func offerLatest[T any](events chan T, value T) {
	for {
		select {
		case events <- value:
			return
		default:
		}
		select {
		case <-events:
		default:
		}
	}
}
