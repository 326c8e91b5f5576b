package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"go.uber.org/zap"
)

// ProfileKey names the durable slot holding the cached profile.
const ProfileKey = "sf_user"

var errMissingStores = errors.New("storage: durable and session stores required")

// ProfileCache keeps the most recently observed profile for optimistic rendering.
// It is never an authority for role decisions.
type ProfileCache struct {
	durable Store
	session Store
	logger  *zap.Logger
}

// NewProfileCache constructs a cache over a durable and a session store.
func NewProfileCache(durable, session Store, logger *zap.Logger) (*ProfileCache, error) {
	if durable == nil || session == nil {
		return nil, errMissingStores
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileCache{durable: durable, session: session, logger: logger}, nil
}

// Set replaces the cached profile with record.
func (c *ProfileCache) Set(record profiles.Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: encode profile: %w", err)
	}
	return c.durable.Set(ProfileKey, string(encoded))
}

// Get returns the cached profile. Missing, unreadable or malformed entries are a miss.
func (c *ProfileCache) Get() (profiles.Record, bool) {
	raw, ok, err := c.durable.Get(ProfileKey)
	if err != nil {
		c.logger.Warn("profile cache read failed", zap.Error(err))
		return profiles.Record{}, false
	}
	if !ok || raw == "" {
		return profiles.Record{}, false
	}
	var record profiles.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		c.logger.Warn("discarding malformed cached profile", zap.Error(err))
		return profiles.Record{}, false
	}
	return record, true
}

// Clear removes every durable key of the origin and all session data.
func (c *ProfileCache) Clear() error {
	return errors.Join(c.durable.Clear(), c.session.Clear())
}

// SetSessionFlag stores a session-scoped value that Clear also removes.
func (c *ProfileCache) SetSessionFlag(key, value string) error {
	return c.session.Set(key, value)
}

// SessionFlag reads a session-scoped value.
func (c *ProfileCache) SessionFlag(key string) (string, bool) {
	value, ok, err := c.session.Get(key)
	if err != nil {
		return "", false
	}
	return value, ok
}
