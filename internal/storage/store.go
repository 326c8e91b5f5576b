package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("storage: database connection required")
	errMissingOrigin   = errors.New("storage: origin required")
)

// Store is a synchronous string key/value store.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Clear() error
}

// Entry is one persisted key of a durable store.
type Entry struct {
	Origin string `gorm:"column:origin;primaryKey;size:255;not null"`
	Key    string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value  string `gorm:"column:entry_value;type:text;not null"`
}

// TableName exposes the table backing durable entries.
func (Entry) TableName() string {
	return "local_storage_entries"
}

// SQLiteStore is a durable store scoped to one origin. It survives restarts.
type SQLiteStore struct {
	db     *gorm.DB
	origin string
}

// NewSQLiteStore constructs a durable store for origin.
func NewSQLiteStore(db *gorm.DB, origin string) (*SQLiteStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	trimmed := strings.TrimSpace(origin)
	if trimmed == "" {
		return nil, errMissingOrigin
	}
	return &SQLiteStore{db: db, origin: trimmed}, nil
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	var entry Entry
	err := s.scope().Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	entry := Entry{Origin: s.origin, Key: key, Value: value}
	err := s.db.WithContext(context.Background()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "origin"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("storage: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	if err := s.scope().Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("storage: remove %s: %w", key, err)
	}
	return nil
}

// Clear removes every key of this origin; other origins are untouched.
func (s *SQLiteStore) Clear() error {
	if err := s.scope().Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("storage: clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scope() *gorm.DB {
	return s.db.WithContext(context.Background()).Where("origin = ?", s.origin)
}

// MemoryStore is a session-scoped store; its contents end with the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	return value, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]string)
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
