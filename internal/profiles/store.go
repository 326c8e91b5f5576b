package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollectionTopic is the realtime topic carrying profile collection snapshots.
const CollectionTopic = "collections/users"

const eventSnapshot = "snapshot"

var errMissingDatabase = errors.New("profiles: database connection required")

// StoreConfig describes the dependencies of the profile document store.
type StoreConfig struct {
	Database   *gorm.DB
	Dispatcher *realtime.Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store keeps profile documents keyed by principal id and notifies collection observers.
type Store struct {
	db         *gorm.DB
	dispatcher *realtime.Dispatcher
	clock      func() time.Time
	logger     *zap.Logger

	// writeMu keeps published snapshots in write order.
	writeMu sync.Mutex
}

// NewStore constructs the document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// GetDocument loads the profile for id. The boolean is false when no document exists.
func (s *Store) GetDocument(ctx context.Context, id string) (Record, bool, error) {
	key, err := validateID(id)
	if err != nil {
		return Record{}, false, err
	}
	var record Record
	err = s.db.WithContext(ctx).Where("id = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("profiles: get %s: %w", key, err)
	}
	return record, true, nil
}

// SetDocument creates or replaces the profile for id. The role of an existing
// document cannot change.
func (s *Store) SetDocument(ctx context.Context, id string, record Record) error {
	key, err := validateID(id)
	if err != nil {
		return err
	}
	role, err := ParseRole(string(record.Role))
	if err != nil {
		return err
	}
	record.ID = key
	record.Role = role
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		lookupErr := tx.Where("id = ?", key).Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		case lookupErr != nil:
			return lookupErr
		case !existing.Role.Matches(record.Role):
			return fmt.Errorf("%w: %s is %s", ErrRoleImmutable, key, existing.Role)
		default:
			record.CreatedAt = existing.CreatedAt
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, ErrRoleImmutable) {
			return err
		}
		return fmt.Errorf("profiles: set %s: %w", key, err)
	}

	snapshot, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("profile snapshot after write failed", zap.String("profile_id", key), zap.Error(err))
		return nil
	}
	s.dispatcher.Publish(realtime.Message{
		Topic:     CollectionTopic,
		EventType: eventSnapshot,
		Payload:   snapshot,
		Timestamp: snapshot.TakenAt,
	})
	return nil
}

// ListDocuments returns every profile ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("profiles: list: %w", err)
	}
	return records, nil
}

// ObserveCollection calls callback with the current snapshot and again after every write.
// Callbacks are serialized; release the returned subscription to stop them.
func (s *Store) ObserveCollection(callback func(Snapshot)) (*realtime.Subscription, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	initial, err := s.snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	primer := realtime.Message{
		Topic:     CollectionTopic,
		EventType: eventSnapshot,
		Payload:   initial,
		Timestamp: initial.TakenAt,
	}
	return s.dispatcher.Listen(CollectionTopic, func(message realtime.Message) {
		snapshot, ok := message.Payload.(Snapshot)
		if !ok {
			return
		}
		callback(snapshot)
	}, primer), nil
}

func (s *Store) snapshot(ctx context.Context) (Snapshot, error) {
	records, err := s.ListDocuments(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Records: records, TakenAt: s.clock().UTC()}, nil
}
