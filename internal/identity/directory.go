package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrEmailInUse indicates that an account already exists for the email.
	ErrEmailInUse = errors.New("identity: email already in use")
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrAccountNotFound indicates that no account exists for an id.
	ErrAccountNotFound = errors.New("identity: account not found")
	// ErrInvalidEmail indicates an empty or malformed email.
	ErrInvalidEmail = errors.New("identity: invalid email")

	errMissingDatabase = errors.New("identity: database connection required")
)

// DirectoryConfig describes the dependencies of the account directory.
type DirectoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	HashCost   int
	IDProvider func() (string, error)
}

// Directory registers accounts and verifies credentials.
type Directory struct {
	db       *gorm.DB
	now      func() time.Time
	hashCost int
	newID    func() (string, error)
}

// NewDirectory constructs the account directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.HashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	newID := cfg.IDProvider
	if newID == nil {
		newID = newUUIDv7
	}
	return &Directory{
		db:       cfg.Database,
		now:      clock,
		hashCost: cost,
		newID:    newID,
	}, nil
}

// Register creates an account for email and returns its principal.
func (d *Directory) Register(ctx context.Context, email, password, displayName string) (Principal, error) {
	normalized := normalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return Principal{}, ErrInvalidEmail
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return Principal{}, fmt.Errorf("identity: hash password: %w", err)
	}
	userID, err := d.newID()
	if err != nil {
		return Principal{}, fmt.Errorf("identity: allocate id: %w", err)
	}

	account := Account{
		UserID:       userID,
		Email:        normalized,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
		LastSeenAt:   d.now(),
	}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Account{}).Where("email = ?", normalized).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailInUse
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		if errors.Is(err, ErrEmailInUse) {
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("identity: register: %w", err)
	}
	return account.principal(), nil
}

// Verify checks email and password and returns the matching principal.
func (d *Directory) Verify(ctx context.Context, email, password string) (Principal, error) {
	var account Account
	err := d.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("identity: verify: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	_ = d.db.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Update("last_seen_at", d.now()).
		Error
	return account.principal(), nil
}

// Lookup returns the principal for a user id.
func (d *Directory) Lookup(ctx context.Context, userID string) (Principal, error) {
	var account Account
	err := d.db.WithContext(ctx).Where("user_id = ?", strings.TrimSpace(userID)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrAccountNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("identity: lookup: %w", err)
	}
	return account.principal(), nil
}

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
