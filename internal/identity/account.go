package identity

import (
	"strings"
	"time"
)

// Account is the stored credential record behind a principal.
type Account struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash string    `gorm:"column:password_hash;size:255;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Principal is the authenticated identity exposed to the rest of the system.
type Principal struct {
	ID          string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"photoURL,omitempty"`
}

// EmailLocalPart returns the part of the principal email before '@'.
func (p Principal) EmailLocalPart() string {
	email := strings.TrimSpace(p.Email)
	if index := strings.Index(email, "@"); index >= 0 {
		return email[:index]
	}
	return email
}

func (a Account) principal() Principal {
	return Principal{
		ID:          a.UserID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		AvatarURL:   a.AvatarURL,
	}
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
