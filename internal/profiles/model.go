package profiles

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Role enumerates the platform roles a profile can hold.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleAdmin  Role = "admin"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRole indicates that a role value is not one of the supported roles.
	ErrInvalidRole = errors.New("profiles: invalid role")
	// ErrInvalidProfileID indicates that a document id is empty or exceeds storage bounds.
	ErrInvalidProfileID = errors.New("profiles: invalid profile id")
	// ErrRoleImmutable indicates an attempt to change the role of an existing profile.
	ErrRoleImmutable = errors.New("profiles: role is immutable")
)

// ParseRole normalizes raw input into a Role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleFarmer:
		return RoleFarmer, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// Matches reports whether r names the same role as other, ignoring case.
func (r Role) Matches(other Role) bool {
	return strings.EqualFold(strings.TrimSpace(string(r)), strings.TrimSpace(string(other)))
}

// Display returns the role with its first character upper-cased.
func (r Role) Display() string {
	value := string(r)
	if value == "" {
		return ""
	}
	first, size := utf8.DecodeRuneInString(value)
	return string(unicode.ToUpper(first)) + value[size:]
}

func (r Role) String() string {
	return string(r)
}

// Record is the profile document stored per principal id.
type Record struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"uid"`
	FirstName string    `gorm:"column:first_name;size:190" json:"firstName,omitempty"`
	LastName  string    `gorm:"column:last_name;size:190" json:"lastName,omitempty"`
	FullName  string    `gorm:"column:full_name;size:381" json:"fullName,omitempty"`
	Email     string    `gorm:"column:email;size:320" json:"email,omitempty"`
	Phone     string    `gorm:"column:phone;size:64" json:"phone,omitempty"`
	Location  string    `gorm:"column:location;size:320" json:"location,omitempty"`
	Role      Role      `gorm:"column:role;size:16;not null;index" json:"role"`
	AvatarURL string    `gorm:"column:avatar_url;size:512" json:"profilePicUrl,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
}

// TableName exposes the table backing profile documents.
func (Record) TableName() string {
	return "profiles"
}

// DisplayName picks the best available human-readable name, or fallback.
func (r Record) DisplayName(fallback string) string {
	if name := strings.TrimSpace(r.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(r.FirstName); name != "" {
		return name
	}
	return fallback
}

// Snapshot is a point-in-time view of the whole profile collection.
type Snapshot struct {
	Records []Record
	TakenAt time.Time
}

// Size returns the number of documents in the snapshot.
func (s Snapshot) Size() int {
	return len(s.Records)
}

func validateID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProfileID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProfileID, maxIdentifierLength)
	}
	return trimmed, nil
}
