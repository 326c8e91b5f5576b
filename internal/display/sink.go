package display

import (
	"strings"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"go.uber.org/zap"
)

// DefaultAvatar is shown when a profile carries no avatar URL.
const DefaultAvatar = "./images/africa_numbers_cover.jpg"

// Slot ids rendered by the sink. Every slot is optional on a given page.
const (
	SlotUserName       = "user-name"
	SlotAdminName      = "admin-name"
	SlotUserRole       = "user-role"
	SlotAdminRole      = "admin-role"
	SlotAvatar         = "user-avatar"
	SlotWelcomeMessage = "welcome-message"
	SlotEmail          = "user-email"
	SlotLocation       = "user-location"
	SlotPhone          = "user-phone"
)

const revealStyle = "opacity: 1"

// Surface is the part of a page document the sink writes to.
type Surface interface {
	SetText(id, text string) bool
	SetAttr(id, key, value string) bool
}

// Config describes a sink for one page.
type Config struct {
	Surface       Surface
	DefaultAvatar string
	// FallbackName is shown when the profile has no usable name ("User", "Admin").
	FallbackName string
	// FallbackRole is the role label shown when the profile has no role.
	FallbackRole profiles.Role
	Logger       *zap.Logger
}

// Sink renders profile records into whichever slots the page has.
type Sink struct {
	surface       Surface
	defaultAvatar string
	fallbackName  string
	fallbackRole  profiles.Role
	logger        *zap.Logger
}

// NewSink constructs a sink. A nil surface renders nothing.
func NewSink(cfg Config) *Sink {
	avatar := strings.TrimSpace(cfg.DefaultAvatar)
	if avatar == "" {
		avatar = DefaultAvatar
	}
	fallbackName := strings.TrimSpace(cfg.FallbackName)
	if fallbackName == "" {
		fallbackName = "User"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		surface:       cfg.Surface,
		defaultAvatar: avatar,
		fallbackName:  fallbackName,
		fallbackRole:  cfg.FallbackRole,
		logger:        logger,
	}
}

// Render overwrites every existing slot with values from record.
func (s *Sink) Render(record profiles.Record) {
	if s.surface == nil {
		return
	}
	name := record.DisplayName(s.fallbackName)
	role := record.Role
	if strings.TrimSpace(string(role)) == "" {
		role = s.fallbackRole
	}
	roleLabel := role.Display()

	rendered := 0
	for _, slot := range []struct {
		id    string
		value string
	}{
		{SlotUserName, name},
		{SlotAdminName, name},
		{SlotUserRole, roleLabel},
		{SlotAdminRole, roleLabel},
		{SlotWelcomeMessage, "Welcome back, " + name + "!"},
		{SlotEmail, record.Email},
		{SlotLocation, record.Location},
		{SlotPhone, record.Phone},
	} {
		if s.surface.SetText(slot.id, slot.value) {
			s.surface.SetAttr(slot.id, "style", revealStyle)
			rendered++
		}
	}

	avatar := strings.TrimSpace(record.AvatarURL)
	if avatar == "" {
		avatar = s.defaultAvatar
	}
	if s.surface.SetAttr(SlotAvatar, "src", avatar) {
		s.surface.SetAttr(SlotAvatar, "style", revealStyle)
		rendered++
	}

	s.logger.Debug("profile rendered", zap.String("profile_id", record.ID), zap.Int("slots", rendered))
}
