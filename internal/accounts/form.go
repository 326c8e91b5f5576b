package accounts

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
)

const minPasswordLength = 6

var (
	// ErrPasswordMismatch is returned when the confirmation differs from the password.
	ErrPasswordMismatch = errors.New("accounts: passwords do not match")
	// ErrRoleRequired is returned when no role was selected.
	ErrRoleRequired = errors.New("accounts: role required")
	// ErrPasswordTooShort is returned for passwords under six characters.
	ErrPasswordTooShort = errors.New("accounts: password too short")
)

var validationNotices = map[error]string{
	ErrPasswordMismatch:     "Passwords do not match.",
	ErrRoleRequired:         "Please select a role.",
	ErrPasswordTooShort:     "Password must be at least 6 characters long.",
	profiles.ErrInvalidRole: "Please select a role.",
}

// ValidationNotice returns the message shown to the user for a validation error.
func ValidationNotice(err error) string {
	for target, notice := range validationNotices {
		if errors.Is(err, target) {
			return notice
		}
	}
	return "Error: " + err.Error()
}

// SignUpForm holds the fields submitted on the sign-up page.
type SignUpForm struct {
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	Location        string
	Role            string
	Password        string
	ConfirmPassword string
}

// Validate checks the form in the order the page reports problems: password
// confirmation, role selection, then password length.
func (f SignUpForm) Validate() error {
	if f.Password != f.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if strings.TrimSpace(f.Role) == "" {
		return ErrRoleRequired
	}
	if _, err := profiles.ParseRole(f.Role); err != nil {
		return err
	}
	if len([]rune(f.Password)) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

func (f SignUpForm) record(id string) profiles.Record {
	role, _ := profiles.ParseRole(f.Role)
	firstName := strings.TrimSpace(f.FirstName)
	lastName := strings.TrimSpace(f.LastName)
	return profiles.Record{
		ID:        id,
		FirstName: firstName,
		LastName:  lastName,
		FullName:  firstName + " " + lastName,
		Email:     strings.TrimSpace(f.Email),
		Phone:     strings.TrimSpace(f.Phone),
		Location:  strings.TrimSpace(f.Location),
		Role:      role,
	}
}
