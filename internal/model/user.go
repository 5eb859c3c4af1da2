package model

import (
	"errors"
	"time"
)

// User is an account in the local directory. Username and email are each
// unique, compared case-insensitively.
type User struct {
	ID          string    `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Handle returns the "username (email)" form shown in recipient suggestions.
func (u User) Handle() string {
	return u.Username + " (" + u.Email + ")"
}

// Writing styles understood by the assistant.
const (
	StyleProfessional = "professional"
	StyleFriendly     = "friendly"
	StyleFormal       = "formal"
	StyleCasual       = "casual"
)

// WritingStyles lists the supported styles in display order.
var WritingStyles = []string{
	StyleProfessional,
	StyleFriendly,
	StyleFormal,
	StyleCasual,
}

// ErrUnknownStyle is returned for a writing style outside WritingStyles.
var ErrUnknownStyle = errors.New("unknown writing style")

// ValidStyle reports whether s names a supported writing style.
func ValidStyle(s string) bool {
	for _, style := range WritingStyles {
		if s == style {
			return true
		}
	}
	return false
}

// Preferences holds per-user composition settings.
type Preferences struct {
	UserID       string    `json:"user_id" db:"user_id"`
	WritingStyle string    `json:"writing_style" db:"writing_style"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
