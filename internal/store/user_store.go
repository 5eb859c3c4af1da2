package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailscheduler/internal/model"
)

// CreateUser inserts a directory entry. Generates a UUID if ID is empty.
// Username and email must be unique ignoring case.
func (s *SQLiteStore) CreateUser(ctx context.Context, user model.User) (*model.User, error) {
	user.Username = strings.TrimSpace(user.Username)
	user.Email = strings.TrimSpace(user.Email)
	if user.Username == "" || user.Email == "" {
		return nil, fmt.Errorf("user username and email must not be empty")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.DisplayName, user.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", user.Username, err)
	}
	return &user, nil
}

// GetUserByID retrieves a single user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := s.db.GetContext(ctx, &user,
		"SELECT id, username, email, display_name, created_at FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &user, nil
}

// FindUsersByHandle returns every user other than excludeID whose username
// or email equals handle, ignoring case.
func (s *SQLiteStore) FindUsersByHandle(
	ctx context.Context,
	handle, excludeID string,
) ([]model.User, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, nil
	}

	var users []model.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT id, username, email, display_name, created_at FROM users
		WHERE (LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)) AND id != ?
		ORDER BY username`,
		handle, handle, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding users by handle %q: %w", handle, err)
	}
	return users, nil
}

// ListUsers returns all users other than excludeID, ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context, excludeID string) ([]model.User, error) {
	var users []model.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT id, username, email, display_name, created_at FROM users
		WHERE id != ? ORDER BY username`,
		excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// GetPreferences returns the stored preferences for userID, or the
// defaults when none have been saved.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID string) (*model.Preferences, error) {
	var prefs model.Preferences
	err := s.db.GetContext(ctx, &prefs,
		"SELECT user_id, writing_style, updated_at FROM preferences WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Preferences{UserID: userID, WritingStyle: model.StyleProfessional}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting preferences for %s: %w", userID, err)
	}
	return &prefs, nil
}

// SetPreferences inserts or replaces the preferences of prefs.UserID.
func (s *SQLiteStore) SetPreferences(ctx context.Context, prefs model.Preferences) error {
	if !model.ValidStyle(prefs.WritingStyle) {
		return fmt.Errorf("%w: %q", model.ErrUnknownStyle, prefs.WritingStyle)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO preferences (user_id, writing_style, updated_at)
		VALUES (?, ?, ?)`,
		prefs.UserID, prefs.WritingStyle, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving preferences for %s: %w", prefs.UserID, err)
	}
	return nil
}
