package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailscheduler/internal/model"
)

const messageColumns = `
	id, sender_id, recipient_id, recipient_address,
	subject, body, is_ai_generated,
	delivery_mode, scheduled_at, schedule_active,
	status, claim_token, claimed_at, failed_attempts, last_error,
	created_at, sent_at, updated_at`

// CreateMessage inserts a new pending message. Generates a UUID if ID is
// empty.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if !msg.DeliveryMode.Valid() {
		return fmt.Errorf("creating message: unknown delivery mode %q", msg.DeliveryMode)
	}

	var scheduledAt *time.Time
	if msg.ScheduledAt != nil {
		t := msg.ScheduledAt.UTC()
		scheduledAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, sender_id, recipient_id, recipient_address,
			subject, body, is_ai_generated,
			delivery_mode, scheduled_at, schedule_active,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.RecipientAddress,
		msg.Subject, msg.Body, boolToInt(msg.IsAIGenerated),
		string(msg.DeliveryMode), scheduledAt, boolToInt(msg.ScheduleActive),
		string(model.StatusPending), msg.CreatedAt.UTC(), msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessageByID retrieves a single message by ID.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg,
		"SELECT"+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &msg, nil
}

// ListMessages retrieves messages matching the provided filter options.
func (s *SQLiteStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.SenderID != nil {
		conditions = append(conditions, "sender_id = ?")
		args = append(args, *filter.SenderID)
	}
	if filter.RecipientID != nil {
		conditions = append(conditions, "recipient_id = ?")
		args = append(args, *filter.RecipientID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions,
			"status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.DeliveryMode != nil {
		conditions = append(conditions, "delivery_mode = ?")
		args = append(args, string(*filter.DeliveryMode))
	}
	if filter.DueBefore != nil {
		conditions = append(conditions, "scheduled_at <= ?")
		args = append(args, filter.DueBefore.UTC())
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "schedule_active = 1")
	}

	query := "SELECT" + messageColumns + " FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}

	switch filter.SortBy {
	case "scheduled_at", "sent_at":
		query += fmt.Sprintf(" ORDER BY %s %s, created_at %s", filter.SortBy, direction, direction)
	case "outbox":
		// Unsent scheduled mail first, then newest first.
		query += ` ORDER BY
			CASE WHEN delivery_mode = 'scheduled' AND status IN ('pending', 'dispatching')
				THEN 0 ELSE 1 END,
			created_at DESC`
	default:
		query += fmt.Sprintf(" ORDER BY created_at %s", direction)
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var msgs []model.Message
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return msgs, nil
}

// ListDue returns up to limit scheduled, active, pending messages whose
// scheduled time is at or before now, oldest first.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Message, error) {
	mode := model.DeliveryScheduled
	return s.ListMessages(ctx, MessageFilter{
		Statuses:     []model.MessageStatus{model.StatusPending},
		DeliveryMode: &mode,
		DueBefore:    &now,
		ActiveOnly:   true,
		SortBy:       "scheduled_at",
		Limit:        limit,
	})
}

// CompleteImmediate records the outcome of the synchronous send of an
// immediate message.
func (s *SQLiteStore) CompleteImmediate(
	ctx context.Context,
	id string,
	delivered bool,
	reason string,
	now time.Time,
) error {
	var (
		result sql.Result
		err    error
	)
	if delivered {
		result, err = s.db.ExecContext(ctx, `
			UPDATE messages SET status = 'sent', sent_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending' AND delivery_mode = 'immediate'`,
			now.UTC(), now.UTC(), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE messages SET status = 'failed', last_error = ?,
				failed_attempts = failed_attempts + 1, updated_at = ?
			WHERE id = ? AND status = 'pending' AND delivery_mode = 'immediate'`,
			reason, now.UTC(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("completing message %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("completing message %s: %w", id, ErrStateConflict)
	}
	return nil
}

// ClaimMessage is a single compare-and-set on the message status: it
// succeeds only while the message is still pending, active and due.
func (s *SQLiteStore) ClaimMessage(ctx context.Context, id, token string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'dispatching', claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?
			AND status = 'pending'
			AND delivery_mode = 'scheduled'
			AND schedule_active = 1
			AND scheduled_at <= ?`,
		token, now.UTC(), now.UTC(), id, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("claiming message %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("claiming message %s: %w", id, ErrClaimConflict)
	}
	return nil
}

// MarkSent resolves the claim held under token as delivered.
func (s *SQLiteStore) MarkSent(ctx context.Context, id, token string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'sent', sent_at = ?, claim_token = NULL, updated_at = ?
		WHERE id = ? AND status = 'dispatching' AND claim_token = ?`,
		now.UTC(), now.UTC(), id, token,
	)
	if err != nil {
		return fmt.Errorf("marking message %s sent: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("marking message %s sent: %w", id, ErrClaimLost)
	}
	return nil
}

// ReleaseClaim resolves the claim held under token as a failed attempt.
func (s *SQLiteStore) ReleaseClaim(
	ctx context.Context,
	id, token, reason string,
	maxAttempts int,
	now time.Time,
) (model.MessageStatus, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `
		UPDATE messages SET
			failed_attempts = failed_attempts + 1,
			status = CASE WHEN failed_attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'dispatching' AND claim_token = ?
		RETURNING status`,
		maxAttempts, reason, now.UTC(), id, token,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("releasing message %s: %w", id, ErrClaimLost)
	}
	if err != nil {
		return "", fmt.Errorf("releasing message %s: %w", id, err)
	}
	return model.MessageStatus(status), nil
}

// ClaimExpiredReason is recorded as last_error when a claim times out.
const ClaimExpiredReason = "claim expired before delivery was confirmed"

// ReleaseStaleClaims resolves claims taken before olderThan as failed
// attempts. Each goes back to pending, or to failed once maxAttempts
// attempts have failed. It returns how many claims were released and how
// many of those reached the ceiling.
func (s *SQLiteStore) ReleaseStaleClaims(
	ctx context.Context,
	olderThan time.Time,
	maxAttempts int,
	now time.Time,
) (released, failed int64, err error) {
	var statuses []string
	err = s.db.SelectContext(ctx, &statuses, `
		UPDATE messages SET
			failed_attempts = failed_attempts + 1,
			status = CASE WHEN failed_attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'dispatching' AND claimed_at < ?
		RETURNING status`,
		maxAttempts, ClaimExpiredReason, now.UTC(), olderThan.UTC(),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("releasing stale claims: %w", err)
	}

	for _, status := range statuses {
		if status == string(model.StatusFailed) {
			failed++
		}
	}
	return int64(len(statuses)), failed, nil
}

// UpdateSchedule changes the schedule of a pending scheduled message owned
// by ownerID. Validation of at against the clock is the caller's job.
func (s *SQLiteStore) UpdateSchedule(
	ctx context.Context,
	id, ownerID string,
	at time.Time,
	active bool,
	now time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET scheduled_at = ?, schedule_active = ?, updated_at = ?
		WHERE id = ? AND sender_id = ?
			AND delivery_mode = 'scheduled'
			AND status = 'pending'
			AND sent_at IS NULL`,
		at.UTC(), boolToInt(active), now.UTC(), id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule of message %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	// Tell a missing (or foreign) message apart from one that moved on.
	var count int
	err = s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE id = ? AND sender_id = ?", id, ownerID)
	if err != nil {
		return fmt.Errorf("checking message %s: %w", id, err)
	}
	if count == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("message %s: %w", id, ErrNotEditable)
}

// DeleteMessage removes a message owned by ownerID.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE id = ? AND sender_id = ?", id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMessages removes every listed message owned by ownerID and
// returns how many were removed.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []string, ownerID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE id IN (?) AND sender_id = ?", ids, ownerID)
	if err != nil {
		return 0, fmt.Errorf("building bulk delete: %w", err)
	}
	query = s.db.Rebind(query)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	return result.RowsAffected()
}
