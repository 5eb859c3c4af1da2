package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateSchedule(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.ErrorIs(t, ValidateSchedule(nil, now), ErrInvalidSchedule)
	assert.ErrorIs(t, ValidateSchedule(&past, now), ErrInvalidSchedule)
	assert.ErrorIs(t, ValidateSchedule(&now, now), ErrInvalidSchedule)
	assert.NoError(t, ValidateSchedule(&future, now))
}

func TestMessageIsDue(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	at := now

	m := &Message{
		DeliveryMode:   DeliveryScheduled,
		ScheduledAt:    &at,
		ScheduleActive: true,
		Status:         StatusPending,
	}
	assert.True(t, m.IsDue(now))
	assert.False(t, m.IsDue(now.Add(-time.Second)))

	m.ScheduleActive = false
	assert.False(t, m.IsDue(now))

	m.ScheduleActive = true
	m.Status = StatusDispatching
	assert.False(t, m.IsDue(now))
	assert.Equal(t, StatusPending, m.DisplayStatus())
	assert.False(t, m.ScheduleEditable())

	m.Status = StatusSent
	assert.True(t, m.Status.Terminal())
	assert.False(t, m.IsDue(now))

	immediate := &Message{DeliveryMode: DeliveryImmediate, Status: StatusPending}
	assert.False(t, immediate.IsDue(now))
	assert.False(t, immediate.ScheduleEditable())
}

func TestDeliveryModeValid(t *testing.T) {
	assert.True(t, DeliveryImmediate.Valid())
	assert.True(t, DeliveryScheduled.Valid())
	assert.False(t, DeliveryMode("later").Valid())
}
