package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var timeZero time.Time

// SetAlarm persists the single pending alarm, replacing any earlier one.
// The time is stored with millisecond precision.
func (s *Storage) SetAlarm(ctx context.Context, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _alarm (id, scheduled_ms) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET scheduled_ms = excluded.scheduled_ms`, ms)
	if err != nil {
		return fmt.Errorf("storage: set alarm: %w", err)
	}
	s.notifyAlarm(time.UnixMilli(ms), true)
	return nil
}

// GetAlarm returns the pending alarm. ok is false when none is armed.
func (s *Storage) GetAlarm(ctx context.Context) (at time.Time, ok bool, err error) {
	var ms int64
	err = s.db.QueryRowContext(ctx, `SELECT scheduled_ms FROM _alarm WHERE id = 0`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return timeZero, false, nil
	}
	if err != nil {
		return timeZero, false, fmt.Errorf("storage: get alarm: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// DeleteAlarm clears the pending alarm. Deleting when none is armed is a no-op.
func (s *Storage) DeleteAlarm(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM _alarm WHERE id = 0`); err != nil {
		return fmt.Errorf("storage: delete alarm: %w", err)
	}
	s.notifyAlarm(timeZero, false)
	return nil
}
