package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LoadQuota reads the persisted summarizer usage counters.
func (s *Store) LoadQuota(ctx context.Context) (QuotaState, error) {
	return loadQuota(ctx, s.DB)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadQuota(ctx context.Context, q queryRower) (QuotaState, error) {
	var qs QuotaState
	err := q.QueryRowContext(ctx,
		`SELECT requests_this_minute, minute_window_start, requests_today, day_start, updated_at
		FROM quota_state WHERE id = 1`).
		Scan(&qs.RequestsThisMinute, &qs.MinuteWindowStart, &qs.RequestsToday, &qs.DayStart, &qs.UpdatedAt)
	if err != nil {
		return qs, fmt.Errorf("store: load quota: %w", err)
	}
	return qs, nil
}

func saveQuota(ctx context.Context, tx *sql.Tx, qs QuotaState) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE quota_state SET requests_this_minute = ?, minute_window_start = ?,
		requests_today = ?, day_start = ?, updated_at = ? WHERE id = 1`,
		qs.RequestsThisMinute, qs.MinuteWindowStart, qs.RequestsToday, qs.DayStart, qs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save quota: %w", err)
	}
	return nil
}
