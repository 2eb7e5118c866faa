package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/idgen"
)

var newRunID = idgen.Prefixed("run_", idgen.Default)

const analysisRunColumns = `id, channel_id, started_at, finished_at, window_start_cursor,
	window_end_cursor, messages_in_batch, estimated_tokens, requests_used, success,
	error_kind, error_message, truncated, output_ref, report_text, citations_count, model`

// NewRunID returns a fresh analysis run ID, so artifacts can be named
// before the run row exists.
func NewRunID() string { return newRunID() }

// RecordAnalysis writes one analysis attempt in a single transaction:
//   - the run row;
//   - when run.Success, every message in messageIDs is marked analyzed and
//     the channel's analysis cursor advances to run.WindowEndCursor;
//   - when advanceQuota is non-nil, the quota row is read, passed through
//     advanceQuota and written back.
//
// Reading the quota inside the transaction keeps concurrent recorders from
// losing each other's increments.
func (s *Store) RecordAnalysis(ctx context.Context, run *AnalysisRun, messageIDs []int64,
	advanceQuota func(QuotaState) QuotaState) (QuotaState, error) {
	if run.ID == "" {
		run.ID = newRunID()
	}
	var after QuotaState
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_runs (`+analysisRunColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ChannelID, run.StartedAt, run.FinishedAt, run.WindowStartCursor,
			run.WindowEndCursor, run.MessagesInBatch, run.EstimatedTokens, run.RequestsUsed,
			boolInt(run.Success), run.ErrorKind, run.ErrorMessage, boolInt(run.Truncated),
			run.OutputRef, run.ReportText, run.CitationsCount, run.Model); err != nil {
			return err
		}

		if run.Success && len(messageIDs) > 0 {
			q, args, err := sq.Update("messages").
				Set("analyzed", 1).
				Where(sq.Eq{"channel_id": run.ChannelID, "id": messageIDs}).
				ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return err
			}
			if err := advanceAnalysisCursor(ctx, tx, run.ChannelID, run.WindowEndCursor); err != nil {
				return err
			}
		}

		if advanceQuota == nil {
			return nil
		}
		before, err := loadQuota(ctx, tx)
		if err != nil {
			return err
		}
		after = advanceQuota(before)
		return saveQuota(ctx, tx, after)
	})
	if err != nil {
		return after, fmt.Errorf("store: record analysis: %w", err)
	}
	return after, nil
}

// ListAnalysisRuns returns runs newest first, optionally for one channel.
func (s *Store) ListAnalysisRuns(ctx context.Context, channelID string, limit int) ([]*AnalysisRun, error) {
	if limit <= 0 {
		limit = 50
	}
	b := sq.Select(analysisRunColumns).From("analysis_runs").
		OrderBy("started_at DESC", "id DESC").Limit(uint64(limit))
	if channelID != "" {
		b = b.Where(sq.Eq{"channel_id": channelID})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AnalysisRun
	for rows.Next() {
		r, err := scanAnalysisRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAnalysisRun retrieves a run by ID. Returns nil, nil when absent.
func (s *Store) GetAnalysisRun(ctx context.Context, id string) (*AnalysisRun, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+analysisRunColumns+` FROM analysis_runs WHERE id = ?`, id)
	return scanAnalysisRun(row)
}

func scanAnalysisRun(row scanner) (*AnalysisRun, error) {
	var r AnalysisRun
	var success, truncated int
	err := row.Scan(&r.ID, &r.ChannelID, &r.StartedAt, &r.FinishedAt, &r.WindowStartCursor,
		&r.WindowEndCursor, &r.MessagesInBatch, &r.EstimatedTokens, &r.RequestsUsed, &success,
		&r.ErrorKind, &r.ErrorMessage, &truncated, &r.OutputRef, &r.ReportText,
		&r.CitationsCount, &r.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis run: %w", err)
	}
	r.Success = success == 1
	r.Truncated = truncated == 1
	return &r, nil
}
