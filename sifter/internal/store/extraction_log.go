package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/idgen"
)

var newExtractionLogID = idgen.Prefixed("xlog_", idgen.Default)

const extractionLogColumns = `id, channel_id, started_at, finished_at, fetched, stored,
	skipped_duplicate, edited, schema_violations, media_failed, cursor_before, cursor_after,
	status, error`

// CommitIngest closes an ingest run: when advance is set the channel's
// cursor moves (forward only) to entry.CursorAfter, and the run is logged,
// both in one transaction.
func (s *Store) CommitIngest(ctx context.Context, entry *ExtractionLogEntry, advance bool) error {
	if entry.ID == "" {
		entry.ID = newExtractionLogID()
	}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if advance {
			if err := advanceIngestCursor(ctx, tx, entry.ChannelID, entry.CursorAfter); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extraction_log (`+extractionLogColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.ChannelID, entry.StartedAt, entry.FinishedAt, entry.Fetched,
			entry.Stored, entry.SkippedDuplicate, entry.Edited, entry.SchemaViolations,
			entry.MediaFailed, entry.CursorBefore, entry.CursorAfter, entry.Status, entry.Error)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: commit ingest: %w", err)
	}
	return nil
}

// ExtractionHistory returns ingest runs for a channel, newest first.
func (s *Store) ExtractionHistory(ctx context.Context, channelID string, limit int) ([]*ExtractionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+extractionLogColumns+` FROM extraction_log WHERE channel_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExtractionLogEntry
	for rows.Next() {
		e, err := scanExtractionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExtractionLog(row scanner) (*ExtractionLogEntry, error) {
	var e ExtractionLogEntry
	err := row.Scan(&e.ID, &e.ChannelID, &e.StartedAt, &e.FinishedAt, &e.Fetched, &e.Stored,
		&e.SkippedDuplicate, &e.Edited, &e.SchemaViolations, &e.MediaFailed,
		&e.CursorBefore, &e.CursorAfter, &e.Status, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan extraction log: %w", err)
	}
	return &e, nil
}
