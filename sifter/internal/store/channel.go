package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/signalsifter/idgen"
)

const channelColumns = `id, platform, external_id, display_name, active,
	last_ingested_cursor, last_analysis_cursor, created_at, updated_at`

var newChannelID = idgen.Prefixed("ch_", idgen.Default)

// EnsureChannel registers a channel, or returns the existing row when
// (platform, external_id) is already known. A known but inactive channel is
// reactivated.
func (s *Store) EnsureChannel(ctx context.Context, platform, externalID, displayName string) (*Channel, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	externalID = strings.TrimSpace(externalID)
	if platform == "" || externalID == "" {
		return nil, fmt.Errorf("store: channel requires platform and external id")
	}
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channels (id, platform, external_id, display_name, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (platform, external_id) DO UPDATE SET
			active = 1,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE channels.display_name END,
			updated_at = excluded.updated_at`,
		newChannelID(), platform, externalID, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: ensure channel: %w", err)
	}
	return s.GetChannelByExternal(ctx, platform, externalID)
}

// GetChannel retrieves a channel by ID. Returns nil, nil when absent.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByExternal retrieves a channel by its platform identity.
func (s *Store) GetChannelByExternal(ctx context.Context, platform, externalID string) (*Channel, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE platform = ? AND external_id = ?`,
		strings.ToLower(platform), externalID)
	return scanChannel(row)
}

// ResolveChannel accepts either a channel ID or "platform:external_id".
func (s *Store) ResolveChannel(ctx context.Context, ref string) (*Channel, error) {
	ch, err := s.GetChannel(ctx, ref)
	if err != nil || ch != nil {
		return ch, err
	}
	platform, externalID, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, nil
	}
	return s.GetChannelByExternal(ctx, platform, externalID)
}

// ListChannels returns channels ordered by platform then external id.
func (s *Store) ListChannels(ctx context.Context, activeOnly bool) ([]*Channel, error) {
	q := `SELECT ` + channelColumns + ` FROM channels`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY platform, external_id`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeactivateChannel stops a channel from being scheduled. Its rows stay.
func (s *Store) DeactivateChannel(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE channels SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: deactivate %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// advanceIngestCursor moves the ingest cursor forward only.
func advanceIngestCursor(ctx context.Context, tx *sql.Tx, channelID string, cursor int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE channels SET last_ingested_cursor = MAX(last_ingested_cursor, ?), updated_at = ?
		WHERE id = ?`, cursor, time.Now().UnixMilli(), channelID)
	return err
}

// advanceAnalysisCursor moves the analysis cursor forward only.
func advanceAnalysisCursor(ctx context.Context, tx *sql.Tx, channelID string, cursor int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE channels SET last_analysis_cursor = MAX(last_analysis_cursor, ?), updated_at = ?
		WHERE id = ?`, cursor, time.Now().UnixMilli(), channelID)
	return err
}

func scanChannel(row scanner) (*Channel, error) {
	var ch Channel
	var active int
	err := row.Scan(&ch.ID, &ch.Platform, &ch.ExternalID, &ch.DisplayName, &active,
		&ch.LastIngestedCursor, &ch.LastAnalysisCursor, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Active = active == 1
	return &ch, nil
}
