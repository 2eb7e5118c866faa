package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/signalsifter/dbopen"
)

// CompleteEnrichment atomically replaces a message's entities, stores its
// OCR text and marks it processed. Entities repeating a (kind, raw_value)
// pair are written once. Returns the number of entity rows written.
func (s *Store) CompleteEnrichment(ctx context.Context, messageID int64, ocrText string, entities []Entity) (int, error) {
	written := 0
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		written = 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE message_id = ?`, messageID); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		for _, e := range entities {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO entities (message_id, kind, raw_value, normalized_value, confidence, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				messageID, e.Kind, e.RawValue, e.NormalizedValue, e.Confidence, now)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				written++
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET ocr_text = ?, processed = 1 WHERE id = ?`, ocrText, messageID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("message %d not found", messageID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: complete enrichment %d: %w", messageID, err)
	}
	return written, nil
}

// ListEntities returns the entities of a message in extraction order.
func (s *Store) ListEntities(ctx context.Context, messageID int64) ([]*Entity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, message_id, kind, raw_value, normalized_value, confidence, created_at
		FROM entities WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Kind, &e.RawValue,
			&e.NormalizedValue, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// EntityKindCounts returns entity counts per kind, optionally for one channel.
func (s *Store) EntityKindCounts(ctx context.Context, channelID string) (map[string]int, error) {
	q := `SELECT e.kind, COUNT(*) FROM entities e`
	var args []any
	if channelID != "" {
		q += ` JOIN messages m ON m.id = e.message_id WHERE m.channel_id = ?`
		args = append(args, channelID)
	}
	q += ` GROUP BY e.kind`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// EntitiesByMessage returns the entities of several messages keyed by
// message id, each list in extraction order.
func (s *Store) EntitiesByMessage(ctx context.Context, messageIDs []int64) (map[int64][]*Entity, error) {
	out := make(map[int64][]*Entity, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	q, args, err := sq.Select("id", "message_id", "kind", "raw_value", "normalized_value", "confidence", "created_at").
		From("entities").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("message_id", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build entity query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: entities by message: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Kind, &e.RawValue,
			&e.NormalizedValue, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out[e.MessageID] = append(out[e.MessageID], &e)
	}
	return out, rows.Err()
}

// TopEntities returns a channel's most frequent normalized entity values in
// the window, most frequent first.
func (s *Store) TopEntities(ctx context.Context, channelID string, since, until int64, limit int) ([]EntityCount, error) {
	if limit <= 0 {
		limit = 50
	}
	b := sq.Select("e.kind", "e.normalized_value", "COUNT(*) AS n").
		From("entities e").
		Join("messages m ON m.id = e.message_id").
		Where(sq.Eq{"m.channel_id": channelID})
	if since > 0 {
		b = b.Where(sq.GtOrEq{"m.sent_at": since})
	}
	if until > 0 {
		b = b.Where(sq.Lt{"m.sent_at": until})
	}
	q, args, err := b.GroupBy("e.kind", "e.normalized_value").
		OrderBy("n DESC", "e.kind", "e.normalized_value").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build top entities: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: top entities: %w", err)
	}
	defer rows.Close()

	var out []EntityCount
	for rows.Next() {
		var c EntityCount
		if err := rows.Scan(&c.Kind, &c.Value, &c.Count); err != nil {
			return nil, fmt.Errorf("store: scan entity count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
