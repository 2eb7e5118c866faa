package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hazyhaar/signalsifter/dbopen"
)

// InsertOutcome says what InsertMessage did with a message.
type InsertOutcome int

const (
	// Stored: new row.
	Stored InsertOutcome = iota
	// Duplicate: the (channel, source id) pair already existed; no change.
	Duplicate
	// Edited: the pair existed and the upstream edit was recorded.
	Edited
)

func (o InsertOutcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Edited:
		return "edited"
	}
	return "unknown"
}

const messageColumns = `id, channel_id, source_message_id, sender_id, sender_username,
	sender_display_name, sent_at, edited_at, reply_to_id, is_forwarded, forward_from,
	raw_text, media_ref, media_kind, media_path, ocr_text, processed, analyzed, ingested_at`

// InsertMessage stores m in its own transaction. A unique-constraint
// rejection is not an error: the message is a duplicate, and if it carries a
// newer edit with different text the edit is appended to the history.
//
// For an unanalyzed message the new text replaces raw_text (the old text goes
// to history) and the message is queued for enrichment again. An analyzed
// message is frozen: only edited_at moves and the new text goes to history.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (InsertOutcome, error) {
	if m.IngestedAt == 0 {
		m.IngestedAt = time.Now().UnixMilli()
	}
	outcome := Stored
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		outcome = Stored
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (channel_id, source_message_id, sender_id, sender_username,
			sender_display_name, sent_at, edited_at, reply_to_id, is_forwarded, forward_from,
			raw_text, media_ref, media_kind, media_path, ocr_text, processed, analyzed, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?)`,
			m.ChannelID, m.SourceMessageID, m.SenderID, m.SenderUsername,
			m.SenderDisplayName, m.SentAt, m.EditedAt, m.ReplyToID, boolInt(m.IsForwarded), m.ForwardFrom,
			m.RawText, m.MediaRef, m.MediaKind, m.MediaPath, m.IngestedAt)
		if err == nil {
			m.ID, _ = res.LastInsertId()
			return nil
		}
		if !dbopen.IsUniqueViolation(err) {
			return err
		}
		outcome, err = recordEdit(ctx, tx, m)
		return err
	})
	if err != nil {
		return outcome, fmt.Errorf("store: insert message %d: %w", m.SourceMessageID, err)
	}
	return outcome, nil
}

func recordEdit(ctx context.Context, tx *sql.Tx, m *Message) (InsertOutcome, error) {
	var (
		id       int64
		text     string
		editedAt sql.NullInt64
		analyzed int
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, raw_text, edited_at, analyzed FROM messages
		WHERE channel_id = ? AND source_message_id = ?`,
		m.ChannelID, m.SourceMessageID).Scan(&id, &text, &editedAt, &analyzed)
	if err != nil {
		return Duplicate, err
	}
	m.ID = id

	if m.EditedAt == nil || (editedAt.Valid && *m.EditedAt <= editedAt.Int64) {
		return Duplicate, nil
	}
	now := time.Now().UnixMilli()
	if m.RawText == text {
		_, err := tx.ExecContext(ctx, `UPDATE messages SET edited_at = ? WHERE id = ?`, *m.EditedAt, id)
		return Duplicate, err
	}

	if analyzed == 1 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_edits (message_id, text, edited_at, recorded_at) VALUES (?, ?, ?, ?)`,
			id, m.RawText, *m.EditedAt, now); err != nil {
			return Duplicate, err
		}
		_, err := tx.ExecContext(ctx, `UPDATE messages SET edited_at = ? WHERE id = ?`, *m.EditedAt, id)
		return Edited, err
	}

	var prev any
	if editedAt.Valid {
		prev = editedAt.Int64
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_edits (message_id, text, edited_at, recorded_at) VALUES (?, ?, ?, ?)`,
		id, text, prev, now); err != nil {
		return Duplicate, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET raw_text = ?, edited_at = ?, processed = 0 WHERE id = ?`,
		m.RawText, *m.EditedAt, id)
	return Edited, err
}

// GetMessage retrieves a message by row ID. Returns nil, nil when absent.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageBySourceID retrieves a message by its dedup key.
func (s *Store) GetMessageBySourceID(ctx context.Context, channelID string, sourceID int64) (*Message, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND source_message_id = ?`,
		channelID, sourceID)
	return scanMessage(row)
}

// ListUnprocessed returns up to limit messages awaiting enrichment, oldest
// first across all channels.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE processed = 0
		ORDER BY sent_at, id LIMIT ?`, limit)
}

// ListUnanalyzed returns up to limit messages of one channel awaiting
// analysis, in source-timestamp order.
func (s *Store) ListUnanalyzed(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND analyzed = 0
		ORDER BY sent_at, id LIMIT ?`, channelID, limit)
}

// ListMessages returns messages matching f, oldest first.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b := sq.Select(messageColumns).From("messages").OrderBy("sent_at", "id").Limit(uint64(limit))
	if f.ChannelID != "" {
		b = b.Where(sq.Eq{"channel_id": f.ChannelID})
	}
	if f.Processed != nil {
		b = b.Where(sq.Eq{"processed": boolInt(*f.Processed)})
	}
	if f.Analyzed != nil {
		b = b.Where(sq.Eq{"analyzed": boolInt(*f.Analyzed)})
	}
	if f.Since > 0 {
		b = b.Where(sq.GtOrEq{"sent_at": f.Since})
	}
	if f.Until > 0 {
		b = b.Where(sq.Lt{"sent_at": f.Until})
	}
	if f.AfterID > 0 {
		b = b.Where(sq.Or{
			sq.Gt{"sent_at": f.AfterSentAt},
			sq.And{sq.Eq{"sent_at": f.AfterSentAt}, sq.Gt{"id": f.AfterID}},
		})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build message query: %w", err)
	}
	return s.queryMessages(ctx, q, args...)
}

// MessageEdits returns the edit history of a message, oldest first.
func (s *Store) MessageEdits(ctx context.Context, messageID int64) ([]*MessageEdit, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, message_id, text, edited_at, recorded_at FROM message_edits
		WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageEdit
	for rows.Next() {
		var e MessageEdit
		var editedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Text, &editedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan message edit: %w", err)
		}
		if editedAt.Valid {
			e.EditedAt = &editedAt.Int64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ResetProcessed queues a channel's unanalyzed messages for enrichment again.
func (s *Store) ResetProcessed(ctx context.Context, channelID string) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE messages SET processed = 0 WHERE channel_id = ? AND analyzed = 0`, channelID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]*Message, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var editedAt, replyTo sql.NullInt64
	var forwarded, processed, analyzed int
	err := row.Scan(&m.ID, &m.ChannelID, &m.SourceMessageID, &m.SenderID, &m.SenderUsername,
		&m.SenderDisplayName, &m.SentAt, &editedAt, &replyTo, &forwarded, &m.ForwardFrom,
		&m.RawText, &m.MediaRef, &m.MediaKind, &m.MediaPath, &m.OCRText, &processed, &analyzed, &m.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Int64
	}
	if replyTo.Valid {
		m.ReplyToID = &replyTo.Int64
	}
	m.IsForwarded = forwarded == 1
	m.Processed = processed == 1
	m.Analyzed = analyzed == 1
	return &m, nil
}
