package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/signalsifter/dbopen"
)

const telegramOffsetKey = "telegram.update_offset"

// TelegramUpdate is one buffered getUpdates entry carrying a message.
// Payload is the Bot API message object as JSON.
type TelegramUpdate struct {
	UpdateID     int64
	ChatID       int64
	ChatUsername string
	MessageID    int64
	Edited       bool
	Payload      string
	ReceivedAt   int64
}

// TelegramOffset returns the next getUpdates offset to request. Zero means
// nothing has been confirmed yet.
func (s *Store) TelegramOffset(ctx context.Context) (int64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM source_state WHERE key = ?`, telegramOffsetKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: telegram offset: %w", err)
	}
	return v, nil
}

// AppendTelegramUpdates buffers a page of updates and records next as the
// offset in one transaction. The offset never moves backwards and updates
// already buffered are ignored.
func (s *Store) AppendTelegramUpdates(ctx context.Context, updates []TelegramUpdate, next int64) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, u := range updates {
			received := u.ReceivedAt
			if received == 0 {
				received = now
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO telegram_updates
				(update_id, chat_id, chat_username, message_id, edited, payload, received_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				u.UpdateID, u.ChatID, u.ChatUsername, u.MessageID, boolInt(u.Edited), u.Payload, received); err != nil {
				return fmt.Errorf("store: buffer telegram update %d: %w", u.UpdateID, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value), updated_at = excluded.updated_at`,
			telegramOffsetKey, next, now)
		if err != nil {
			return fmt.Errorf("store: save telegram offset: %w", err)
		}
		return nil
	})
}

// TelegramUpdates returns the buffered updates of one chat, matched by
// numeric id or by username (case-insensitive), in arrival order. Only
// messages above cursor are returned, plus every edit whatever its id.
func (s *Store) TelegramUpdates(ctx context.Context, chatID int64, username string, cursor int64) ([]TelegramUpdate, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT update_id, chat_id, chat_username, message_id, edited, payload, received_at
		FROM telegram_updates
		WHERE (chat_id = ? OR (? != '' AND chat_username = ? COLLATE NOCASE))
		  AND (message_id > ? OR edited = 1)
		ORDER BY update_id`,
		chatID, username, username, cursor)
	if err != nil {
		return nil, fmt.Errorf("store: telegram updates: %w", err)
	}
	defer rows.Close()

	var out []TelegramUpdate
	for rows.Next() {
		var u TelegramUpdate
		var edited int
		if err := rows.Scan(&u.UpdateID, &u.ChatID, &u.ChatUsername, &u.MessageID, &edited, &u.Payload, &u.ReceivedAt); err != nil {
			return nil, fmt.Errorf("store: scan telegram update: %w", err)
		}
		u.Edited = edited != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// PruneTelegramUpdates deletes buffered updates received before the given
// ms-epoch instant.
func (s *Store) PruneTelegramUpdates(ctx context.Context, before int64) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM telegram_updates WHERE received_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune telegram updates: %w", err)
	}
	return res.RowsAffected()
}
