package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidQuery marks a search query with nothing left to match.
var ErrInvalidQuery = errors.New("store: invalid search query")

// Search runs a full-text query over message text and OCR text, best match
// first. Every term is matched literally, all terms must match, and a
// trailing * on a term matches it as a prefix.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	match := sanitizeFTS5(query)
	if match == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuery, query)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT m.id, m.channel_id, m.source_message_id, m.sender_username, m.sent_at,
			snippet(messages_fts, -1, '[', ']', '…', 16), rank
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &r.SourceMessageID, &r.SenderUsername,
			&r.SentAt, &r.Snippet, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// sanitizeFTS5 quotes every term so punctuation in URLs, hex strings and
// tickers is read as text instead of FTS5 operators. Terms without a letter
// or digit are dropped.
func sanitizeFTS5(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		prefix := strings.HasSuffix(f, "*")
		f = strings.Trim(f, `*"`)
		if !strings.ContainsFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			continue
		}
		term := `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		if prefix {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}
