// Package source defines the platform adapter capability the pipeline pulls
// messages through, and its Telegram and Discord variants.
package source

import (
	"context"
	"time"
)

// Media kinds.
const (
	MediaImage    = "image"
	MediaDocument = "document"
	MediaVideo    = "video"
	MediaOther    = "other"
)

// RawMessage is one message as a platform reports it.
type RawMessage struct {
	ID             int64
	SenderID       string
	SenderUsername string
	SenderName     string
	Text           string
	Timestamp      time.Time
	EditTimestamp  *time.Time
	ReplyToID      int64
	IsForwarded    bool
	ForwardFrom    string
	MediaRef       string
	MediaKind      string
}

// Source is a platform adapter. FetchSince returns messages with id greater
// than cursor, ascending, at most limit of them. Implementations wrap
// network and auth failures with errkind.SourceUnavailable.
type Source interface {
	Platform() string
	FetchSince(ctx context.Context, externalID string, cursor int64, limit int) ([]RawMessage, error)
	DownloadMedia(ctx context.Context, ref string) (string, error)
}
