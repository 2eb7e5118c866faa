// Package errkind holds the pipeline's error taxonomy. Internal packages wrap
// these sentinels; package sifter re-exports them.
package errkind

import "errors"

var (
	// SourceUnavailable: network or auth failure talking to a platform.
	// The run aborts without moving the cursor.
	SourceUnavailable = errors.New("sifter: source unavailable")

	// SchemaViolation: a raw item cannot be normalized. Skipped, never fatal.
	SchemaViolation = errors.New("sifter: schema violation")

	// MediaUnavailable: media download or OCR failed. Text is still kept.
	MediaUnavailable = errors.New("sifter: media unavailable")

	// DailyQuotaExceeded: the summarizer's calendar-day ceiling is reached.
	DailyQuotaExceeded = errors.New("sifter: daily quota exceeded")

	// TransientCallFailure: the summarizer call failed; the chunk is requeued.
	TransientCallFailure = errors.New("sifter: summarizer call failed")

	// LockBusy: another run holds the scope.
	LockBusy = errors.New("sifter: lock busy")

	// ChannelNotFound: no channel matches the given reference.
	ChannelNotFound = errors.New("sifter: channel not found")

	// HistoryTruncated: the source returned only the oldest part of the
	// backlog above the cursor. The items are valid; the next run resumes.
	HistoryTruncated = errors.New("sifter: history truncated")
)

// Kind returns the taxonomy name of err for logs and audit rows, or "" when
// err is nil or outside the taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, SourceUnavailable):
		return "SourceUnavailable"
	case errors.Is(err, SchemaViolation):
		return "SchemaViolation"
	case errors.Is(err, MediaUnavailable):
		return "MediaUnavailable"
	case errors.Is(err, DailyQuotaExceeded):
		return "DailyQuotaExceeded"
	case errors.Is(err, TransientCallFailure):
		return "TransientCallFailure"
	case errors.Is(err, LockBusy):
		return "LockBusy"
	case errors.Is(err, ChannelNotFound):
		return "ChannelNotFound"
	case errors.Is(err, HistoryTruncated):
		return "HistoryTruncated"
	}
	return ""
}
