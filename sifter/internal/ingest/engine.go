// Package ingest pulls new messages from a source and commits them exactly
// once. Each message is its own transaction; the channel cursor moves only
// after the whole batch is committed, so an interrupted run is repaired by
// re-running it: the same window is fetched again and the already stored
// items come back as duplicates.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/metrics"
	"github.com/hazyhaar/signalsifter/sifter/internal/source"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// Options tune a single ingest run.
type Options struct {
	// NoMedia skips media downloads; references are still recorded.
	NoMedia bool
}

// Result reports what one run did.
type Result struct {
	ChannelID        string `json:"channel_id"`
	Fetched          int    `json:"fetched"`
	Stored           int    `json:"stored"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Edited           int    `json:"edited"`
	SchemaViolations int    `json:"schema_violations"`
	MediaFailed      int    `json:"media_failed"`
	CursorBefore     int64  `json:"cursor_before"`
	CursorAdvancedTo int64  `json:"cursor_advanced_to"`
	// Truncated is set when the source could not reach back to the cursor
	// and returned only the oldest part of the backlog.
	Truncated bool `json:"truncated,omitempty"`
}

// Engine runs ingestion against the store.
type Engine struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an Engine. m may be nil.
func New(s *store.Store, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, metrics: m, now: time.Now}
}

// Ingest fetches up to maxItems messages after the channel's cursor and
// stores them. A source failure aborts the run before any write; a store
// failure aborts it mid-batch. In both cases the cursor is left untouched.
//
// Edits of messages at or below the cursor are applied without counting
// against maxItems. A truncated history is stored and logged with status
// "truncated"; the next run continues from the new cursor.
func (e *Engine) Ingest(ctx context.Context, ch *store.Channel, src source.Source, maxItems int, opts Options) (*Result, error) {
	start := e.now()
	log := e.logger.With("channel_id", ch.ID, "platform", ch.Platform, "external_id", ch.ExternalID)
	res := &Result{ChannelID: ch.ID, CursorBefore: ch.LastIngestedCursor, CursorAdvancedTo: ch.LastIngestedCursor}
	entry := &store.ExtractionLogEntry{
		ChannelID:    ch.ID,
		StartedAt:    start.UnixMilli(),
		CursorBefore: ch.LastIngestedCursor,
		CursorAfter:  ch.LastIngestedCursor,
	}

	raws, err := src.FetchSince(ctx, ch.ExternalID, ch.LastIngestedCursor, maxItems)
	var truncated error
	if err != nil && errors.Is(err, errkind.HistoryTruncated) && len(raws) > 0 {
		truncated, err = err, nil
	}
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, errkind.SourceUnavailable) {
			err = fmt.Errorf("%w: %w", errkind.SourceUnavailable, err)
		}
		log.Error("ingest: fetch failed", "error", err)
		e.fail(ctx, entry, res, err)
		e.metrics.Run("ingest", "source_unavailable", start)
		return res, err
	}
	raws = limitFresh(raws, ch.LastIngestedCursor, maxItems)
	res.Fetched = len(raws)

	highest := ch.LastIngestedCursor
	committed := 0
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			log.Warn("ingest: interrupted", "stored", res.Stored, "error", err)
			e.metrics.Run("ingest", "interrupted", start)
			return res, err
		}

		m, err := Normalize(ch.ID, raw)
		if err != nil {
			res.SchemaViolations++
			log.Warn("ingest: item skipped", "source_message_id", raw.ID, "error", err)
			// A malformed item will not improve on refetch; step past it.
			if raw.ID > highest {
				highest = raw.ID
			}
			continue
		}

		if raw.MediaRef != "" && !opts.NoMedia {
			if path, err := e.fetchMedia(ctx, ch.ID, raw, src); err != nil {
				res.MediaFailed++
				log.Warn("ingest: media unavailable", "source_message_id", raw.ID, "media_ref", raw.MediaRef,
					"error", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err))
			} else {
				m.MediaPath = path
			}
		}

		outcome, err := e.store.InsertMessage(ctx, m)
		if err != nil {
			log.Error("ingest: store failed", "source_message_id", raw.ID, "error", err)
			e.fail(ctx, entry, res, err)
			e.metrics.Run("ingest", "store_error", start)
			return res, err
		}
		switch outcome {
		case store.Stored:
			res.Stored++
		case store.Duplicate:
			res.SkippedDuplicate++
		case store.Edited:
			res.Edited++
		}
		committed++
		if raw.ID > highest {
			highest = raw.ID
		}
	}

	advance := committed > 0 && highest > ch.LastIngestedCursor
	if advance {
		res.CursorAdvancedTo = highest
	}
	fillEntry(entry, res)
	entry.FinishedAt = e.now().UnixMilli()
	entry.Status = "ok"
	if truncated != nil {
		res.Truncated = true
		entry.Status = "truncated"
		entry.Error = truncated.Error()
		log.Warn("ingest: history truncated", "cursor", res.CursorAdvancedTo, "error", truncated)
	}
	if err := e.store.CommitIngest(ctx, entry, advance); err != nil {
		res.CursorAdvancedTo = ch.LastIngestedCursor
		log.Error("ingest: commit failed", "error", err)
		e.metrics.Run("ingest", "store_error", start)
		return res, err
	}
	if advance {
		ch.LastIngestedCursor = highest
	}

	e.metrics.Message(ch.Platform, "stored", res.Stored)
	e.metrics.Message(ch.Platform, "duplicate", res.SkippedDuplicate)
	e.metrics.Message(ch.Platform, "edited", res.Edited)
	e.metrics.Message(ch.Platform, "schema_violation", res.SchemaViolations)
	e.metrics.Run("ingest", "ok", start)
	log.Info("ingest: batch committed",
		"fetched", res.Fetched, "stored", res.Stored, "duplicates", res.SkippedDuplicate,
		"edited", res.Edited, "schema_violations", res.SchemaViolations,
		"media_failed", res.MediaFailed, "cursor", res.CursorAdvancedTo)
	return res, nil
}

// limitFresh orders raws by id and keeps at most maxItems above cursor.
// Items at or below cursor are edits and are all kept, ahead of the rest.
func limitFresh(raws []source.RawMessage, cursor int64, maxItems int) []source.RawMessage {
	sort.SliceStable(raws, func(i, j int) bool { return raws[i].ID < raws[j].ID })
	split := sort.Search(len(raws), func(i int) bool { return raws[i].ID > cursor })
	if maxItems > 0 && len(raws)-split > maxItems {
		raws = raws[:split+maxItems]
	}
	return raws
}

// fetchMedia downloads media unless the message is already stored with a
// local copy.
func (e *Engine) fetchMedia(ctx context.Context, channelID string, raw source.RawMessage, src source.Source) (string, error) {
	existing, err := e.store.GetMessageBySourceID(ctx, channelID, raw.ID)
	if err == nil && existing != nil && existing.MediaPath != "" {
		return existing.MediaPath, nil
	}
	return src.DownloadMedia(ctx, raw.MediaRef)
}

// fail logs the aborted run. The cursor is not touched.
func (e *Engine) fail(ctx context.Context, entry *store.ExtractionLogEntry, res *Result, cause error) {
	fillEntry(entry, res)
	entry.FinishedAt = e.now().UnixMilli()
	entry.Status = "failed"
	if kind := errkind.Kind(cause); kind != "" {
		entry.Status = kind
	}
	entry.Error = cause.Error()
	if ctx.Err() != nil {
		return
	}
	if err := e.store.CommitIngest(ctx, entry, false); err != nil {
		e.logger.Warn("ingest: extraction log write failed", "error", err)
	}
}

func fillEntry(entry *store.ExtractionLogEntry, res *Result) {
	entry.Fetched = res.Fetched
	entry.Stored = res.Stored
	entry.SkippedDuplicate = res.SkippedDuplicate
	entry.Edited = res.Edited
	entry.SchemaViolations = res.SchemaViolations
	entry.MediaFailed = res.MediaFailed
	entry.CursorAfter = res.CursorAdvancedTo
}

// Normalize validates a raw item and maps it onto the Message shape.
func Normalize(channelID string, raw source.RawMessage) (*store.Message, error) {
	if raw.ID <= 0 {
		return nil, fmt.Errorf("%w: non-positive message id %d", errkind.SchemaViolation, raw.ID)
	}
	if raw.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: message %d has no timestamp", errkind.SchemaViolation, raw.ID)
	}
	text := strings.ToValidUTF8(raw.Text, "�")
	if strings.TrimSpace(text) == "" && raw.MediaRef == "" {
		return nil, fmt.Errorf("%w: message %d has neither text nor media", errkind.SchemaViolation, raw.ID)
	}

	m := &store.Message{
		ChannelID:         channelID,
		SourceMessageID:   raw.ID,
		SenderID:          strings.TrimSpace(raw.SenderID),
		SenderUsername:    strings.TrimPrefix(strings.TrimSpace(raw.SenderUsername), "@"),
		SenderDisplayName: strings.TrimSpace(raw.SenderName),
		SentAt:            raw.Timestamp.UnixMilli(),
		IsForwarded:       raw.IsForwarded,
		ForwardFrom:       raw.ForwardFrom,
		RawText:           text,
		MediaRef:          raw.MediaRef,
		MediaKind:         raw.MediaKind,
	}
	if raw.EditTimestamp != nil && !raw.EditTimestamp.IsZero() {
		at := raw.EditTimestamp.UnixMilli()
		m.EditedAt = &at
	}
	if raw.ReplyToID > 0 {
		reply := raw.ReplyToID
		m.ReplyToID = &reply
	}
	return m, nil
}
