// Package enrich turns stored messages into entities. It runs the ordered
// matcher set over each unprocessed message, OCRs image media when an OCR
// engine is configured, and commits entities, OCR text and the processed
// flag together.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/metrics"
	"github.com/hazyhaar/signalsifter/sifter/internal/source"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// OCR reads text out of an image file.
type OCR interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Result reports what one Enrich call did.
type Result struct {
	Scanned         int `json:"scanned"`
	Processed       int `json:"processed"`
	EntitiesWritten int `json:"entities_written"`
	OCRApplied      int `json:"ocr_applied"`
	OCRFailed       int `json:"ocr_failed"`
	Failures        int `json:"failures"`
}

// Stage is the enrichment worker.
type Stage struct {
	store    *store.Store
	ocr      OCR
	isImage  func(path string) bool
	matchers []Matcher
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Stage.
type Option func(*Stage)

// WithOCR enables OCR on image media. isImage decides which media paths
// qualify beyond those already tagged as images.
func WithOCR(o OCR, isImage func(path string) bool) Option {
	return func(s *Stage) {
		s.ocr = o
		s.isImage = isImage
	}
}

// WithMatchers replaces the default matcher set.
func WithMatchers(m []Matcher) Option {
	return func(s *Stage) { s.matchers = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// New creates a Stage over st.
func New(st *store.Store, opts ...Option) *Stage {
	s := &Stage{store: st, matchers: DefaultMatchers(), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enrich processes up to batchSize unprocessed messages, oldest first.
// A message that fails to commit stays unprocessed and is counted in
// Failures; SQLITE_BUSY is treated that way too. Any other store error
// aborts the run.
func (s *Stage) Enrich(ctx context.Context, batchSize int) (*Result, error) {
	start := time.Now()
	if batchSize <= 0 {
		batchSize = 100
	}
	res := &Result{}
	msgs, err := s.store.ListUnprocessed(ctx, batchSize)
	if err != nil {
		s.metrics.Run("enrich", "store_error", start)
		return res, fmt.Errorf("enrich: list unprocessed: %w", err)
	}
	res.Scanned = len(msgs)

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			s.metrics.Run("enrich", "interrupted", start)
			return res, err
		}
		n, err := s.processOne(ctx, m, res)
		if err != nil {
			if dbopen.IsBusy(err) {
				res.Failures++
				s.logger.Warn("enrich: message left for retry", "message_id", m.ID, "error", err)
				continue
			}
			s.metrics.Run("enrich", "store_error", start)
			return res, err
		}
		res.Processed++
		res.EntitiesWritten += n
	}

	s.metrics.Run("enrich", "ok", start)
	if res.Scanned > 0 {
		s.logger.Info("enrich: batch done",
			"scanned", res.Scanned, "processed", res.Processed, "entities", res.EntitiesWritten,
			"ocr_applied", res.OCRApplied, "ocr_failed", res.OCRFailed, "failures", res.Failures)
	}
	return res, nil
}

// Drain calls Enrich until nothing is left or a batch makes no progress.
func (s *Stage) Drain(ctx context.Context, batchSize int) (*Result, error) {
	total := &Result{}
	for {
		r, err := s.Enrich(ctx, batchSize)
		total.Scanned += r.Scanned
		total.Processed += r.Processed
		total.EntitiesWritten += r.EntitiesWritten
		total.OCRApplied += r.OCRApplied
		total.OCRFailed += r.OCRFailed
		total.Failures += r.Failures
		if err != nil {
			return total, err
		}
		if r.Scanned == 0 || r.Processed == 0 {
			return total, nil
		}
	}
}

// Reprocess queues a channel's unanalyzed messages for extraction again.
func (s *Stage) Reprocess(ctx context.Context, channelID string) (int64, error) {
	n, err := s.store.ResetProcessed(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("enrich: reprocess %s: %w", channelID, err)
	}
	s.logger.Info("enrich: channel requeued", "channel_id", channelID, "messages", n)
	return n, nil
}

func (s *Stage) processOne(ctx context.Context, m *store.Message, res *Result) (int, error) {
	ocrText := m.OCRText
	if ocrText == "" && s.wantsOCR(m) {
		text, err := s.ocr.ExtractText(ctx, m.MediaPath)
		switch {
		case err != nil:
			res.OCRFailed++
			s.metrics.OCR("failed")
			s.logger.Warn("enrich: ocr failed", "message_id", m.ID, "media_path", m.MediaPath,
				"error", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err))
		default:
			ocrText = text
			res.OCRApplied++
			s.metrics.OCR("ok")
		}
	}

	text := m.RawText
	if ocrText != "" {
		text += "\n" + ocrText
	}
	entities := Extract(text, s.matchers)
	n, err := s.store.CompleteEnrichment(ctx, m.ID, ocrText, entities)
	if err != nil {
		return 0, err
	}
	for _, e := range entities {
		s.metrics.Entity(e.Kind)
	}
	return n, nil
}

func (s *Stage) wantsOCR(m *store.Message) bool {
	if s.ocr == nil || m.MediaPath == "" {
		return false
	}
	if m.MediaKind == source.MediaImage {
		return true
	}
	return s.isImage != nil && s.isImage(m.MediaPath)
}
