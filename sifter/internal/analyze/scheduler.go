// Package analyze feeds a channel's unanalyzed messages to the summarizer
// in token-bounded chunks without exceeding the per-minute and per-day
// request limits. Each chunk moves through
//
//	IDLE -> SELECTING -> THROTTLING -> CALLING -> RECORDING -> (IDLE | ABORTED)
//
// and the scheduler returns to SELECTING after RECORDING until the channel
// is drained or MaxChunks is reached.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/artifact"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/metrics"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
	"github.com/hazyhaar/signalsifter/sifter/internal/summarize"
)

// State is a scheduler state.
type State string

const (
	Idle       State = "IDLE"
	Selecting  State = "SELECTING"
	Throttling State = "THROTTLING"
	Calling    State = "CALLING"
	Recording  State = "RECORDING"
	Aborted    State = "ABORTED"
)

// Summarizer produces a report for one chunk.
type Summarizer interface {
	Analyze(ctx context.Context, chunkText, instructions string) (*summarize.Report, error)
}

// Artifacts persists a report and returns its location.
type Artifacts interface {
	Write(meta artifact.Metadata, report string) (string, error)
}

// Config holds the scheduler limits.
type Config struct {
	PerMinuteLimit int    `yaml:"per_minute_limit"`
	DailyLimit     int    `yaml:"daily_limit"`
	TokenBudget    int    `yaml:"token_budget"`
	MaxMessages    int    `yaml:"max_messages"`
	MaxCallTokens  int    `yaml:"max_call_tokens"`
	MaxChunks      int    `yaml:"max_chunks"`
	Timezone       string `yaml:"timezone"`
	Instructions   string `yaml:"instructions"`
	Model          string `yaml:"-"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.PerMinuteLimit <= 0 {
		c.PerMinuteLimit = 2
	}
	if c.DailyLimit <= 0 {
		c.DailyLimit = 50
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 1_800_000
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 5000
	}
	if c.MaxCallTokens <= 0 {
		c.MaxCallTokens = 2_000_000
	}
	if c.MaxCallTokens < c.TokenBudget {
		c.MaxCallTokens = c.TokenBudget
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// RunResult reports one Run.
type RunResult struct {
	ChannelID        string   `json:"channel_id"`
	State            State    `json:"state"`
	Chunks           int      `json:"chunks"`
	MessagesAnalyzed int      `json:"messages_analyzed"`
	RequestsUsed     int      `json:"requests_used"`
	Reports          []string `json:"reports"`
	Truncated        bool     `json:"truncated"`
}

// Scheduler runs analysis for one channel at a time.
type Scheduler struct {
	store      *store.Store
	summarizer Summarizer
	artifacts  Artifacts
	cfg        Config
	limits     Limits
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithArtifacts sets the report writer. Without one, reports are kept only
// in the analysis_runs table.
func WithArtifacts(a Artifacts) Option { return func(s *Scheduler) { s.artifacts = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock overrides the time source and the throttle sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = sleep
	}
}

// New creates a Scheduler.
func New(st *store.Store, sum Summarizer, cfg Config, opts ...Option) (*Scheduler, error) {
	cfg.Defaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("analyze: timezone %q: %w", cfg.Timezone, err)
	}
	s := &Scheduler{
		store:      st,
		summarizer: sum,
		cfg:        cfg,
		limits:     Limits{PerMinute: cfg.PerMinuteLimit, Daily: cfg.DailyLimit, Location: loc},
		logger:     slog.Default(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Limits returns the effective rate limits.
func (s *Scheduler) Limits() Limits { return s.limits }

// Run analyzes the channel until it is drained, MaxChunks chunks are done,
// or a terminal error occurs. On DailyQuotaExceeded and
// TransientCallFailure the result state is ABORTED and no message of the
// failing chunk is marked analyzed.
func (s *Scheduler) Run(ctx context.Context, channelID string) (*RunResult, error) {
	start := s.now()
	res := &RunResult{ChannelID: channelID, State: Idle}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return res, err
	}
	if ch == nil {
		return res, fmt.Errorf("%w: %s", errkind.ChannelNotFound, channelID)
	}
	log := s.logger.With("channel_id", ch.ID, "platform", ch.Platform)

	for {
		res.State = Selecting
		msgs, err := s.store.ListUnanalyzed(ctx, ch.ID, s.cfg.MaxMessages)
		if err != nil {
			return s.abort(res, start, "store_error", err)
		}
		chunk := NextChunk(msgs, ChunkLimits{
			TokenBudget:   s.cfg.TokenBudget,
			MaxMessages:   s.cfg.MaxMessages,
			MaxCallTokens: s.cfg.MaxCallTokens,
		})
		if chunk == nil {
			res.State = Idle
			s.metrics.Run("analyze", "ok", start)
			if res.Chunks > 0 {
				log.Info("analyze: channel drained", "chunks", res.Chunks, "messages", res.MessagesAnalyzed)
			}
			return res, nil
		}

		res.State = Throttling
		if err := s.throttle(ctx, log, ch, chunk); err != nil {
			status := "store_error"
			switch {
			case errors.Is(err, errkind.DailyQuotaExceeded):
				status = "quota_exceeded"
			case ctx.Err() != nil:
				status = "interrupted"
			}
			return s.abort(res, start, status, err)
		}

		res.State = Calling
		runID := store.NewRunID()
		callStart := s.now()
		report, callErr := s.summarizer.Analyze(ctx, chunk.Text, s.cfg.Instructions)
		if callErr != nil {
			if ctx.Err() != nil {
				return s.abort(res, start, "interrupted", ctx.Err())
			}
			callErr = fmt.Errorf("%w: %w", errkind.TransientCallFailure, callErr)
			res.RequestsUsed++
			s.metrics.Call("failure")
			s.recordFailure(ctx, log, runID, ch, chunk, callStart, 1, callErr)
			return s.abort(res, start, "transient_call_failure", callErr)
		}
		s.metrics.Call("success")

		res.State = Recording
		path, err := s.record(ctx, log, runID, ch, chunk, callStart, report)
		if err != nil {
			return s.abort(res, start, "store_error", err)
		}
		res.Chunks++
		res.RequestsUsed++
		res.MessagesAnalyzed += len(chunk.Messages)
		res.Truncated = res.Truncated || chunk.Truncated
		if path != "" {
			res.Reports = append(res.Reports, path)
		}
		log.Info("analyze: chunk recorded", "run_id", runID, "messages", len(chunk.Messages),
			"tokens", chunk.Tokens, "citations", len(report.Citations), "truncated", chunk.Truncated)

		if s.cfg.MaxChunks > 0 && res.Chunks >= s.cfg.MaxChunks {
			res.State = Idle
			s.metrics.Run("analyze", "ok", start)
			return res, nil
		}
	}
}

// throttle blocks until a call may start. A spent day writes a refused run
// row and returns DailyQuotaExceeded.
func (s *Scheduler) throttle(ctx context.Context, log *slog.Logger, ch *store.Channel, chunk *Chunk) error {
	for {
		qs, err := s.store.LoadQuota(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		wait, err := s.limits.Check(qs, now)
		if errors.Is(err, errkind.DailyQuotaExceeded) {
			s.metrics.Call("refused")
			log.Warn("analyze: daily quota exhausted", "requests_today", s.limits.Roll(qs, now).RequestsToday,
				"daily_limit", s.limits.Daily)
			s.recordFailure(ctx, log, store.NewRunID(), ch, chunk, now, 0, err)
			return err
		}
		if wait <= 0 {
			return nil
		}
		log.Info("analyze: per-minute limit reached, waiting", "wait", wait.Round(time.Millisecond))
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// record writes the artifact, then the run row, the analyzed flags, the
// cursor and the quota increment in one transaction. An artifact failure
// is logged; the report text is still stored with the run.
func (s *Scheduler) record(ctx context.Context, log *slog.Logger, runID string, ch *store.Channel,
	chunk *Chunk, callStart time.Time, report *summarize.Report) (string, error) {
	finished := s.now()
	model := report.Model
	if model == "" {
		model = s.cfg.Model
	}

	var path string
	if s.artifacts != nil {
		meta := artifact.Metadata{
			RunID:             runID,
			ChannelID:         ch.ID,
			Channel:           ch.DisplayName,
			Platform:          ch.Platform,
			Model:             model,
			GeneratedAt:       finished.UTC(),
			WindowStart:       chunk.StartTime,
			WindowEnd:         chunk.EndTime,
			WindowStartCursor: chunk.StartCursor,
			WindowEndCursor:   chunk.EndCursor,
			MessagesAnalyzed:  len(chunk.Messages),
			EstimatedTokens:   chunk.Tokens,
			PromptTokens:      report.PromptTokens,
			CompletionTokens:  report.CompletionTokens,
			Truncated:         chunk.Truncated,
			CitationsCount:    len(report.Citations),
		}
		for _, c := range report.Citations {
			meta.Citations = append(meta.Citations, artifact.Citation{Timestamp: c.Timestamp, Username: c.Username})
		}
		p, err := s.artifacts.Write(meta, report.Text)
		if err != nil {
			log.Warn("analyze: artifact write failed", "run_id", runID, "error", err)
		} else {
			path = p
		}
	}

	run := &store.AnalysisRun{
		ID:                runID,
		ChannelID:         ch.ID,
		StartedAt:         callStart.UnixMilli(),
		FinishedAt:        finished.UnixMilli(),
		WindowStartCursor: chunk.StartCursor,
		WindowEndCursor:   chunk.EndCursor,
		MessagesInBatch:   len(chunk.Messages),
		EstimatedTokens:   chunk.Tokens,
		RequestsUsed:      1,
		Success:           true,
		Truncated:         chunk.Truncated,
		OutputRef:         path,
		ReportText:        report.Text,
		CitationsCount:    len(report.Citations),
		Model:             model,
	}
	qs, err := s.store.RecordAnalysis(ctx, run, chunk.IDs(), func(q store.QuotaState) store.QuotaState {
		return s.limits.Consume(q, callStart)
	})
	if err != nil {
		return "", err
	}
	s.metrics.QuotaToday(qs.RequestsToday)
	return path, nil
}

// recordFailure writes a failed run row. requests is 1 when the call was
// made and must count against quota, 0 when it was refused before calling.
func (s *Scheduler) recordFailure(ctx context.Context, log *slog.Logger, runID string, ch *store.Channel,
	chunk *Chunk, started time.Time, requests int, cause error) {
	run := &store.AnalysisRun{
		ID:                runID,
		ChannelID:         ch.ID,
		StartedAt:         started.UnixMilli(),
		FinishedAt:        s.now().UnixMilli(),
		WindowStartCursor: chunk.StartCursor,
		WindowEndCursor:   chunk.EndCursor,
		MessagesInBatch:   len(chunk.Messages),
		EstimatedTokens:   chunk.Tokens,
		RequestsUsed:      requests,
		ErrorKind:         errkind.Kind(cause),
		ErrorMessage:      cause.Error(),
		Truncated:         chunk.Truncated,
		Model:             s.cfg.Model,
	}
	var advance func(store.QuotaState) store.QuotaState
	if requests > 0 {
		advance = func(q store.QuotaState) store.QuotaState { return s.limits.Consume(q, started) }
	}
	qs, err := s.store.RecordAnalysis(ctx, run, nil, advance)
	if err != nil {
		log.Error("analyze: failed run not recorded", "run_id", runID, "error", err)
		return
	}
	if requests > 0 {
		s.metrics.QuotaToday(qs.RequestsToday)
	}
}

func (s *Scheduler) abort(res *RunResult, start time.Time, status string, err error) (*RunResult, error) {
	res.State = Aborted
	s.metrics.Run("analyze", status, start)
	return res, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
