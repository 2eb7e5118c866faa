// Package sifter is the SignalSifter service: it pulls chat messages from
// Telegram and Discord into SQLite, enriches them with extracted entities
// and OCR text, and summarizes them under a persisted request quota.
package sifter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/sifter/internal/analyze"
	"github.com/hazyhaar/signalsifter/sifter/internal/artifact"
	"github.com/hazyhaar/signalsifter/sifter/internal/browser"
	"github.com/hazyhaar/signalsifter/sifter/internal/enrich"
	"github.com/hazyhaar/signalsifter/sifter/internal/ingest"
	"github.com/hazyhaar/signalsifter/sifter/internal/lock"
	"github.com/hazyhaar/signalsifter/sifter/internal/metrics"
	"github.com/hazyhaar/signalsifter/sifter/internal/ocr"
	"github.com/hazyhaar/signalsifter/sifter/internal/source"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
	"github.com/hazyhaar/signalsifter/sifter/internal/summarize"
)

// Summarizer turns a chunk of formatted messages into a report.
type Summarizer = analyze.Summarizer

// OCR reads text from an image file.
type OCR = enrich.OCR

// Source is a platform adapter.
type Source = source.Source

// Service wires the pipeline stages to one store.
type Service struct {
	cfg      *Config
	db       *sql.DB
	ownsDB   bool
	store    *store.Store
	locks    *lock.Coordinator
	ingester *ingest.Engine
	enricher *enrich.Stage
	analyzer *analyze.Scheduler
	sources  map[string]source.Source
	closers  []func() error
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	summarizer Summarizer
	ocr        OCR
	clockNow   func() time.Time
	clockSleep func(context.Context, time.Duration) error
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithSource registers src for its platform, replacing the built-in adapter.
func WithSource(src Source) ServiceOption {
	return func(svc *Service) { svc.sources[src.Platform()] = src }
}

// WithSummarizer overrides the configured summarizer client.
func WithSummarizer(s Summarizer) ServiceOption {
	return func(svc *Service) { svc.summarizer = s }
}

// WithOCR overrides the Tesseract OCR engine.
func WithOCR(o OCR) ServiceOption {
	return func(svc *Service) { svc.ocr = o }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) ServiceOption {
	return func(svc *Service) { svc.registry = reg }
}

// WithClock replaces the analysis clock. Used by tests to skip quota waits.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) ServiceOption {
	return func(svc *Service) {
		svc.clockNow = now
		svc.clockSleep = sleep
	}
}

// Open opens (creating if needed) the database at cfg.DBPath and returns a
// Service that closes it on Close.
func Open(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(store.Schema))
	if err != nil {
		return nil, fmt.Errorf("sifter: open database: %w", err)
	}
	svc, err := New(db, cfg, logger, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	svc.ownsDB = true
	return svc, nil
}

// New creates a Service on an open database whose schema is applied.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		cfg:     cfg,
		db:      db,
		store:   store.NewStore(db),
		sources: make(map[string]source.Source),
		logger:  logger,
	}
	svc.buildSources()
	for _, opt := range opts {
		opt(svc)
	}

	if svc.registry == nil {
		svc.registry = prometheus.NewRegistry()
		svc.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	svc.metrics = metrics.New(svc.registry)
	svc.locks = lock.New(svc.store, cfg.Lock, logger)
	svc.ingester = ingest.New(svc.store, logger, svc.metrics)

	enrichOpts := []enrich.Option{enrich.WithLogger(logger), enrich.WithMetrics(svc.metrics)}
	if svc.ocr != nil {
		enrichOpts = append(enrichOpts, enrich.WithOCR(svc.ocr, ocr.IsImage))
	} else if t := ocr.New(cfg.OCR); t.Available() {
		enrichOpts = append(enrichOpts, enrich.WithOCR(t, ocr.IsImage))
	} else {
		logger.Info("sifter: tesseract not found, image text will not be extracted", "binary", cfg.OCR.Binary)
	}
	svc.enricher = enrich.New(svc.store, enrichOpts...)

	if svc.summarizer == nil && cfg.Summarizer.APIKey != "" {
		client, err := summarize.New(cfg.Summarizer, nil)
		if err != nil {
			return nil, fmt.Errorf("sifter: summarizer: %w", err)
		}
		svc.summarizer = client
		cfg.Analysis.Model = client.Model()
	}

	analyzeOpts := []analyze.Option{analyze.WithLogger(logger), analyze.WithMetrics(svc.metrics)}
	if cfg.ReportDir != "" {
		analyzeOpts = append(analyzeOpts, analyze.WithArtifacts(artifact.NewWriter(cfg.ReportDir)))
	}
	if svc.clockNow != nil && svc.clockSleep != nil {
		analyzeOpts = append(analyzeOpts, analyze.WithClock(svc.clockNow, svc.clockSleep))
	}
	a, err := analyze.New(svc.store, svc.summarizer, cfg.Analysis, analyzeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	svc.analyzer = a
	return svc, nil
}

func (svc *Service) buildSources() {
	client := &http.Client{Timeout: httpTimeout}
	media := source.NewDownloader(svc.cfg.MediaDir, client)

	tg := source.NewTelegram(svc.cfg.Telegram, client, media, svc.store)
	svc.sources[tg.Platform()] = source.WithRetry(tg, svc.cfg.Retry)

	bcfg := svc.cfg.Discord.Browser
	bcfg.Logger = svc.logger
	dc := source.NewDiscord(svc.cfg.Discord.DiscordConfig, browser.NewManager(bcfg), media, svc.logger)
	svc.sources[dc.Platform()] = source.WithRetry(dc, svc.cfg.Retry)
	svc.closers = append(svc.closers, dc.Close)
}

// Config returns the effective configuration.
func (svc *Service) Config() *Config { return svc.cfg }

// Registry returns the Prometheus registry holding the service metrics.
func (svc *Service) Registry() *prometheus.Registry { return svc.registry }

// Close releases the browser and, when opened by Open, the database.
func (svc *Service) Close() error {
	var errs []error
	for _, c := range svc.closers {
		errs = append(errs, c())
	}
	if svc.ownsDB {
		errs = append(errs, svc.db.Close())
	}
	return errors.Join(errs...)
}

// resolveChannel looks a channel up by id or "platform:external_id".
func (svc *Service) resolveChannel(ctx context.Context, ref string) (*store.Channel, error) {
	ch, err := svc.store.ResolveChannel(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sifter: resolve channel: %w", err)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: %q", ErrChannelNotFound, ref)
	}
	return ch, nil
}

// targets returns the channel named by ref, or every active channel.
func (svc *Service) targets(ctx context.Context, ref string) ([]*store.Channel, error) {
	if ref == "" {
		return svc.store.ListChannels(ctx, true)
	}
	ch, err := svc.resolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ch.Active {
		return nil, fmt.Errorf("%w: channel %s is deactivated", ErrInvalidInput, ch.ID)
	}
	return []*store.Channel{ch}, nil
}

// --- Channels ---

// AddChannel registers a channel, or returns the existing one.
func (svc *Service) AddChannel(ctx context.Context, platform, externalID, name string) (*Channel, error) {
	platform, externalID, err := validateChannelInput(platform, externalID, name)
	if err != nil {
		return nil, err
	}
	ch, err := svc.store.EnsureChannel(ctx, platform, externalID, name)
	if err != nil {
		return nil, fmt.Errorf("sifter: add channel: %w", err)
	}
	svc.logger.Info("sifter: channel registered", "channel_id", ch.ID, "platform", platform, "external_id", externalID)
	return ch, nil
}

// ListChannels returns registered channels.
func (svc *Service) ListChannels(ctx context.Context, activeOnly bool) ([]*Channel, error) {
	return svc.store.ListChannels(ctx, activeOnly)
}

// DeactivateChannel stops a channel from being picked by batch runs.
func (svc *Service) DeactivateChannel(ctx context.Context, ref string) (*Channel, error) {
	ch, err := svc.resolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := svc.store.DeactivateChannel(ctx, ch.ID); err != nil {
		return nil, fmt.Errorf("sifter: deactivate: %w", err)
	}
	ch.Active = false
	svc.logger.Info("sifter: channel deactivated", "channel_id", ch.ID)
	return ch, nil
}

// --- Pipeline runs ---

// Ingest pulls new messages for one channel or every active channel. Each
// channel runs under its platform lease and its channel lease. A failing
// channel does not stop the others; the errors are joined.
func (svc *Service) Ingest(ctx context.Context, req IngestRequest) ([]*ingest.Result, error) {
	channels, err := svc.targets(ctx, req.Channel)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = svc.cfg.Ingest.Limit
	}
	opts := ingest.Options{NoMedia: req.NoMedia || svc.cfg.Ingest.NoMedia}

	var (
		results []*ingest.Result
		errs    []error
	)
	for _, ch := range channels {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := svc.ingestChannel(ctx, ch, limit, opts)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", ch.ID, err))
		}
	}
	return results, errors.Join(errs...)
}

func (svc *Service) ingestChannel(ctx context.Context, ch *store.Channel, limit int, opts ingest.Options) (*ingest.Result, error) {
	src, ok := svc.sources[ch.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for platform %q", ErrSourceUnavailable, ch.Platform)
	}
	leases, err := svc.locks.AcquireAll(ctx, lock.PlatformScope(ch.Platform), lock.ChannelScope(ch.ID))
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			svc.metrics.LockBusy("ingest")
		}
		return nil, err
	}
	defer leases.Release()
	return svc.ingester.Ingest(ctx, ch, src, limit, opts)
}

// Enrich runs the enrichment stage under the enrich lease.
func (svc *Service) Enrich(ctx context.Context, req EnrichRequest) (*enrich.Result, error) {
	batch := req.BatchSize
	if batch <= 0 {
		batch = svc.cfg.Enrich.BatchSize
	}
	var reset *store.Channel
	if req.Reprocess != "" {
		ch, err := svc.resolveChannel(ctx, req.Reprocess)
		if err != nil {
			return nil, err
		}
		reset = ch
	}

	l, err := svc.locks.Acquire(ctx, lock.EnrichScope)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			svc.metrics.LockBusy("enrich")
		}
		return nil, err
	}
	defer l.Release()

	if reset != nil {
		n, err := svc.enricher.Reprocess(ctx, reset.ID)
		if err != nil {
			return nil, fmt.Errorf("sifter: reprocess: %w", err)
		}
		svc.logger.Info("sifter: channel queued for re-enrichment", "channel_id", reset.ID, "messages", n)
	}
	if req.All || reset != nil {
		return svc.enricher.Drain(ctx, batch)
	}
	return svc.enricher.Enrich(ctx, batch)
}

// Analyze summarizes pending messages of one channel or every active
// channel under the analysis lease. It stops at the first channel that
// aborts, since quota and provider failures affect every channel alike.
func (svc *Service) Analyze(ctx context.Context, ref string) ([]*analyze.RunResult, error) {
	if svc.summarizer == nil {
		return nil, fmt.Errorf("%w: summarizer API key not configured (SUMMARIZER_API_KEY)", ErrInvalidInput)
	}
	channels, err := svc.targets(ctx, ref)
	if err != nil {
		return nil, err
	}

	l, err := svc.locks.Acquire(ctx, lock.AnalysisScope)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			svc.metrics.LockBusy("analyze")
		}
		return nil, err
	}
	defer l.Release()

	var results []*analyze.RunResult
	for _, ch := range channels {
		res, err := svc.analyzer.Run(ctx, ch.ID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, fmt.Errorf("analyze %s: %w", ch.ID, err)
		}
	}
	return results, nil
}

// --- Reads ---

// Quota returns today's summarizer usage.
func (svc *Service) Quota(ctx context.Context) (*QuotaStatus, error) {
	qs, err := svc.store.LoadQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("sifter: load quota: %w", err)
	}
	limits := svc.analyzer.Limits()
	now := time.Now()
	if svc.clockNow != nil {
		now = svc.clockNow()
	}
	rolled := limits.Roll(qs, now)
	return &QuotaStatus{
		RequestsToday:      rolled.RequestsToday,
		DailyLimit:         limits.Daily,
		Remaining:          limits.Remaining(qs, now),
		RequestsThisMinute: rolled.RequestsThisMinute,
		PerMinuteLimit:     limits.PerMinute,
		DayStart:           time.UnixMilli(rolled.DayStart).In(limits.Location).Format(time.RFC3339),
		Timezone:           limits.Location.String(),
	}, nil
}

// Status reports per-channel counters, the enrichment backlog, quota usage
// and held leases.
func (svc *Service) Status(ctx context.Context) (*Status, error) {
	channels, err := svc.store.ListChannels(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("sifter: status: %w", err)
	}
	st := &Status{Channels: make([]*ChannelStats, 0, len(channels))}
	for _, ch := range channels {
		cs, err := svc.store.ChannelStats(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("sifter: status %s: %w", ch.ID, err)
		}
		st.Channels = append(st.Channels, cs)
	}
	if st.Unprocessed, err = svc.store.CountUnprocessed(ctx); err != nil {
		return nil, fmt.Errorf("sifter: status: %w", err)
	}
	if st.Quota, err = svc.Quota(ctx); err != nil {
		return nil, err
	}
	if st.Leases, err = svc.store.ListLeases(ctx); err != nil {
		return nil, fmt.Errorf("sifter: status: %w", err)
	}
	if svc.summarizer != nil {
		st.Summarizer = svc.cfg.Analysis.Model
	}
	svc.metrics.QuotaToday(st.Quota.RequestsToday)
	return st, nil
}

// Messages lists a channel's messages, oldest first.
func (svc *Service) Messages(ctx context.Context, ref string, f MessageFilter) ([]*Message, error) {
	ch, err := svc.resolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}
	f.ChannelID = ch.ID
	return svc.store.ListMessages(ctx, f)
}

// Entities returns the entities extracted from one message.
func (svc *Service) Entities(ctx context.Context, messageID int64) ([]*Entity, error) {
	return svc.store.ListEntities(ctx, messageID)
}

// Runs lists analysis runs, newest first. An empty ref lists every channel.
func (svc *Service) Runs(ctx context.Context, ref string, limit int) ([]*AnalysisRun, error) {
	channelID := ""
	if ref != "" {
		ch, err := svc.resolveChannel(ctx, ref)
		if err != nil {
			return nil, err
		}
		channelID = ch.ID
	}
	return svc.store.ListAnalysisRuns(ctx, channelID, limit)
}

// Run returns one analysis run.
func (svc *Service) Run(ctx context.Context, id string) (*AnalysisRun, error) {
	return svc.store.GetAnalysisRun(ctx, id)
}

// Search runs a full-text query over message and OCR text.
func (svc *Service) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	hits, err := svc.store.Search(ctx, query, limit)
	if errors.Is(err, store.ErrInvalidQuery) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return hits, err
}

// DiscordLogin opens a visible browser on the Discord login page with the
// configured profile and keeps it open until ctx ends, so the operator can
// sign in once and later runs reuse the session.
func (svc *Service) DiscordLogin(ctx context.Context) error {
	bcfg := svc.cfg.Discord.Browser
	if bcfg.UserDataDir == "" && bcfg.RemoteURL == "" {
		return fmt.Errorf("%w: set discord.browser.user_data_dir (DISCORD_USER_DATA_DIR) to keep the session", ErrInvalidInput)
	}
	bcfg.Headful = true
	bcfg.ResourceBlocking = nil
	bcfg.Logger = svc.logger
	mgr := browser.NewManager(bcfg)
	defer mgr.Close()

	base := svc.cfg.Discord.BaseURL
	if base == "" {
		base = "https://discord.com"
	}
	tab, err := browser.OpenTab(ctx, mgr, strings.TrimRight(base, "/")+"/login")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defer tab.Close()
	svc.logger.Info("sifter: log in to Discord in the browser window, then interrupt to save the session")
	<-ctx.Done()
	return nil
}
