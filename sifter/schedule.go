package sifter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedule runs the cron jobs of cfg.Schedule until ctx ends. Each job
// takes the same leases as its command, and a job still running when its
// next tick fires is skipped.
func (svc *Service) Schedule(ctx context.Context) error {
	cl := cronLogger{svc.logger}
	c := cron.New(
		cron.WithLocation(svc.analyzer.Limits().Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"ingest", svc.cfg.Schedule.Ingest, func(ctx context.Context) error {
			_, err := svc.Ingest(ctx, IngestRequest{})
			return err
		}},
		{"enrich", svc.cfg.Schedule.Enrich, func(ctx context.Context) error {
			_, err := svc.Enrich(ctx, EnrichRequest{All: true})
			return err
		}},
		{"analyze", svc.cfg.Schedule.Analyze, func(ctx context.Context) error {
			_, err := svc.Analyze(ctx, "")
			return err
		}},
	}

	added := 0
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if j.name == "analyze" && svc.summarizer == nil {
			return fmt.Errorf("%w: analyze is scheduled but no summarizer API key is configured", ErrInvalidInput)
		}
		if _, err := c.AddFunc(j.spec, svc.jobFunc(ctx, j.name, j.run)); err != nil {
			return fmt.Errorf("%w: schedule %s %q: %w", ErrInvalidInput, j.name, j.spec, err)
		}
		svc.logger.Info("schedule: job added", "job", j.name, "spec", j.spec)
		added++
	}
	if added == 0 {
		return fmt.Errorf("%w: no scheduled jobs configured", ErrInvalidInput)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	svc.logger.Info("schedule: stopped")
	return nil
}

func (svc *Service) jobFunc(ctx context.Context, name string, run func(context.Context) error) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		log := svc.logger.With("job", name)
		err := run(ctx)
		switch {
		case err == nil:
			log.Info("schedule: job done")
		case errors.Is(err, ErrLockBusy):
			log.Info("schedule: job skipped, lock busy", "error", err)
		case errors.Is(err, ErrDailyQuotaExceeded):
			log.Warn("schedule: daily quota exhausted", "error", err)
		default:
			log.Error("schedule: job failed", "error", err)
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
