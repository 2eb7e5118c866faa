package sifter

import (
	"context"
	"errors"
	"testing"
)

func TestSchedule_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Schedule(ctx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no jobs: got %v", err)
	}

	svc.cfg.Schedule.Ingest = "every now and then"
	if err := svc.Schedule(ctx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad spec: got %v", err)
	}

	svc.cfg.Schedule = ScheduleConfig{Analyze: "@hourly"}
	if err := svc.Schedule(ctx); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("analyze without summarizer: got %v", err)
	}
}

func TestSchedule_StopsWithContext(t *testing.T) {
	svc := newTestService(t)
	svc.cfg.Schedule = ScheduleConfig{Ingest: "*/5 * * * *", Enrich: "@every 1m"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Schedule(ctx); err != nil {
		t.Fatalf("got %v", err)
	}
}
