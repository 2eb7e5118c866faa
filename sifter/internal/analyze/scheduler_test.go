package analyze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/sifter/internal/artifact"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
	"github.com/hazyhaar/signalsifter/sifter/internal/summarize"
)

type fakeSummarizer struct {
	calls int
	err   error
}

func (f *fakeSummarizer) Analyze(_ context.Context, chunkText, _ string) (*summarize.Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	text := "## Executive Summary\nquiet. [2025-12-07 12:00:01 UTC] @trader"
	return &summarize.Report{Text: text, Citations: summarize.ExtractCitations(text), Model: "fake-model"}, nil
}

type fakeClock struct {
	now     time.Time
	sleeps  []time.Duration
	onSleep func()
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.onSleep != nil {
		c.onSleep()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func setup(t *testing.T, n int) (*store.Store, *store.Channel) {
	t.Helper()
	s := store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	ctx := context.Background()
	ch, err := s.EnsureChannel(ctx, "telegram", "-1009", "Alpha")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		_, err := s.InsertMessage(ctx, &store.Message{
			ChannelID:       ch.ID,
			SourceMessageID: int64(100 + i),
			SenderUsername:  "trader",
			SentAt:          t0.Add(time.Duration(i) * time.Second).UnixMilli(),
			RawText:         fmt.Sprintf("hello number %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return s, ch
}

func newScheduler(t *testing.T, s *store.Store, sum Summarizer, cfg Config, clock *fakeClock, opts ...Option) *Scheduler {
	t.Helper()
	opts = append(opts, WithClock(clock.Now, clock.Sleep))
	sch, err := New(s, sum, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sch
}

func unanalyzed(t *testing.T, s *store.Store, channelID string) int {
	t.Helper()
	n, err := s.CountUnanalyzed(context.Background(), channelID)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRun_DailyQuotaExhaustedNeverCalls(t *testing.T) {
	// WHAT: With requests_today == daily_limit the run aborts with DailyQuotaExceeded and no call.
	// WHY: The day ceiling must hold even when work is pending.
	s, ch := setup(t, 3)
	clock := &fakeClock{now: t0}
	day := Limits{}.dayStart(t0).UnixMilli()
	if _, err := s.DB.Exec(`UPDATE quota_state SET requests_today = 50, day_start = ? WHERE id = 1`, day); err != nil {
		t.Fatal(err)
	}
	sum := &fakeSummarizer{}
	sch := newScheduler(t, s, sum, Config{DailyLimit: 50}, clock)

	res, err := sch.Run(context.Background(), ch.ID)
	if !errors.Is(err, errkind.DailyQuotaExceeded) {
		t.Fatalf("got %v, want DailyQuotaExceeded", err)
	}
	if res.State != Aborted || sum.calls != 0 {
		t.Fatalf("state=%s calls=%d", res.State, sum.calls)
	}
	runs, _ := s.ListAnalysisRuns(context.Background(), ch.ID, 10)
	if len(runs) != 1 || runs[0].RequestsUsed != 0 || runs[0].ErrorKind != "DailyQuotaExceeded" || runs[0].Success {
		t.Fatalf("audit row: %+v", runs)
	}
	if n := unanalyzed(t, s, ch.ID); n != 3 {
		t.Fatalf("unanalyzed: got %d, want 3", n)
	}
	qs, _ := s.LoadQuota(context.Background())
	if qs.RequestsToday != 50 {
		t.Fatalf("quota moved: %+v", qs)
	}
}

func TestRun_RecordsChunk(t *testing.T) {
	// WHAT: One chunk is summarized, written as an artifact, marked analyzed, and charged once.
	// WHY: Recording is the only place messages leave the unanalyzed set.
	s, ch := setup(t, 3)
	clock := &fakeClock{now: t0}
	dir := t.TempDir()
	sch := newScheduler(t, s, &fakeSummarizer{}, Config{}, clock, WithArtifacts(artifact.NewWriter(dir)))

	res, err := sch.Run(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Idle || res.Chunks != 1 || res.MessagesAnalyzed != 3 || res.RequestsUsed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Reports) != 1 {
		t.Fatalf("reports: %v", res.Reports)
	}
	if _, err := os.Stat(res.Reports[0]); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if n := unanalyzed(t, s, ch.ID); n != 0 {
		t.Fatalf("unanalyzed: %d", n)
	}
	got, _ := s.GetChannel(context.Background(), ch.ID)
	if got.LastAnalysisCursor != 103 {
		t.Fatalf("analysis cursor: %d", got.LastAnalysisCursor)
	}
	qs, _ := s.LoadQuota(context.Background())
	if qs.RequestsToday != 1 || qs.RequestsThisMinute != 1 {
		t.Fatalf("quota: %+v", qs)
	}
	runs, _ := s.ListAnalysisRuns(context.Background(), ch.ID, 10)
	if len(runs) != 1 || !runs[0].Success || runs[0].CitationsCount != 1 || runs[0].OutputRef != res.Reports[0] {
		t.Fatalf("run row: %+v", runs[0])
	}

	again, err := sch.Run(context.Background(), ch.ID)
	if err != nil || again.Chunks != 0 || again.State != Idle {
		t.Fatalf("drained rerun: %+v err=%v", again, err)
	}
}

func TestRun_ThrottlesPerMinute(t *testing.T) {
	// WHAT: Three one-message chunks at 2/min wait once for the window to roll.
	// WHY: The per-minute ceiling is honoured by sleeping, never by failing.
	s, ch := setup(t, 3)
	clock := &fakeClock{now: t0}
	sum := &fakeSummarizer{}
	sch := newScheduler(t, s, sum, Config{PerMinuteLimit: 2, TokenBudget: 20}, clock)

	res, err := sch.Run(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 3 || sum.calls != 3 {
		t.Fatalf("chunks=%d calls=%d", res.Chunks, sum.calls)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != time.Minute {
		t.Fatalf("sleeps: %v", clock.sleeps)
	}
	qs, _ := s.LoadQuota(context.Background())
	if qs.RequestsToday != 3 || qs.RequestsThisMinute != 1 {
		t.Fatalf("quota: %+v", qs)
	}
}

func TestRun_MaxChunks(t *testing.T) {
	s, ch := setup(t, 3)
	sch := newScheduler(t, s, &fakeSummarizer{}, Config{TokenBudget: 20, MaxChunks: 2, PerMinuteLimit: 10}, &fakeClock{now: t0})
	res, err := sch.Run(context.Background(), ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 2 || unanalyzed(t, s, ch.ID) != 1 {
		t.Fatalf("chunks=%d unanalyzed=%d", res.Chunks, unanalyzed(t, s, ch.ID))
	}
}

func TestRun_TransientFailureCountsQuota(t *testing.T) {
	// WHAT: A failed call aborts with TransientCallFailure, marks nothing, and still counts one request.
	// WHY: The provider charges failed requests too; the chunk is retried next run.
	s, ch := setup(t, 2)
	sum := &fakeSummarizer{err: errors.New("503 service unavailable")}
	sch := newScheduler(t, s, sum, Config{}, &fakeClock{now: t0})

	res, err := sch.Run(context.Background(), ch.ID)
	if !errors.Is(err, errkind.TransientCallFailure) {
		t.Fatalf("got %v, want TransientCallFailure", err)
	}
	if res.State != Aborted || res.RequestsUsed != 1 {
		t.Fatalf("result: %+v", res)
	}
	if n := unanalyzed(t, s, ch.ID); n != 2 {
		t.Fatalf("unanalyzed: %d", n)
	}
	qs, _ := s.LoadQuota(context.Background())
	if qs.RequestsToday != 1 {
		t.Fatalf("quota: %+v", qs)
	}
	runs, _ := s.ListAnalysisRuns(context.Background(), ch.ID, 10)
	if len(runs) != 1 || runs[0].Success || runs[0].RequestsUsed != 1 || runs[0].ErrorKind != "TransientCallFailure" {
		t.Fatalf("run row: %+v", runs)
	}
	got, _ := s.GetChannel(context.Background(), ch.ID)
	if got.LastAnalysisCursor != 0 {
		t.Fatalf("cursor moved: %d", got.LastAnalysisCursor)
	}
}

func TestRun_CancelDuringThrottle(t *testing.T) {
	// WHAT: Cancelling while waiting for the minute window aborts cleanly.
	// WHY: The CLI timeout can fire during the wait.
	s, ch := setup(t, 1)
	if _, err := s.DB.Exec(`UPDATE quota_state SET requests_this_minute = 2, minute_window_start = ?, day_start = ? WHERE id = 1`,
		t0.UnixMilli(), Limits{}.dayStart(t0).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sum := &fakeSummarizer{}
	clock := &fakeClock{now: t0.Add(time.Second), onSleep: cancel}
	sch := newScheduler(t, s, sum, Config{}, clock)

	res, err := sch.Run(ctx, ch.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.State != Aborted || sum.calls != 0 {
		t.Fatalf("state=%s calls=%d", res.State, sum.calls)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("sleep should not have completed: %v", clock.sleeps)
	}
}

func TestRun_UnknownChannel(t *testing.T) {
	s, _ := setup(t, 0)
	sch := newScheduler(t, s, &fakeSummarizer{}, Config{}, &fakeClock{now: t0})
	if _, err := sch.Run(context.Background(), "ch_missing"); !errors.Is(err, errkind.ChannelNotFound) {
		t.Fatalf("got %v, want ChannelNotFound", err)
	}
}
