package sifter

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("disk on fire"), ExitFatal},
		{fmt.Errorf("%w: bad flag", ErrInvalidInput), ExitUsage},
		{fmt.Errorf("x: %w", ErrChannelNotFound), ExitUsage},
		{fmt.Errorf("ingest: %w", ErrSourceUnavailable), ExitSourceUnavailable},
		{fmt.Errorf("enrich: %w", ErrLockBusy), ExitLockBusy},
		{fmt.Errorf("analyze: %w", ErrDailyQuotaExceeded), ExitDailyQuotaExceeded},
		{fmt.Errorf("analyze: %w", ErrTransientCallFailure), ExitTransientCallFailure},
		{errors.Join(errors.New("other"), fmt.Errorf("%w", ErrSourceUnavailable)), ExitSourceUnavailable},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestHint(t *testing.T) {
	if Hint(ErrDailyQuotaExceeded) == Hint(ErrLockBusy) || Hint(ErrLockBusy) == "" {
		t.Fatal("quota and lock hints must differ and be set")
	}
	if Hint(errors.New("other")) != "" {
		t.Fatal("unexpected hint")
	}
}
