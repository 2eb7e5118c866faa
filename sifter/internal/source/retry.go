package source

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
)

// RetryConfig bounds the retry policy around a Source.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig returns the policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// retryable reports whether err is a source outage worth another attempt.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, errkind.SourceUnavailable)
}

func newPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ R, err error) bool { return retryable(err) }).
		ReturnLastFailure().
		Build()
}

type retrying struct {
	Source
	fetch failsafe.Executor[[]RawMessage]
	media failsafe.Executor[string]
}

// WithRetry wraps src so that FetchSince and DownloadMedia are retried with
// exponential backoff and jitter while they fail with SourceUnavailable.
func WithRetry(src Source, cfg RetryConfig) Source {
	cfg = cfg.normalize()
	return &retrying{
		Source: src,
		fetch:  failsafe.With(newPolicy[[]RawMessage](cfg)),
		media:  failsafe.With(newPolicy[string](cfg)),
	}
}

// FetchSince passes a truncated window through with its error, without
// retrying it.
func (r *retrying) FetchSince(ctx context.Context, externalID string, cursor int64, limit int) ([]RawMessage, error) {
	var truncated error
	msgs, err := r.fetch.WithContext(ctx).Get(func() ([]RawMessage, error) {
		msgs, err := r.Source.FetchSince(ctx, externalID, cursor, limit)
		if errors.Is(err, errkind.HistoryTruncated) && len(msgs) > 0 {
			truncated = err
			return msgs, nil
		}
		truncated = nil
		return msgs, err
	})
	if err == nil && truncated != nil {
		return msgs, truncated
	}
	return msgs, err
}

func (r *retrying) DownloadMedia(ctx context.Context, ref string) (string, error) {
	return r.media.WithContext(ctx).Get(func() (string, error) {
		return r.Source.DownloadMedia(ctx, ref)
	})
}
