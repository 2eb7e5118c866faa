package sifter

import (
	"errors"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
)

// Error taxonomy. Every error returned by the service wraps at most one of
// these; test with errors.Is.
var (
	ErrSourceUnavailable    = errkind.SourceUnavailable
	ErrSchemaViolation      = errkind.SchemaViolation
	ErrMediaUnavailable     = errkind.MediaUnavailable
	ErrDailyQuotaExceeded   = errkind.DailyQuotaExceeded
	ErrTransientCallFailure = errkind.TransientCallFailure
	ErrLockBusy             = errkind.LockBusy
	ErrChannelNotFound      = errkind.ChannelNotFound
	ErrHistoryTruncated     = errkind.HistoryTruncated
)

// ErrInvalidInput is returned when arguments or configuration fail validation.
var ErrInvalidInput = errors.New("sifter: invalid input")

// Process exit codes.
const (
	ExitOK                   = 0
	ExitFatal                = 1
	ExitUsage                = 2
	ExitSourceUnavailable    = 10
	ExitLockBusy             = 11
	ExitDailyQuotaExceeded   = 12
	ExitTransientCallFailure = 13
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrChannelNotFound):
		return ExitUsage
	case errors.Is(err, ErrSourceUnavailable):
		return ExitSourceUnavailable
	case errors.Is(err, ErrLockBusy):
		return ExitLockBusy
	case errors.Is(err, ErrDailyQuotaExceeded):
		return ExitDailyQuotaExceeded
	case errors.Is(err, ErrTransientCallFailure):
		return ExitTransientCallFailure
	}
	return ExitFatal
}

// Hint returns a one-line operator hint for the errors that have one.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrDailyQuotaExceeded):
		return "daily summarizer quota used up; analysis resumes after local midnight (see `sifter status`)"
	case errors.Is(err, ErrLockBusy):
		return "another run holds the lock; retry later or wait for its lease to expire (see `sifter status`)"
	case errors.Is(err, ErrSourceUnavailable):
		return "platform unreachable or credentials rejected; the cursor was not moved"
	case errors.Is(err, ErrTransientCallFailure):
		return "summarizer call failed; the chunk stays queued for the next run"
	case errors.Is(err, ErrChannelNotFound):
		return "unknown channel; list channels with `sifter channel list`"
	}
	return ""
}
