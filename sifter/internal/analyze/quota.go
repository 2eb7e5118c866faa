package analyze

import (
	"fmt"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

const minuteWindow = 60 * time.Second

// Limits are the summarizer rate ceilings.
type Limits struct {
	PerMinute int
	Daily     int
	// Location defines the calendar day the daily counter follows.
	Location *time.Location
}

func (l Limits) loc() *time.Location {
	if l.Location == nil {
		return time.UTC
	}
	return l.Location
}

// dayStart returns midnight of t's calendar day in the limits' location.
func (l Limits) dayStart(t time.Time) time.Time {
	t = t.In(l.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.loc())
}

// Roll resets counters whose window has closed at now. The minute window
// closes 60 s after it opened; the day window at the next local midnight.
func (l Limits) Roll(qs store.QuotaState, now time.Time) store.QuotaState {
	if qs.MinuteWindowStart > 0 && now.UnixMilli()-qs.MinuteWindowStart >= minuteWindow.Milliseconds() {
		qs.RequestsThisMinute = 0
		qs.MinuteWindowStart = 0
	}
	if day := l.dayStart(now).UnixMilli(); qs.DayStart != day {
		qs.RequestsToday = 0
		qs.DayStart = day
	}
	return qs
}

// Check decides whether a call may start at now. It returns
// DailyQuotaExceeded when the day is spent, otherwise the time to wait for
// the minute window to roll over (zero when a call may go now).
func (l Limits) Check(qs store.QuotaState, now time.Time) (time.Duration, error) {
	qs = l.Roll(qs, now)
	if l.Daily > 0 && qs.RequestsToday >= l.Daily {
		return 0, fmt.Errorf("%w: %d of %d requests used today", errkind.DailyQuotaExceeded, qs.RequestsToday, l.Daily)
	}
	if l.PerMinute > 0 && qs.RequestsThisMinute >= l.PerMinute {
		wait := time.UnixMilli(qs.MinuteWindowStart).Add(minuteWindow).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, nil
	}
	return 0, nil
}

// Consume records one request made at now, opening a minute window if
// none is open.
func (l Limits) Consume(qs store.QuotaState, now time.Time) store.QuotaState {
	qs = l.Roll(qs, now)
	if qs.MinuteWindowStart == 0 {
		qs.MinuteWindowStart = now.UnixMilli()
	}
	qs.RequestsThisMinute++
	qs.RequestsToday++
	qs.UpdatedAt = now.UnixMilli()
	return qs
}

// Remaining returns the requests left today at now.
func (l Limits) Remaining(qs store.QuotaState, now time.Time) int {
	qs = l.Roll(qs, now)
	if r := l.Daily - qs.RequestsToday; r > 0 {
		return r
	}
	return 0
}
