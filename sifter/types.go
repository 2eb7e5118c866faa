package sifter

import (
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// Re-exported domain types.
type (
	Channel            = store.Channel
	Message            = store.Message
	MessageEdit        = store.MessageEdit
	Entity             = store.Entity
	AnalysisRun        = store.AnalysisRun
	Lease              = store.Lease
	ExtractionLogEntry = store.ExtractionLogEntry
	SearchResult       = store.SearchResult
	ChannelStats       = store.ChannelStats
	MessageFilter      = store.MessageFilter
	ChannelActivity    = store.ChannelActivity
	ActivityTotals     = store.ActivityTotals
	Contributor        = store.Contributor
	EntityCount        = store.EntityCount
)

// IngestRequest selects what an ingest run pulls.
type IngestRequest struct {
	// Channel is a channel id or "platform:external_id". Empty means every
	// active channel.
	Channel string
	// Limit caps the items fetched per channel. Zero uses the configured limit.
	Limit   int
	NoMedia bool
}

// EnrichRequest selects what an enrich run processes.
type EnrichRequest struct {
	BatchSize int
	// All keeps running batches until nothing is left unprocessed.
	All bool
	// Reprocess clears the processed flag of this channel first.
	Reprocess string
}

// QuotaStatus is the summarizer usage as of now.
type QuotaStatus struct {
	RequestsToday      int    `json:"requests_today"`
	DailyLimit         int    `json:"daily_limit"`
	Remaining          int    `json:"remaining"`
	RequestsThisMinute int    `json:"requests_this_minute"`
	PerMinuteLimit     int    `json:"per_minute_limit"`
	DayStart           string `json:"day_start"`
	Timezone           string `json:"timezone"`
}

// Status is the operator view of the whole pipeline.
type Status struct {
	Channels    []*ChannelStats `json:"channels"`
	Unprocessed int             `json:"unprocessed"`
	Quota       *QuotaStatus    `json:"quota"`
	Leases      []*Lease        `json:"leases"`
	Summarizer  string          `json:"summarizer,omitempty"`
}

// ActivityRequest selects the activity window. Day ("2006-01-02", read in
// the analysis timezone) wins over Since/Until; with neither, the window is
// today. MinMessages zero uses the configured threshold.
type ActivityRequest struct {
	Day         string
	Since       int64
	Until       int64
	MinMessages int
}

// ActivityReport ranks channels by engagement within a window.
type ActivityReport struct {
	Since       int64              `json:"since"`
	Until       int64              `json:"until"`
	Timezone    string             `json:"timezone"`
	MinMessages int                `json:"min_messages"`
	GeneratedAt int64              `json:"generated_at"`
	Totals      *ActivityTotals    `json:"totals"`
	Channels    []*ChannelActivity `json:"channels"`
}

// ExportRequest selects what Export writes. An empty Channel exports every
// channel holding messages in the window. Dir defaults to the configured
// export directory.
type ExportRequest struct {
	Channel string
	Since   int64
	Until   int64
	Dir     string
}

// ExportResult describes one written channel document.
type ExportResult struct {
	ChannelID    string `json:"channel_id"`
	Path         string `json:"path"`
	Messages     int    `json:"messages"`
	Participants int    `json:"participants"`
	Entities     int    `json:"entities"`
}
