package store

// Channel is one monitored chat source.
type Channel struct {
	ID                 string `json:"id"`
	Platform           string `json:"platform"`
	ExternalID         string `json:"external_id"`
	DisplayName        string `json:"display_name"`
	Active             bool   `json:"active"`
	LastIngestedCursor int64  `json:"last_ingested_cursor"`
	LastAnalysisCursor int64  `json:"last_analysis_cursor"`
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

// Message is one ingested chat message.
type Message struct {
	ID                int64  `json:"id"`
	ChannelID         string `json:"channel_id"`
	SourceMessageID   int64  `json:"source_message_id"`
	SenderID          string `json:"sender_id"`
	SenderUsername    string `json:"sender_username"`
	SenderDisplayName string `json:"sender_display_name"`
	SentAt            int64  `json:"sent_at"`
	EditedAt          *int64 `json:"edited_at,omitempty"`
	ReplyToID         *int64 `json:"reply_to_id,omitempty"`
	IsForwarded       bool   `json:"is_forwarded"`
	ForwardFrom       string `json:"forward_from"`
	RawText           string `json:"raw_text"`
	MediaRef          string `json:"media_ref"`
	MediaKind         string `json:"media_kind"`
	MediaPath         string `json:"media_path"`
	OCRText           string `json:"ocr_text"`
	Processed         bool   `json:"processed"`
	Analyzed          bool   `json:"analyzed"`
	IngestedAt        int64  `json:"ingested_at"`
}

// MessageEdit is one prior or superseding text version of a message.
type MessageEdit struct {
	ID         int64  `json:"id"`
	MessageID  int64  `json:"message_id"`
	Text       string `json:"text"`
	EditedAt   *int64 `json:"edited_at,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

// Entity kinds.
const (
	KindURL     = "url"
	KindAddress = "address"
	KindMention = "mention"
	KindDate    = "date"
	KindInvite  = "invite"
	KindEmoji   = "emoji"
)

// Entity is a value extracted from a message's text.
type Entity struct {
	ID              int64   `json:"id"`
	MessageID       int64   `json:"message_id"`
	Kind            string  `json:"kind"`
	RawValue        string  `json:"raw_value"`
	NormalizedValue string  `json:"normalized_value"`
	Confidence      float64 `json:"confidence"`
	CreatedAt       int64   `json:"created_at"`
}

// AnalysisRun is the audit row for one chunk sent (or refused) to the summarizer.
type AnalysisRun struct {
	ID                string `json:"id"`
	ChannelID         string `json:"channel_id"`
	StartedAt         int64  `json:"started_at"`
	FinishedAt        int64  `json:"finished_at"`
	WindowStartCursor int64  `json:"window_start_cursor"`
	WindowEndCursor   int64  `json:"window_end_cursor"`
	MessagesInBatch   int    `json:"messages_in_batch"`
	EstimatedTokens   int    `json:"estimated_tokens"`
	RequestsUsed      int    `json:"requests_used"`
	Success           bool   `json:"success"`
	ErrorKind         string `json:"error_kind"`
	ErrorMessage      string `json:"error_message"`
	Truncated         bool   `json:"truncated"`
	OutputRef         string `json:"output_ref"`
	ReportText        string `json:"report_text,omitempty"`
	CitationsCount    int    `json:"citations_count"`
	Model             string `json:"model"`
}

// QuotaState is the persisted summarizer usage. Window starts are Unix ms.
type QuotaState struct {
	RequestsThisMinute int   `json:"requests_this_minute"`
	MinuteWindowStart  int64 `json:"minute_window_start"`
	RequestsToday      int   `json:"requests_today"`
	DayStart           int64 `json:"day_start"`
	UpdatedAt          int64 `json:"updated_at"`
}

// Lease is a held advisory lock on a scope.
type Lease struct {
	Scope      string `json:"scope"`
	OwnerID    string `json:"owner_id"`
	Hostname   string `json:"hostname"`
	PID        int    `json:"pid"`
	AcquiredAt int64  `json:"acquired_at"`
	RenewedAt  int64  `json:"renewed_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// ExtractionLogEntry records one ingest run.
type ExtractionLogEntry struct {
	ID               string `json:"id"`
	ChannelID        string `json:"channel_id"`
	StartedAt        int64  `json:"started_at"`
	FinishedAt       int64  `json:"finished_at"`
	Fetched          int    `json:"fetched"`
	Stored           int    `json:"stored"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Edited           int    `json:"edited"`
	SchemaViolations int    `json:"schema_violations"`
	MediaFailed      int    `json:"media_failed"`
	CursorBefore     int64  `json:"cursor_before"`
	CursorAfter      int64  `json:"cursor_after"`
	Status           string `json:"status"`
	Error            string `json:"error"`
}

// SearchResult is an FTS5 hit on message text or OCR text.
type SearchResult struct {
	MessageID       int64   `json:"message_id"`
	ChannelID       string  `json:"channel_id"`
	SourceMessageID int64   `json:"source_message_id"`
	SenderUsername  string  `json:"sender_username"`
	SentAt          int64   `json:"sent_at"`
	Snippet         string  `json:"snippet"`
	Rank            float64 `json:"rank"`
}

// ChannelStats holds per-channel counters for status reporting.
type ChannelStats struct {
	Channel     *Channel            `json:"channel"`
	Messages    int                 `json:"messages"`
	Unprocessed int                 `json:"unprocessed"`
	Unanalyzed  int                 `json:"unanalyzed"`
	Entities    int                 `json:"entities"`
	LastIngest  *ExtractionLogEntry `json:"last_ingest,omitempty"`
	LastRun     *AnalysisRun        `json:"last_run,omitempty"`
}

// MessageFilter narrows ListMessages. Zero values mean "no filter".
type MessageFilter struct {
	ChannelID string
	Processed *bool
	Analyzed  *bool
	Since     int64
	Until     int64
	Limit     int

	// AfterSentAt and AfterID resume a listing after the last message of a
	// previous page. They apply when AfterID is set.
	AfterSentAt int64
	AfterID     int64
}

// Contributor is one sender's message count within an activity window.
type Contributor struct {
	Sender   string `json:"sender"`
	Messages int    `json:"messages"`
}

// ChannelActivity ranks one channel's traffic within a window. Score weighs
// distinct participants twice as much as raw message volume.
type ChannelActivity struct {
	Channel         *Channel      `json:"channel"`
	Messages        int           `json:"messages"`
	Participants    int           `json:"participants"`
	Replies         int           `json:"replies"`
	ReplyRatio      float64       `json:"reply_ratio"`
	AvgLength       float64       `json:"avg_length"`
	Score           float64       `json:"score"`
	TopContributors []Contributor `json:"top_contributors"`
}

// ActivityTotals aggregates every channel within a window.
type ActivityTotals struct {
	Messages       int     `json:"messages"`
	Participants   int     `json:"participants"`
	Replies        int     `json:"replies"`
	ReplyRatio     float64 `json:"reply_ratio"`
	ActiveChannels int     `json:"active_channels"`
	TotalChannels  int     `json:"total_channels"`
}

// ActivityFilter bounds an activity query. Since and Until are Unix ms; zero
// leaves that side open. Channels below MinMessages are left out.
type ActivityFilter struct {
	Since       int64
	Until       int64
	MinMessages int
}

// EntityCount is how often one normalized entity value occurs.
type EntityCount struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Count int    `json:"count"`
}
