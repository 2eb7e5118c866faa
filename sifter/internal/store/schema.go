package store

import "database/sql"

// Schema is the complete SignalSifter schema. Cursors, quota counters and
// leases are ordinary rows so one transaction can move a cursor and record
// usage together.
const Schema = `
-- Monitored channels. Never deleted, only deactivated.
CREATE TABLE IF NOT EXISTS channels (
    id                   TEXT PRIMARY KEY,
    platform             TEXT NOT NULL,
    external_id          TEXT NOT NULL,
    display_name         TEXT NOT NULL DEFAULT '',
    active               INTEGER NOT NULL DEFAULT 1,
    last_ingested_cursor INTEGER NOT NULL DEFAULT 0,
    last_analysis_cursor INTEGER NOT NULL DEFAULT 0,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    UNIQUE (platform, external_id)
);

-- Ingested messages. (channel_id, source_message_id) is the dedup key.
CREATE TABLE IF NOT EXISTS messages (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id          TEXT NOT NULL REFERENCES channels(id),
    source_message_id   INTEGER NOT NULL,
    sender_id           TEXT NOT NULL DEFAULT '',
    sender_username     TEXT NOT NULL DEFAULT '',
    sender_display_name TEXT NOT NULL DEFAULT '',
    sent_at             INTEGER NOT NULL,
    edited_at           INTEGER,
    reply_to_id         INTEGER,
    is_forwarded        INTEGER NOT NULL DEFAULT 0,
    forward_from        TEXT NOT NULL DEFAULT '',
    raw_text            TEXT NOT NULL DEFAULT '',
    media_ref           TEXT NOT NULL DEFAULT '',
    media_kind          TEXT NOT NULL DEFAULT '',
    media_path          TEXT NOT NULL DEFAULT '',
    ocr_text            TEXT NOT NULL DEFAULT '',
    processed           INTEGER NOT NULL DEFAULT 0,
    analyzed            INTEGER NOT NULL DEFAULT 0,
    ingested_at         INTEGER NOT NULL,
    UNIQUE (channel_id, source_message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(processed, sent_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_unanalyzed ON messages(channel_id, analyzed, sent_at, id);

-- Upstream edits. Append-only.
CREATE TABLE IF NOT EXISTS message_edits (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id  INTEGER NOT NULL REFERENCES messages(id),
    text        TEXT NOT NULL,
    edited_at   INTEGER,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_edits_message ON message_edits(message_id, id);

-- Derived entities. Rewritten as a set per message by the enrichment stage.
CREATE TABLE IF NOT EXISTS entities (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id       INTEGER NOT NULL REFERENCES messages(id),
    kind             TEXT NOT NULL,
    raw_value        TEXT NOT NULL,
    normalized_value TEXT NOT NULL,
    confidence       REAL NOT NULL,
    created_at       INTEGER NOT NULL,
    UNIQUE (message_id, kind, raw_value)
);
CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind, normalized_value);

-- Analysis audit log. One row per chunk attempt.
CREATE TABLE IF NOT EXISTS analysis_runs (
    id                  TEXT PRIMARY KEY,
    channel_id          TEXT NOT NULL REFERENCES channels(id),
    started_at          INTEGER NOT NULL,
    finished_at         INTEGER NOT NULL,
    window_start_cursor INTEGER NOT NULL DEFAULT 0,
    window_end_cursor   INTEGER NOT NULL DEFAULT 0,
    messages_in_batch   INTEGER NOT NULL DEFAULT 0,
    estimated_tokens    INTEGER NOT NULL DEFAULT 0,
    requests_used       INTEGER NOT NULL DEFAULT 0,
    success             INTEGER NOT NULL DEFAULT 0,
    error_kind          TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    truncated           INTEGER NOT NULL DEFAULT 0,
    output_ref          TEXT NOT NULL DEFAULT '',
    report_text         TEXT NOT NULL DEFAULT '',
    citations_count     INTEGER NOT NULL DEFAULT 0,
    model               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_channel ON analysis_runs(channel_id, started_at DESC);

-- Process-wide summarizer quota. Single row.
CREATE TABLE IF NOT EXISTS quota_state (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    requests_this_minute INTEGER NOT NULL DEFAULT 0,
    minute_window_start  INTEGER NOT NULL DEFAULT 0,
    requests_today       INTEGER NOT NULL DEFAULT 0,
    day_start            INTEGER NOT NULL DEFAULT 0,
    updated_at           INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO quota_state (id) VALUES (1);

-- Advisory leases keyed by scope.
CREATE TABLE IF NOT EXISTS leases (
    scope       TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    hostname    TEXT NOT NULL DEFAULT '',
    pid         INTEGER NOT NULL DEFAULT 0,
    acquired_at INTEGER NOT NULL,
    renewed_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);

-- One row per ingest run.
CREATE TABLE IF NOT EXISTS extraction_log (
    id                TEXT PRIMARY KEY,
    channel_id        TEXT NOT NULL REFERENCES channels(id),
    started_at        INTEGER NOT NULL,
    finished_at       INTEGER NOT NULL,
    fetched           INTEGER NOT NULL DEFAULT 0,
    stored            INTEGER NOT NULL DEFAULT 0,
    skipped_duplicate INTEGER NOT NULL DEFAULT 0,
    edited            INTEGER NOT NULL DEFAULT 0,
    schema_violations INTEGER NOT NULL DEFAULT 0,
    media_failed      INTEGER NOT NULL DEFAULT 0,
    cursor_before     INTEGER NOT NULL DEFAULT 0,
    cursor_after      INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    error             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_extraction_log_channel ON extraction_log(channel_id, started_at DESC);

-- Telegram getUpdates buffer. One bot serves many chats; updates are
-- confirmed once buffered here, so each chat reads its own slice later.
CREATE TABLE IF NOT EXISTS telegram_updates (
    update_id     INTEGER PRIMARY KEY,
    chat_id       INTEGER NOT NULL,
    chat_username TEXT NOT NULL DEFAULT '',
    message_id    INTEGER NOT NULL,
    edited        INTEGER NOT NULL DEFAULT 0,
    payload       TEXT NOT NULL,
    received_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telegram_updates_chat ON telegram_updates(chat_id, message_id);
CREATE INDEX IF NOT EXISTS idx_telegram_updates_username ON telegram_updates(chat_username COLLATE NOCASE, message_id);

-- Small integer settings owned by the adapters (e.g. the getUpdates offset).
CREATE TABLE IF NOT EXISTS source_state (
    key        TEXT PRIMARY KEY,
    value      INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- FTS5 over message text and OCR output.
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    raw_text, ocr_text, content='messages', content_rowid='id',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, raw_text, ocr_text) VALUES (new.id, new.raw_text, new.ocr_text);
END;
CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE OF raw_text, ocr_text ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, raw_text, ocr_text) VALUES('delete', old.id, old.raw_text, old.ocr_text);
    INSERT INTO messages_fts(rowid, raw_text, ocr_text) VALUES (new.id, new.raw_text, new.ocr_text);
END;
`

// ApplySchema creates all tables, indexes and triggers.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
