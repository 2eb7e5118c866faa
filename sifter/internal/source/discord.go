package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/browser"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
)

const (
	discordListSelector = `[data-list-id="chat-messages"]`

	// scrollToTopJS scrolls the message list's scroller to its top, which
	// makes the client load older history.
	scrollToTopJS = `() => {
		let el = document.querySelector('[data-list-id="chat-messages"]');
		while (el && el.scrollHeight <= el.clientHeight) el = el.parentElement;
		if (!el) return false;
		el.scrollTop = 0;
		return true;
	}`

	// scrollToBottomJS scrolls the same scroller to its end, which loads
	// newer history after a jump to an old message.
	scrollToBottomJS = `() => {
		let el = document.querySelector('[data-list-id="chat-messages"]');
		while (el && el.scrollHeight <= el.clientHeight) el = el.parentElement;
		if (!el) return false;
		el.scrollTop = el.scrollHeight;
		return true;
	}`
)

// discordPage is the part of a browser tab the reader drives.
type discordPage interface {
	WaitFor(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	EvalBool(ctx context.Context, js string) (bool, error)
	Close() error
}

// DiscordConfig configures the web-client adapter.
type DiscordConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MaxScrolls  int           `yaml:"max_scrolls"`
	ScrollWait  time.Duration `yaml:"scroll_wait"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

func (c *DiscordConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://discord.com"
	}
	if c.MaxScrolls <= 0 {
		c.MaxScrolls = 30
	}
	if c.ScrollWait <= 0 {
		c.ScrollWait = 1500 * time.Millisecond
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 60 * time.Second
	}
}

// Discord reads a channel through the logged-in web client. The channel's
// external id is "<guild_id>/<channel_id>".
type Discord struct {
	cfg        DiscordConfig
	mgr        *browser.Manager
	parser     *discordParser
	downloader *Downloader
	logger     *slog.Logger
	open       func(ctx context.Context, pageURL string) (discordPage, error)
}

// NewDiscord creates the adapter over a browser manager whose profile holds
// the Discord session.
func NewDiscord(cfg DiscordConfig, mgr *browser.Manager, downloader *Downloader, logger *slog.Logger) *Discord {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{cfg: cfg, mgr: mgr, parser: newDiscordParser(), downloader: downloader, logger: logger}
	d.open = d.openTab
	return d
}

func (d *Discord) openTab(ctx context.Context, pageURL string) (discordPage, error) {
	if d.mgr == nil {
		return nil, fmt.Errorf("%w: discord: no browser configured", errkind.SourceUnavailable)
	}
	tab, err := browser.OpenTab(ctx, d.mgr, pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: discord: %w", errkind.SourceUnavailable, err)
	}
	return tab, nil
}

func (d *Discord) Platform() string { return "discord" }

// ChannelURL returns the web client URL for an external id.
func (d *Discord) ChannelURL(externalID string) (string, error) {
	guild, channel, ok := strings.Cut(externalID, "/")
	if !ok {
		return "", fmt.Errorf("discord channel id %q: want <guild_id>/<channel_id>", externalID)
	}
	if _, ok := parseSnowflake(guild); !ok && guild != "@me" {
		return "", fmt.Errorf("discord guild id %q is not numeric", guild)
	}
	if _, ok := parseSnowflake(channel); !ok {
		return "", fmt.Errorf("discord channel id %q is not numeric", channel)
	}
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/channels/" + guild + "/" + channel, nil
}

// FetchSince opens the channel, scrolls back until the rendered history
// reaches cursor or MaxScrolls is spent, and returns the messages above
// cursor, oldest first.
//
// When the backward scroll runs out first, the reader jumps to the cursor
// message and scrolls forward. If that closes the gap the whole backlog is
// returned. Otherwise only the contiguous window right above the cursor is
// returned, together with a HistoryTruncated error; the next run resumes
// from there.
func (d *Discord) FetchSince(ctx context.Context, externalID string, cursor int64, limit int) ([]RawMessage, error) {
	pageURL, err := d.ChannelURL(externalID)
	if err != nil {
		return nil, err
	}

	newest, reached, err := d.read(ctx, pageURL, scrollToTopJS, func(page []RawMessage, _ map[int64]RawMessage) bool {
		return len(page) == 0 || page[0].ID <= cursor
	})
	if err != nil {
		return nil, err
	}
	if reached || cursor <= 0 {
		return windowAbove(newest, cursor, limit), nil
	}
	floor := lowestID(newest)

	anchored := false
	older, closed, err := d.read(ctx, pageURL+"/"+strconv.FormatInt(cursor, 10), scrollToBottomJS,
		func(page []RawMessage, seen map[int64]RawMessage) bool {
			if !anchored {
				anchored = len(page) > 0 && page[0].ID <= cursor
				if !anchored {
					return true
				}
			}
			if len(page) == 0 || page[len(page)-1].ID >= floor {
				return true
			}
			return limit > 0 && countAbove(seen, cursor) >= limit
		})
	if err != nil {
		return nil, err
	}
	if !anchored {
		return nil, fmt.Errorf("%w: discord %s: jump to message %d did not render it; history gap left open",
			errkind.SourceUnavailable, externalID, cursor)
	}
	if closed {
		for id, m := range newest {
			older[id] = m
		}
		return windowAbove(older, cursor, limit), nil
	}

	out := windowAbove(older, cursor, limit)
	d.logger.Warn("discord: history above cursor only partly read",
		"channel", externalID, "cursor", cursor, "returned", len(out), "max_scrolls", d.cfg.MaxScrolls)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: discord %s: nothing rendered above message %d", errkind.SourceUnavailable, externalID, cursor)
	}
	return out, fmt.Errorf("%w: discord %s: %d scrolls did not reach the newest messages; stopped at %d",
		errkind.HistoryTruncated, externalID, d.cfg.MaxScrolls, out[len(out)-1].ID)
}

// read opens pageURL, then alternates parsing the rendered list and running
// scrollJS until done reports true, MaxScrolls is spent or scrolling stops
// loading anything new. It reports whether done was reached.
func (d *Discord) read(ctx context.Context, pageURL, scrollJS string, done func(page []RawMessage, seen map[int64]RawMessage) bool) (map[int64]RawMessage, bool, error) {
	tab, err := d.open(ctx, pageURL)
	if err != nil {
		return nil, false, err
	}
	defer tab.Close()

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.LoadTimeout)
	err = tab.WaitFor(waitCtx, discordListSelector)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("%w: discord message list did not load (session expired?): %w", errkind.SourceUnavailable, err)
	}

	collected := make(map[int64]RawMessage)
	for scroll := 0; ; scroll++ {
		doc, err := tab.HTML(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("%w: discord: %w", errkind.SourceUnavailable, err)
		}
		msgs, err := d.parser.Parse(doc)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", errkind.SchemaViolation, err)
		}
		before := len(collected)
		for _, m := range msgs {
			collected[m.ID] = m
		}
		if done(msgs, collected) {
			return collected, true, nil
		}
		if scroll >= d.cfg.MaxScrolls || (scroll > 0 && len(collected) == before) {
			return collected, false, nil
		}
		if ok, err := tab.EvalBool(ctx, scrollJS); err != nil || !ok {
			return collected, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(d.cfg.ScrollWait):
		}
	}
}

func windowAbove(msgs map[int64]RawMessage, cursor int64, limit int) []RawMessage {
	out := make([]RawMessage, 0, len(msgs))
	for id, m := range msgs {
		if id > cursor {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func countAbove(msgs map[int64]RawMessage, cursor int64) int {
	n := 0
	for id := range msgs {
		if id > cursor {
			n++
		}
	}
	return n
}

func lowestID(msgs map[int64]RawMessage) int64 {
	var low int64
	for id := range msgs {
		if low == 0 || id < low {
			low = id
		}
	}
	return low
}

// DownloadMedia fetches a Discord CDN attachment.
func (d *Discord) DownloadMedia(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("%w: not an attachment url: %q", errkind.MediaUnavailable, ref)
	}
	if d.downloader == nil {
		return "", fmt.Errorf("%w: no media downloader", errkind.MediaUnavailable)
	}
	return d.downloader.Fetch(ctx, ref)
}

// Close shuts the browser down.
func (d *Discord) Close() error {
	if d.mgr == nil {
		return nil
	}
	return d.mgr.Close()
}
