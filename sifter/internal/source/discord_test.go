package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
)

func TestDiscord_ChannelURL(t *testing.T) {
	d := NewDiscord(DiscordConfig{}, nil, nil, nil)
	got, err := d.ChannelURL("111/222")
	if err != nil || got != "https://discord.com/channels/111/222" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if got, err := d.ChannelURL("@me/333"); err != nil || got != "https://discord.com/channels/@me/333" {
		t.Fatalf("dm: got %q err=%v", got, err)
	}
	for _, bad := range []string{"222", "abc/222", "111/", "111/x"} {
		if _, err := d.ChannelURL(bad); err == nil {
			t.Errorf("ChannelURL(%q) should fail", bad)
		}
	}
}

func TestDiscord_NoBrowser(t *testing.T) {
	d := NewDiscord(DiscordConfig{}, nil, nil, nil)
	if _, err := d.FetchSince(context.Background(), "1/2", 0, 10); !errors.Is(err, errkind.SourceUnavailable) {
		t.Fatalf("got %v, want SourceUnavailable", err)
	}
}

func TestDiscord_DownloadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	d := NewDiscord(DiscordConfig{}, nil, NewDownloader(t.TempDir(), srv.Client()), nil)
	if _, err := d.DownloadMedia(context.Background(), srv.URL+"/attachments/1/2/a.png"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.DownloadMedia(context.Background(), "tg:abc"); !errors.Is(err, errkind.MediaUnavailable) {
		t.Fatalf("got %v, want MediaUnavailable", err)
	}
}

// fakeHistory renders a channel of ids through a sliding window of size
// messages, the way the web client virtualizes its list.
type fakeHistory struct {
	ids    []int64
	size   int
	opened []string
}

func historyRange(from, to int64) *fakeHistory {
	h := &fakeHistory{size: 20}
	for id := from; id <= to; id++ {
		h.ids = append(h.ids, id)
	}
	return h
}

func (h *fakeHistory) open(_ context.Context, pageURL string) (discordPage, error) {
	h.opened = append(h.opened, pageURL)
	p := &fakeDiscordPage{h: h, end: len(h.ids)}
	parts := strings.Split(strings.SplitN(pageURL, "/channels/", 2)[1], "/")
	if len(parts) == 3 {
		target, _ := strconv.ParseInt(parts[2], 10, 64)
		i := sort.Search(len(h.ids), func(i int) bool { return h.ids[i] >= target })
		p.end = min(max(i-5, 0)+h.size, len(h.ids))
	}
	return p, nil
}

type fakeDiscordPage struct {
	h   *fakeHistory
	end int
}

func (p *fakeDiscordPage) start() int { return max(p.end-p.h.size, 0) }

func (p *fakeDiscordPage) WaitFor(context.Context, string) error { return nil }

func (p *fakeDiscordPage) HTML(context.Context) (string, error) {
	var b strings.Builder
	b.WriteString(`<html><body><ol data-list-id="chat-messages">`)
	base := time.Date(2025, 12, 7, 12, 0, 0, 0, time.UTC)
	for _, id := range p.h.ids[p.start():p.end] {
		fmt.Fprintf(&b, `<li id="chat-messages-900-%d"><h3><span id="message-username-%d">whale</span>
			<time id="message-timestamp-%d" datetime="%s">t</time></h3>
			<div id="message-content-%d">post %d</div></li>`,
			id, id, id, base.Add(time.Duration(id)*time.Minute).Format(time.RFC3339), id, id)
	}
	b.WriteString(`</ol></body></html>`)
	return b.String(), nil
}

func (p *fakeDiscordPage) EvalBool(_ context.Context, js string) (bool, error) {
	switch js {
	case scrollToTopJS:
		p.end = min(max(p.end-p.h.size, p.h.size), len(p.h.ids))
	case scrollToBottomJS:
		p.end = min(p.end+p.h.size, len(p.h.ids))
	}
	return true, nil
}

func (p *fakeDiscordPage) Close() error { return nil }

func discordOver(h *fakeHistory, maxScrolls int) *Discord {
	d := NewDiscord(DiscordConfig{MaxScrolls: maxScrolls, ScrollWait: time.Millisecond}, nil, nil, nil)
	d.open = h.open
	return d
}

func idRange(msgs []RawMessage) string {
	if len(msgs) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d..%d (%d)", msgs[0].ID, msgs[len(msgs)-1].ID, len(msgs))
}

func TestDiscord_FetchSince_ScrollsBackToCursor(t *testing.T) {
	// WHAT: Scrolling up until the cursor is rendered returns every message above it.
	// WHY: The client only renders the newest window on open.
	h := historyRange(1, 100)
	got, err := discordOver(h, 5).FetchSince(context.Background(), "1/2", 30, 0)
	if err != nil {
		t.Fatal(err)
	}
	if idRange(got) != "31..100 (70)" {
		t.Fatalf("got %s", idRange(got))
	}
	if len(h.opened) != 1 {
		t.Errorf("opened %v, want only the channel", h.opened)
	}
}

func TestDiscord_FetchSince_JumpClosesGap(t *testing.T) {
	// WHAT: When the scroll budget runs out, a jump to the cursor fills the rest of the backlog.
	// WHY: The cursor would otherwise skip the messages between it and the newest window.
	h := historyRange(1, 100)
	got, err := discordOver(h, 3).FetchSince(context.Background(), "1/2", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if idRange(got) != "11..100 (90)" {
		t.Fatalf("got %s", idRange(got))
	}
	if len(h.opened) != 2 || !strings.HasSuffix(h.opened[1], "/channels/1/2/10") {
		t.Errorf("opened %v, want a jump to message 10", h.opened)
	}
}

func TestDiscord_FetchSince_TruncatedReturnsOldestWindow(t *testing.T) {
	// WHAT: A backlog too deep for the scroll budget yields the contiguous window above the cursor and HistoryTruncated.
	// WHY: Returning the newest window would move the cursor past unread history.
	h := historyRange(1, 300)
	got, err := discordOver(h, 2).FetchSince(context.Background(), "1/2", 50, 0)
	if !errors.Is(err, errkind.HistoryTruncated) {
		t.Fatalf("got %v, want HistoryTruncated", err)
	}
	if idRange(got) != "51..104 (54)" {
		t.Fatalf("got %s", idRange(got))
	}

	limited, err := discordOver(historyRange(1, 300), 2).FetchSince(context.Background(), "1/2", 50, 10)
	if err != nil {
		t.Fatalf("limit filled from the jump: %v", err)
	}
	if idRange(limited) != "51..60 (10)" {
		t.Fatalf("limited: %s", idRange(limited))
	}
}

func TestDiscord_FetchSince_CursorNotRendered(t *testing.T) {
	// WHAT: A jump that cannot render the cursor fails as SourceUnavailable.
	// WHY: Without an anchor the gap size is unknown and the cursor must stay put.
	h := historyRange(200, 300)
	got, err := discordOver(h, 1).FetchSince(context.Background(), "1/2", 50, 0)
	if !errors.Is(err, errkind.SourceUnavailable) || got != nil {
		t.Fatalf("got %s err=%v, want SourceUnavailable", idRange(got), err)
	}
}
