package sifter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func getJSON(t *testing.T, srv *httptest.Server, path string, want int, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d: %s", path, resp.StatusCode, want, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("GET %s: decode: %v", path, err)
		}
	}
}

func TestAPI_ReadEndpoints(t *testing.T) {
	// WHAT: The read-only API serves health, channels, messages, quota, runs, search and metrics.
	// WHY: serve is the only view into a scheduled deployment.
	src := &fakeSource{platform: PlatformTelegram, msgs: messages(1, 4)}
	svc := newTestService(t, WithSource(src))
	ctx := context.Background()
	ch, _ := svc.AddChannel(ctx, PlatformTelegram, "-1009", "Alpha")
	if _, err := svc.Ingest(ctx, IngestRequest{}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	getJSON(t, srv, "/health", http.StatusOK, nil)

	var channels []*Channel
	getJSON(t, srv, "/channels", http.StatusOK, &channels)
	if len(channels) != 1 || channels[0].ID != ch.ID {
		t.Fatalf("channels: %+v", channels)
	}

	var msgs []*Message
	getJSON(t, srv, "/channels/"+ch.ID+"/messages?limit=3&processed=false", http.StatusOK, &msgs)
	if len(msgs) != 3 {
		t.Fatalf("messages: %d", len(msgs))
	}
	getJSON(t, srv, "/channels/ch_nope/messages", http.StatusNotFound, nil)

	var q QuotaStatus
	getJSON(t, srv, "/quota", http.StatusOK, &q)
	if q.DailyLimit != 50 || q.Remaining != 50 {
		t.Fatalf("quota: %+v", q)
	}

	var st Status
	getJSON(t, srv, "/status", http.StatusOK, &st)
	if st.Unprocessed != 4 || len(st.Channels) != 1 {
		t.Fatalf("status: %+v", st)
	}

	var runs []*AnalysisRun
	getJSON(t, srv, "/runs", http.StatusOK, &runs)
	if len(runs) != 0 {
		t.Fatalf("runs: %+v", runs)
	}
	getJSON(t, srv, "/runs/run_missing", http.StatusNotFound, nil)

	var hits []*SearchResult
	getJSON(t, srv, "/search?q=message", http.StatusOK, &hits)
	if len(hits) != 4 {
		t.Fatalf("hits: %d", len(hits))
	}
	getJSON(t, srv, "/search", http.StatusBadRequest, nil)
	getJSON(t, srv, "/search?q=https%3A%2F%2Fx.y", http.StatusOK, &hits)
	getJSON(t, srv, "/search?q=%2A%2A%2A", http.StatusBadRequest, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "sifter_messages_ingested_total") {
		t.Fatalf("metrics missing ingest counter")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
}

func TestAPI_Activity(t *testing.T) {
	svc := newTestService(t)
	seedChatter(t, svc)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	var rep ActivityReport
	getJSON(t, srv, "/activity?day=2025-12-07&min=2", http.StatusOK, &rep)
	if len(rep.Channels) != 1 || rep.Channels[0].Participants != 3 || rep.MinMessages != 2 {
		t.Fatalf("activity: %+v", rep)
	}
	getJSON(t, srv, "/activity?day=yesterday", http.StatusBadRequest, nil)
}
