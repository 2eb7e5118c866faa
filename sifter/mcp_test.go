package sifter

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "sifter-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := svc.MCPServer()

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func mcpToolError(t *testing.T, session *mcp.ClientSession, name string, args any) error {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result.GetError()
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, newTestService(t))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{"sifter_status", "sifter_search", "sifter_runs", "sifter_channels", "sifter_quota", "sifter_messages", "sifter_activity"} {
		if !got[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestMCP_StatusAndQuota(t *testing.T) {
	svc := newTestService(t)
	ch := seedChatter(t, svc)
	session := mcpSession(t, svc)

	var st Status
	if err := json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_status", map[string]any{})), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(st.Channels) != 1 || st.Channels[0].Channel.ID != ch.ID || st.Channels[0].Messages != 7 {
		t.Fatalf("status: %+v", st.Channels)
	}

	var q QuotaStatus
	if err := json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_quota", nil)), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if q.DailyLimit != 50 || q.Remaining != 50 {
		t.Errorf("quota: %+v", q)
	}
}

func TestMCP_ChannelsMessagesSearch(t *testing.T) {
	svc := newTestService(t)
	ch := seedChatter(t, svc)
	session := mcpSession(t, svc)

	var channels []*Channel
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_channels", map[string]any{"all": true})), &channels)
	if len(channels) != 1 || channels[0].ID != ch.ID {
		t.Fatalf("channels: %+v", channels)
	}

	var msgs []*Message
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_messages", map[string]any{"channel": "telegram:-1009", "limit": 2})), &msgs)
	if len(msgs) != 2 || msgs[0].SourceMessageID != 101 {
		t.Fatalf("messages: %+v", msgs)
	}

	var hits []*SearchResult
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_search", map[string]any{"query": "https://example.com/p/103"})), &hits)
	if len(hits) != 1 || hits[0].SourceMessageID != 103 {
		t.Fatalf("search: %+v", hits)
	}
}

func TestMCP_ToolErrors(t *testing.T) {
	// WHAT: Bad input comes back as a tool error carrying the service message, not a protocol failure.
	// WHY: Agents read the error text to correct their next call.
	session := mcpSession(t, newTestService(t))

	err := mcpToolError(t, session, "sifter_search", map[string]any{"query": "***"})
	if err == nil || !strings.Contains(err.Error(), "invalid input") {
		t.Errorf("search: got %v", err)
	}
	if err := mcpToolError(t, session, "sifter_messages", map[string]any{"channel": "ch_missing"}); err == nil {
		t.Error("unknown channel: no tool error")
	}
	if err := mcpToolError(t, session, "sifter_runs", map[string]any{"run_id": "run_missing"}); err == nil {
		t.Error("unknown run: no tool error")
	}
	if err := mcpToolError(t, session, "sifter_activity", map[string]any{"day": "monday"}); err == nil {
		t.Error("bad day: no tool error")
	}
}

func TestMCP_RunsAndActivity(t *testing.T) {
	sum := &fakeSummarizer{}
	svc := newTestService(t, WithSummarizer(sum))
	seedChatter(t, svc)
	if _, err := svc.Analyze(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	session := mcpSession(t, svc)

	var runs []*AnalysisRun
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_runs", map[string]any{"channel": "telegram:-1009"})), &runs)
	if len(runs) != 1 || !runs[0].Success {
		t.Fatalf("runs: %+v", runs)
	}
	var run AnalysisRun
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_runs", map[string]any{"run_id": runs[0].ID})), &run)
	if !strings.Contains(run.ReportText, "Executive Summary") {
		t.Errorf("run report: %q", run.ReportText)
	}

	var rep ActivityReport
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_activity", map[string]any{"day": "2025-12-07", "min_messages": 2})), &rep)
	if len(rep.Channels) != 1 || rep.Channels[0].Participants != 3 {
		t.Fatalf("activity: %+v", rep)
	}
}

func TestMCP_StreamableHTTP(t *testing.T) {
	// WHAT: The HTTP handler mounted by serve speaks MCP over streamable HTTP.
	// WHY: Remote agents reach the tools through serve, not an in-process transport.
	svc := newTestService(t)
	seedChatter(t, svc)
	ts := httptest.NewServer(svc.MCPHandler())
	defer ts.Close()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{Endpoint: ts.URL}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	var channels []*Channel
	json.Unmarshal([]byte(mcpCallTool(t, session, "sifter_channels", nil)), &channels)
	if len(channels) != 1 {
		t.Fatalf("channels over HTTP: %+v", channels)
	}
}

func TestMux_RoutesAPIAndMCP(t *testing.T) {
	svc := newTestService(t)
	ts := httptest.NewServer(svc.Mux())
	defer ts.Close()

	getJSON(t, ts, "/health", 200, nil)

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(context.Background(), &mcp.StreamableClientTransport{Endpoint: ts.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()
	if text := mcpCallTool(t, session, "sifter_quota", nil); !strings.Contains(text, `"daily_limit":50`) {
		t.Fatalf("quota over /mcp: %s", text)
	}
}
