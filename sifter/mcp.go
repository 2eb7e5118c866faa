package sifter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpImplementation identifies the server to MCP clients.
var mcpImplementation = &mcp.Implementation{Name: "signalsifter", Version: "1.0.0"}

// RegisterMCP registers the read-only sifter tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerStatus(srv)
	svc.registerQuota(srv)
	svc.registerChannels(srv)
	svc.registerMessages(srv)
	svc.registerSearch(srv)
	svc.registerRuns(srv)
	svc.registerActivity(srv)
}

// MCPServer returns a new MCP server carrying every sifter tool.
func (svc *Service) MCPServer() *mcp.Server {
	srv := mcp.NewServer(mcpImplementation, nil)
	svc.RegisterMCP(srv)
	return srv
}

// MCPHandler serves the sifter tools over streamable HTTP.
func (svc *Service) MCPHandler() http.Handler {
	srv := svc.MCPServer()
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool adds tool to srv. Arguments decode into a fresh Req, the
// endpoint's response goes back as JSON text and its error as a tool error.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		resp, err := endpoint(ctx, &p)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

type noArgs struct{}

func (svc *Service) registerStatus(srv *mcp.Server) {
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_status",
		Description: "Per-channel message, backlog and entity counts with the last ingest and analysis run, plus quota usage and held locks",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *noArgs) (any, error) {
		return svc.Status(ctx)
	})
}

func (svc *Service) registerQuota(srv *mcp.Server) {
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_quota",
		Description: "Summarizer requests used today and this minute against their limits",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, func(ctx context.Context, _ *noArgs) (any, error) {
		return svc.Quota(ctx)
	})
}

func (svc *Service) registerChannels(srv *mcp.Server) {
	type req struct {
		All bool `json:"all"`
	}
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_channels",
		Description: "List registered channels with their ingest and analysis cursors",
		InputSchema: inputSchema(map[string]any{
			"all": map[string]any{"type": "boolean", "description": "Include deactivated channels"},
		}, nil),
	}, func(ctx context.Context, p *req) (any, error) {
		list, err := svc.ListChannels(ctx, !p.All)
		return nonNil(list), err
	})
}

func (svc *Service) registerMessages(srv *mcp.Server) {
	type req struct {
		Channel string `json:"channel"`
		Since   int64  `json:"since"`
		Until   int64  `json:"until"`
		Limit   int    `json:"limit"`
	}
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_messages",
		Description: "List a channel's stored messages, oldest first",
		InputSchema: inputSchema(map[string]any{
			"channel": map[string]any{"type": "string", "description": "Channel id or platform:external_id"},
			"since":   map[string]any{"type": "integer", "description": "First send time included, Unix ms"},
			"until":   map[string]any{"type": "integer", "description": "First send time excluded, Unix ms"},
			"limit":   map[string]any{"type": "integer", "description": "Max messages (default 100)"},
		}, []string{"channel"}),
	}, func(ctx context.Context, p *req) (any, error) {
		msgs, err := svc.Messages(ctx, p.Channel, MessageFilter{Since: p.Since, Until: p.Until, Limit: p.Limit})
		return nonNil(msgs), err
	})
}

func (svc *Service) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_search",
		Description: "Full-text search over message text and image OCR text",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Words to find; a trailing * matches a prefix"},
			"limit": map[string]any{"type": "integer", "description": "Max results (default 20)"},
		}, []string{"query"}),
	}, func(ctx context.Context, p *req) (any, error) {
		if p.Limit <= 0 {
			p.Limit = 20
		}
		hits, err := svc.Search(ctx, p.Query, p.Limit)
		return nonNil(hits), err
	})
}

func (svc *Service) registerRuns(srv *mcp.Server) {
	type req struct {
		RunID   string `json:"run_id"`
		Channel string `json:"channel"`
		Limit   int    `json:"limit"`
	}
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_runs",
		Description: "List analysis runs newest first, or fetch one run with its report text",
		InputSchema: inputSchema(map[string]any{
			"run_id":  map[string]any{"type": "string", "description": "Return this run with its report"},
			"channel": map[string]any{"type": "string", "description": "Only runs of this channel"},
			"limit":   map[string]any{"type": "integer", "description": "Max runs listed (default 20)"},
		}, nil),
	}, func(ctx context.Context, p *req) (any, error) {
		if p.RunID != "" {
			run, err := svc.Run(ctx, p.RunID)
			if err == nil && run == nil {
				err = errors.New("run not found")
			}
			return run, err
		}
		if p.Limit <= 0 {
			p.Limit = 20
		}
		runs, err := svc.Runs(ctx, p.Channel, p.Limit)
		return nonNil(runs), err
	})
}

func (svc *Service) registerActivity(srv *mcp.Server) {
	type req struct {
		Day         string `json:"day"`
		MinMessages int    `json:"min_messages"`
	}
	registerTool(srv, &mcp.Tool{
		Name:        "sifter_activity",
		Description: "Rank channels by engagement (participants, messages, replies) over one day",
		InputSchema: inputSchema(map[string]any{
			"day":          map[string]any{"type": "string", "description": "YYYY-MM-DD in the analysis timezone (default today)"},
			"min_messages": map[string]any{"type": "integer", "description": "Messages a channel needs to be ranked"},
		}, nil),
	}, func(ctx context.Context, p *req) (any, error) {
		return svc.Activity(ctx, ActivityRequest{Day: p.Day, MinMessages: p.MinMessages})
	})
}
