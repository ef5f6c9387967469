// Package mcp exposes pkmlog over the Model Context Protocol.
//
// Tools cover loading a source, guarded SQL, natural-language questions
// (only when a provider is configured), table statistics and a row
// preview. Table statistics and the schema are also published as
// resources. The server speaks stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pkmlog/internal/ingest"
	"github.com/hurttlocker/pkmlog/internal/query"
	"github.com/hurttlocker/pkmlog/internal/store"
)

// ServerConfig holds the components the tools call into.
type ServerConfig struct {
	Store    store.LogStore
	Loader   *ingest.Loader
	Opener   ingest.Opener
	Executor *query.Executor
	Asker    *query.Asker // nil disables pkm_ask
	Version  string
}

const maxPreview = 200

// dbMu serializes tool calls. mcp-go dispatches handlers concurrently and
// the store runs on a single SQLite connection, so a load must finish
// before a query sees its rows.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all pkmlog tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"pkmlog",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	if cfg.Loader != nil && cfg.Opener != nil {
		registerLoadTool(s, cfg.Loader, cfg.Opener)
	}
	registerQueryTool(s, cfg.Executor)
	if cfg.Asker != nil {
		registerAskTool(s, cfg.Asker)
	}
	registerStatsTool(s, cfg.Store)
	registerPreviewTool(s, cfg.Store)

	registerStatsResource(s, cfg.Store)
	registerSchemaResource(s, cfg.Executor)
	registerRunsResource(s, cfg.Store)

	return s
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// --- Tools ---

func registerLoadTool(s *server.MCPServer, loader *ingest.Loader, op ingest.Opener) {
	tool := mcp.NewTool("pkm_load",
		mcp.WithDescription("Load a PKM audit export (local path or s3:// URI, optionally .gz/.zst) into the table. Rolls back if the accepted ratio is below the configured threshold."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Local file path or s3://bucket/key"),
		),
		mcp.WithBoolean("truncate",
			mcp.Description("Replace the table contents in the same transaction (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		path, err := req.RequireString("path")
		if err != nil || strings.TrimSpace(path) == "" {
			return mcp.NewToolResultError("path is required"), nil
		}
		truncate := req.GetBool("truncate", false)

		rc, err := op.Open(ctx, path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("opening source: %v", err)), nil
		}
		defer rc.Close()

		res, err := loader.Load(ctx, rc, ingest.Options{Source: path, Truncate: truncate})
		if err != nil {
			var te *ingest.ThresholdError
			if errors.As(err, &te) && res != nil {
				data, _ := json.MarshalIndent(res, "", "  ")
				return mcp.NewToolResultError(fmt.Sprintf("%v\n%s", err, data)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("load error: %v", err)), nil
		}
		return jsonResult(res), nil
	})
}

func registerQueryTool(s *server.MCPServer, exec *query.Executor) {
	tool := mcp.NewTool("pkm_query",
		mcp.WithDescription("Run one read-only SELECT against the audit table. The table is also available as t. A LIMIT is added when missing."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("A single SELECT or WITH statement"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Row cap applied when the statement has no LIMIT (default: %d)", exec.MaxRows())),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql is required"), nil
		}

		e := exec
		if limitVal, err := req.RequireFloat("limit"); err == nil && int(limitVal) > 0 {
			e = exec.WithMaxRows(int(limitVal))
		}

		res, err := e.Run(ctx, sql)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query error: %v", err)), nil
		}
		return jsonResult(res), nil
	})
}

func registerAskTool(s *server.MCPServer, asker *query.Asker) {
	tool := mcp.NewTool("pkm_ask",
		mcp.WithDescription("Answer a natural-language question about the audit log. Generates a guarded SELECT, runs it and summarizes the rows."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Question about the audit data"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcp.NewToolResultError("question is required"), nil
		}

		ans, err := asker.Ask(ctx, question)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ask error: %v", err)), nil
		}
		return jsonResult(ans), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.LogStore) {
	tool := mcp.NewTool("pkm_stats",
		mcp.WithDescription("Row count, timestamp range, run count and the most recent ingest run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}
		return jsonResult(stats), nil
	})
}

func registerPreviewTool(s *server.MCPServer, st store.LogStore) {
	tool := mcp.NewTool("pkm_preview",
		mcp.WithDescription("The most recent rows by timestamp."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Number of rows (default: 10, max: %d)", maxPreview)),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 10
		if limitVal, err := req.RequireFloat("limit"); err == nil && int(limitVal) > 0 {
			limit = int(limitVal)
		}
		if limit > maxPreview {
			limit = maxPreview
		}

		rows, err := st.Preview(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("preview error: %v", err)), nil
		}
		if rows == nil {
			rows = []*store.Row{}
		}
		return jsonResult(rows), nil
	})
}
