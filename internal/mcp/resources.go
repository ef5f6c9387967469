package mcp

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/pkmlog/internal/query"
	"github.com/hurttlocker/pkmlog/internal/store"
)

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func registerStatsResource(s *server.MCPServer, st store.LogStore) {
	resource := mcp.NewResource(
		"pkmlog://stats",
		"Table Statistics",
		mcp.WithResourceDescription("Row count, timestamp range and the last ingest run of the audit table."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		return jsonContents(req.Params.URI, stats)
	})
}

func registerSchemaResource(s *server.MCPServer, exec *query.Executor) {
	resource := mcp.NewResource(
		"pkmlog://schema",
		"Table Schema",
		mcp.WithResourceDescription("Columns of the audit table as seen by pkm_query (table alias t)."),
		mcp.WithMIMEType("text/plain"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		text, err := exec.SchemaText(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     text,
			},
		}, nil
	})
}

func registerRunsResource(s *server.MCPServer, st store.LogStore) {
	resource := mcp.NewResource(
		"pkmlog://runs",
		"Recent Ingest Runs",
		mcp.WithResourceDescription("The 20 most recent ingest runs, newest first."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runs, err := st.ListRuns(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		if runs == nil {
			runs = []*store.RunRecord{}
		}
		return jsonContents(req.Params.URI, runs)
	})
}
