package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/praxos/ragpipe/internal/ingest"
	"github.com/praxos/ragpipe/internal/pipeline"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline *pipeline.Pipeline
	Ingester *ingest.Ingester
	Logger   *querylog.Logger
	Vectors  retrieval.VectorStore
}

// NewMCPServer creates an MCP server exposing the pipeline as agent tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ragpipe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ragpipe: retrieval-augmented answers with citations over the ingested knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("rag_query",
			mcp.WithDescription("Answer a question from the knowledge base with cited sources. Abstains when the sources are insufficient."),
			mcp.WithString("query", mcp.Description("Natural-language question"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Maximum number of citations (default 5)")),
			mcp.WithString("session_id", mcp.Description("Conversation session id for follow-up rewriting")),
			mcp.WithString("agent_id", mcp.Description("Calling agent identifier for attribution")),
		),
		mcpQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("rag_ingest",
			mcp.WithDescription("Fetch a URL and add its content to the knowledge base. Re-ingesting a URL replaces the previous version."),
			mcp.WithString("url", mcp.Description("HTTP or HTTPS URL to ingest"), mcp.Required()),
			mcp.WithBoolean("crawl", mcp.Description("Follow same-origin links breadth-first (default false)")),
		),
		mcpIngest(deps),
	)

	s.AddTool(
		mcp.NewTool("rag_explain",
			mcp.WithDescription("Explain how a past query was answered: route, cache, retrieved chunks with scores, and attributed business events."),
			mcp.WithString("query_id", mcp.Description("Query id returned by rag_query"), mcp.Required()),
		),
		mcpExplain(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"rag://documents",
			"Ingested Documents",
			mcp.WithResourceDescription("Most recently ingested documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		k := req.GetInt("k", 0)
		if k < 0 || k > 50 {
			k = 0
		}

		resp, err := deps.Pipeline.Answer(ctx, pipeline.Request{
			Query:     query,
			AgentID:   req.GetString("agent_id", "mcp"),
			SessionID: req.GetString("session_id", ""),
			K:         k,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		citations := make([]queryCitation, len(resp.Citations))
		for i, c := range resp.Citations {
			citations[i] = queryCitation{
				ChunkID:       c.ChunkID,
				DocumentTitle: c.DocumentTitle,
				DocumentURI:   c.DocumentURI,
				Excerpt:       c.Excerpt,
				Rank:          c.Rank,
				Score:         c.Score,
			}
		}
		b, err := json.Marshal(queryResponse{
			QueryID:         resp.QueryID,
			Answer:          resp.Answer,
			Citations:       citations,
			Route:           resp.Route,
			Cached:          resp.Cached,
			CacheSimilarity: resp.CacheSimilarity,
			LatencyMS:       resp.LatencyMS,
			Degraded:        resp.Degraded,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawURL, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		if req.GetBool("crawl", false) {
			results, err := deps.Ingester.Crawl(ctx, rawURL, "")
			if err != nil {
				return mcpError(fmt.Sprintf("crawl failed: %v", err)), nil
			}
			total := 0
			for _, res := range results {
				total += res.Chunks
			}
			return mcpText(fmt.Sprintf("Ingested %d documents (%d chunks) from %s", len(results), total, rawURL)), nil
		}

		result, err := deps.Ingester.IngestURL(ctx, rawURL, "")
		if err != nil {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Ingested document %s (%d chunks)", result.DocumentID, result.Chunks)), nil
	}
}

func mcpExplain(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		queryID, err := req.RequireString("query_id")
		if err != nil {
			return mcpError("query_id is required"), nil
		}

		exp, err := deps.Logger.Explain(ctx, queryID)
		if err != nil {
			return mcpError(fmt.Sprintf("explain failed: %v", err)), nil
		}

		b, err := json.Marshal(exp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal explanation: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Vectors.ListDocuments(ctx, 20, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		summaries := make([]documentSummary, len(docs))
		for i, d := range docs {
			summaries[i] = documentSummary{
				ID:         d.ID,
				URI:        d.URI,
				Title:      d.Title,
				Kind:       d.Kind,
				IngestedAt: d.IngestedAt.UTC().Format("2006-01-02T15:04:05Z"),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
