package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/praxos/ragpipe/internal/ingest"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <path-or-url>",
	Short: "Ingest a URL, file, or directory into the knowledge base",
	Long: `Ingest a URL, file, or directory into the knowledge base.

Examples:
  ragpipe ingest https://example.com/docs/intro
  ragpipe ingest https://example.com/docs --recursive
  ragpipe ingest ./notes.md
  ragpipe ingest ./docs --recursive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		recursive, _ := cmd.Flags().GetBool("recursive")
		metadata, _ := cmd.Flags().GetString("metadata")

		if metadata != "" && !json.Valid([]byte(metadata)) {
			return usageErrorf("--metadata must be valid JSON, got %q", metadata)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			return ingestURL(ctx, client, target, metadata, recursive)
		}
		return ingestPath(ctx, client, target, metadata, recursive)
	},
}

func init() {
	ingestCmd.Flags().Bool("recursive", false, "crawl same-origin links, or walk a directory")
	ingestCmd.Flags().String("metadata", "", "JSON object attached to the ingested documents")
}

func ingestURL(ctx context.Context, client *apiClient, target, metadata string, crawl bool) error {
	body := map[string]any{"url": target, "crawl": crawl}
	if metadata != "" {
		body["metadata"] = json.RawMessage(metadata)
	}

	resp, err := client.post(ctx, "/ingest_url", body)
	if err != nil {
		return err
	}

	if crawl {
		var result struct {
			Documents []ingest.Result `json:"documents"`
			Chunks    int             `json:"chunks"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Ingested %d documents (%d chunks)", len(result.Documents), result.Chunks)
		return nil
	}

	var result ingest.Result
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Ingested %s (%d chunks)", result.DocumentID, result.Chunks)
	return nil
}

func ingestPath(ctx context.Context, client *apiClient, target, metadata string, recursive bool) error {
	info, err := os.Stat(target)
	if err != nil {
		return usageErrorf("cannot read %s: %v", target, err)
	}

	if !info.IsDir() {
		result, err := uploadFile(ctx, client, target, metadata)
		if err != nil {
			return err
		}
		printSuccess("Ingested %s (%d chunks)", result.DocumentID, result.Chunks)
		return nil
	}

	if !recursive {
		return usageErrorf("%s is a directory, use --recursive to ingest it", target)
	}

	var files, chunks int
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != target {
				return filepath.SkipDir
			}
			return nil
		}
		if _, kindErr := ingest.KindForFilename(path); kindErr != nil {
			return nil
		}
		result, err := uploadFile(ctx, client, path, metadata)
		if err != nil {
			printWarning("skipping %s: %v", path, err)
			return nil
		}
		files++
		chunks += result.Chunks
		return nil
	})
	if err != nil {
		return err
	}
	printSuccess("Ingested %d files (%d chunks)", files, chunks)
	return nil
}

func uploadFile(ctx context.Context, client *apiClient, path, metadata string) (ingest.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Result{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return ingest.Result{}, err
	}
	if _, err := part.Write(data); err != nil {
		return ingest.Result{}, err
	}
	if metadata != "" {
		if err := mw.WriteField("metadata", metadata); err != nil {
			return ingest.Result{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return ingest.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/ingest_file", &buf)
	if err != nil {
		return ingest.Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return ingest.Result{}, &connectError{cause: err}
	}

	var result ingest.Result
	if err := decodeJSON(resp, &result); err != nil {
		return ingest.Result{}, err
	}
	return result, nil
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question and get a cited answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		sessionID, _ := cmd.Flags().GetString("session")
		agentID, _ := cmd.Flags().GetString("agent")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"query": question}
		if k > 0 {
			body["k"] = k
		}
		if sessionID != "" {
			body["session_id"] = sessionID
		}
		if agentID != "" {
			body["agent_id"] = agentID
		}

		resp, err := client.post(cmd.Context(), "/query", body)
		if err != nil {
			return err
		}

		var result struct {
			QueryID   string `json:"query_id"`
			Answer    string `json:"answer"`
			Citations []struct {
				ChunkID       string  `json:"chunk_id"`
				DocumentTitle string  `json:"document_title"`
				DocumentURI   string  `json:"document_uri"`
				Rank          int     `json:"rank"`
				Score         float64 `json:"score"`
			} `json:"citations"`
			Route     string `json:"route"`
			Cached    bool   `json:"cached"`
			LatencyMS int64  `json:"latency_ms"`
			Degraded  bool   `json:"degraded"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Println(result.Answer)
		if len(result.Citations) > 0 {
			fmt.Println()
			for _, c := range result.Citations {
				fmt.Printf("  [%d] %s (%s) score=%.2f\n", c.Rank, c.DocumentTitle, c.DocumentURI, c.Score)
			}
		}
		printStatus("query_id", "%s", result.QueryID)
		printStatus("route", "%s", result.Route)
		printStatus("latency", "%dms cached=%v", result.LatencyMS, result.Cached)
		if result.Degraded {
			printWarning("answer is degraded (generator unavailable, extractive fallback)")
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Int("k", 0, "maximum number of citations")
	queryCmd.Flags().String("session", "", "session id for follow-up questions")
	queryCmd.Flags().String("agent", "cli", "agent id recorded for attribution")
	queryCmd.Flags().Bool("json", false, "print the raw response as JSON")
}

// --- explain ---

var explainCmd = &cobra.Command{
	Use:   "explain <query_id>",
	Short: "Show how a past query was routed, retrieved, and gated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/explain/"+args[0])
		if err != nil {
			return err
		}

		var exp querylog.Explanation
		if err := decodeJSON(resp, &exp); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(exp)
		}

		fmt.Printf("%s %q\n", colorize(colorBold, "query"), exp.Query)
		printStatus("route", "%s", exp.Route)
		if exp.Cached {
			printStatus("cache", "hit (similarity %.3f)", exp.CacheSimilarity)
		} else {
			printStatus("cache", "miss")
		}
		printStatus("gate", "%s (score %.3f, %s)", exp.QualityAction, exp.QualityScore, exp.QualityReason)
		printStatus("latency", "%dms", exp.LatencyMS)
		for _, c := range exp.Chunks {
			fmt.Printf("\n  [%d] %s (%s)\n", c.Rank, c.DocumentTitle, c.DocumentURI)
			fmt.Printf("      similarity=%.3f weight=%.2f\n", c.Similarity, c.FeedbackWeight)
			fmt.Printf("      %s\n", c.WhySelected)
		}
		for _, ev := range exp.Events {
			fmt.Printf("\n  event %s value=%.2f at %s\n", ev.EventType, ev.EventValue, ev.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	explainCmd.Flags().Bool("json", false, "print the raw explanation as JSON")
}

// --- roi ---

var roiCmd = &cobra.Command{
	Use:   "roi",
	Short: "Show the ROI dashboard for a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return usageErrorf("--days must be positive, got %d", days)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/roi_dashboard?days=%d", days))
		if err != nil {
			return err
		}

		var report storage.ROIReport
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("%s last %d days\n", colorize(colorBold, "ROI"), report.WindowDays)
		printStatus("queries", "%d total, %d cached (%.0f%% hit rate)",
			report.TotalQueries, report.CachedQueries, report.CacheHitRate*100)
		printStatus("latency", "cached p50 %dms / uncached p50 %dms",
			report.P50LatencyCachedMS, report.P50LatencyUncachedMS)
		printStatus("conversions", "%d converted of %d high-intent (%.0f%% overall rate)",
			report.Converted, report.HighIntentQueries, report.ConversionRate*100)
		printStatus("revenue", "$%.2f attributed", report.TotalRevenueUSD)
		if report.TargetRevenueUSD > 0 {
			printStatus("vs target", "%.0f%% of $%.2f", report.RevenueVsTargetPct, report.TargetRevenueUSD)
		}
		for _, agent := range report.TopAgents {
			fmt.Printf("  %s $%.2f over %d queries\n", agent.AgentID, agent.RevenueUSD, agent.Queries)
		}
		return nil
	},
}

func init() {
	roiCmd.Flags().Int("days", 30, "window size in days")
	roiCmd.Flags().Bool("json", false, "print the raw report as JSON")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <chunk_id>",
	Short: "Mark a cited chunk as helpful or not",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		helpful, _ := cmd.Flags().GetBool("helpful")
		notHelpful, _ := cmd.Flags().GetBool("not-helpful")
		queryID, _ := cmd.Flags().GetString("query")

		if helpful == notHelpful {
			return usageErrorf("exactly one of --helpful or --not-helpful is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback", map[string]any{
			"query_id": queryID,
			"chunk_id": args[0],
			"helpful":  helpful,
		})
		if err != nil {
			return err
		}

		var result struct {
			FeedbackWeight float64 `json:"feedback_weight"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Feedback recorded, chunk weight is now %.2f", result.FeedbackWeight)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().Bool("helpful", false, "the chunk helped answer the question")
	feedbackCmd.Flags().Bool("not-helpful", false, "the chunk was irrelevant or misleading")
	feedbackCmd.Flags().String("query", "", "query id the feedback refers to")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}

		var listing struct {
			Documents []struct {
				ID         string `json:"id"`
				URI        string `json:"uri"`
				Title      string `json:"title"`
				Kind       string `json:"kind"`
				IngestedAt string `json:"ingested_at"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		if len(listing.Documents) == 0 {
			fmt.Println("no documents")
			return nil
		}
		for _, d := range listing.Documents {
			fmt.Printf("%s  %-10s %s  %s\n", d.ID, d.Kind, d.IngestedAt, d.URI)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var ack map[string]bool
		if err := decodeJSON(resp, &ack); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 50, "maximum documents to list")
	documentsListCmd.Flags().Int("offset", 0, "listing offset")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}
