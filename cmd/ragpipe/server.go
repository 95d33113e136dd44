package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/praxos/ragpipe/internal/api"
	"github.com/praxos/ragpipe/internal/cache"
	"github.com/praxos/ragpipe/internal/chunker"
	"github.com/praxos/ragpipe/internal/composer"
	"github.com/praxos/ragpipe/internal/config"
	"github.com/praxos/ragpipe/internal/embedding"
	"github.com/praxos/ragpipe/internal/gate"
	"github.com/praxos/ragpipe/internal/generator"
	"github.com/praxos/ragpipe/internal/ingest"
	"github.com/praxos/ragpipe/internal/pipeline"
	"github.com/praxos/ragpipe/internal/querylog"
	"github.com/praxos/ragpipe/internal/retrieval"
	"github.com/praxos/ragpipe/internal/router"
	"github.com/praxos/ragpipe/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ragpipe server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the server is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(healthURL)
		if err != nil {
			printError("server not reachable on port %d", cfg.Server.Port)
			return &connectError{cause: err}
		}
		resp.Body.Close()
		printSuccess("server is up on port %d", cfg.Server.Port)
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdio")
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "ragpipe version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	vectorStore := retrieval.NewSQLiteStore(store.DB())

	// Without an API key the pipeline runs fully offline on hashed
	// embeddings and extractive answers.
	var embedder embedding.Embedder
	if cfg.Embedding.APIKey != "" {
		embedder = embedding.NewClient(
			cfg.Embedding.BaseURL,
			cfg.Embedding.APIKey,
			cfg.Embedding.Model,
			cfg.Embedding.Dimension,
			cfg.Embedding.MaxRetries,
		)
	} else {
		slog.Warn("no embedding API key configured, using local hashed embeddings")
		embedder = embedding.NewLocalEmbedder(cfg.Embedding.Dimension)
	}

	var gen generator.Generator
	if cfg.Generator.APIKey != "" {
		gen = generator.NewClient(cfg.Generator.BaseURL, cfg.Generator.APIKey, cfg.Generator.Model, 0)
	} else {
		slog.Warn("no generator API key configured, answers fall back to extractive excerpts")
	}

	logger := querylog.New(store, vectorStore, querylog.Targets{
		MonthlyRevenueUSD: cfg.Targets.MonthlyRevenueUSD,
		ConversionRate:    cfg.Targets.ConversionRate,
	})

	liveness := func(liveCtx context.Context, ids []string) (bool, error) {
		chunks, err := vectorStore.GetChunks(liveCtx, ids)
		if err != nil {
			return false, err
		}
		return len(chunks) == len(ids), nil
	}
	answerCache := cache.New(cache.Options{
		Threshold: cfg.Cache.Threshold,
		TTL:       time.Duration(cfg.Cache.TTLSecs) * time.Second,
		Capacity:  cfg.Cache.Capacity,
	}, liveness)

	pipe := pipeline.New(
		router.New(time.Duration(cfg.Router.BudgetMS)*time.Millisecond),
		answerCache,
		embedder,
		retrieval.NewRetriever(vectorStore, embedder),
		gate.New(cfg.Gate.Pass, cfg.Gate.Retry),
		composer.New(gen, cfg.Generator.MaxTokens),
		logger,
		pipeline.Options{
			TopK:          cfg.Retrieval.TopK,
			MinSimilarity: cfg.Retrieval.MinSimilarity,
			DenseWeight:   cfg.Retrieval.DenseWeight,
			CacheEnabled:  cfg.Cache.Enabled,
			RequestBudget: time.Duration(cfg.Request.BudgetMS) * time.Millisecond,
		},
	)

	fetcher := ingest.NewFetcher(ingest.CrawlOptions{
		MaxDepth: cfg.Crawl.MaxDepth,
		MaxPages: cfg.Crawl.MaxPages,
		Delay:    time.Duration(cfg.Crawl.DelayMS) * time.Millisecond,
	})
	ingester := ingest.New(vectorStore, embedder, fetcher, ingest.Options{
		ChunkOptions: chunker.Options{
			SizeTarget: cfg.Chunking.SizeTarget,
			Overlap:    cfg.Chunking.Overlap,
		},
		MaxDocumentBytes: int64(cfg.Storage.MaxDocumentBytes),
	})

	handler := api.NewAppHandler(api.AppDeps{
		Pipeline: pipe,
		Ingester: ingester,
		Logger:   logger,
		Vectors:  vectorStore,
		Token:    cfg.Server.AuthToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline: pipe,
			Ingester: ingester,
			Logger:   logger,
			Vectors:  vectorStore,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ragpipe listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
