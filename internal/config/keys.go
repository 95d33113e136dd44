package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	env   string
	typ   keyType
	apply func(cfg *Config, v any)
}

var specs = []keySpec{
	{env: "RAG_SERVER_PORT", typ: kInt, apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) }},
	{env: "RAG_AUTH_TOKEN", typ: kString, apply: func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) }},
	{env: "RAG_DATABASE_URL", typ: kString, apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) }},
	{env: "RAG_MAX_DOCUMENT_BYTES", typ: kInt, apply: func(cfg *Config, v any) { cfg.Storage.MaxDocumentBytes = v.(int) }},
	{env: "RAG_EMBEDDING_BASE_URL", typ: kString, apply: func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) }},
	{env: "RAG_EMBEDDING_API_KEY", typ: kString, apply: func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) }},
	{env: "RAG_EMBEDDING_MODEL", typ: kString, apply: func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) }},
	{env: "RAG_EMBEDDING_DIMENSION", typ: kInt, apply: func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) }},
	{env: "RAG_CHUNK_SIZE", typ: kInt, apply: func(cfg *Config, v any) { cfg.Chunking.SizeTarget = v.(int) }},
	{env: "RAG_CHUNK_OVERLAP", typ: kInt, apply: func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) }},
	{env: "RAG_TOP_K", typ: kInt, apply: func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) }},
	{env: "RAG_MIN_SIMILARITY", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) }},
	{env: "RAG_DENSE_WEIGHT", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Retrieval.DenseWeight = v.(float64) }},
	{env: "RAG_CACHE_ENABLED", typ: kBool, apply: func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) }},
	{env: "RAG_CACHE_THRESHOLD", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Cache.Threshold = v.(float64) }},
	{env: "RAG_CACHE_TTL", typ: kInt, apply: func(cfg *Config, v any) { cfg.Cache.TTLSecs = v.(int) }},
	{env: "RAG_CACHE_CAPACITY", typ: kInt, apply: func(cfg *Config, v any) { cfg.Cache.Capacity = v.(int) }},
	{env: "RAG_GATE_PASS", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Gate.Pass = v.(float64) }},
	{env: "RAG_GATE_RETRY", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Gate.Retry = v.(float64) }},
	{env: "RAG_ROUTER_BUDGET_MS", typ: kInt, apply: func(cfg *Config, v any) { cfg.Router.BudgetMS = v.(int) }},
	{env: "RAG_REQUEST_BUDGET_MS", typ: kInt, apply: func(cfg *Config, v any) { cfg.Request.BudgetMS = v.(int) }},
	{env: "RAG_GENERATOR_BASE_URL", typ: kString, apply: func(cfg *Config, v any) { cfg.Generator.BaseURL = v.(string) }},
	{env: "RAG_GENERATOR_API_KEY", typ: kString, apply: func(cfg *Config, v any) { cfg.Generator.APIKey = v.(string) }},
	{env: "RAG_GENERATOR_MODEL", typ: kString, apply: func(cfg *Config, v any) { cfg.Generator.Model = v.(string) }},
	{env: "RAG_GENERATOR_MAX_TOKENS", typ: kInt, apply: func(cfg *Config, v any) { cfg.Generator.MaxTokens = v.(int) }},
	{env: "RAG_CRAWL_MAX_DEPTH", typ: kInt, apply: func(cfg *Config, v any) { cfg.Crawl.MaxDepth = v.(int) }},
	{env: "RAG_CRAWL_MAX_PAGES", typ: kInt, apply: func(cfg *Config, v any) { cfg.Crawl.MaxPages = v.(int) }},
	{env: "RAG_CRAWL_DELAY_MS", typ: kInt, apply: func(cfg *Config, v any) { cfg.Crawl.DelayMS = v.(int) }},
	{env: "RAG_TARGET_MONTHLY_REVENUE", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Targets.MonthlyRevenueUSD = v.(float64) }},
	{env: "RAG_TARGET_CONVERSION_RATE", typ: kFloat, apply: func(cfg *Config, v any) { cfg.Targets.ConversionRate = v.(float64) }},
	{env: "RAG_LOG_LEVEL", typ: kString, apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) }},
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
