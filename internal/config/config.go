package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Cache     CacheConfig
	Gate      GateConfig
	Router    RouterConfig
	Request   RequestConfig
	Generator GeneratorConfig
	Crawl     CrawlConfig
	Targets   TargetConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string // optional; empty disables bearer auth
}

type StorageConfig struct {
	DataDir          string
	MaxDocumentBytes int
}

type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	MaxRetries int
}

type ChunkingConfig struct {
	SizeTarget int
	Overlap    int
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
	DenseWeight   float64
}

type CacheConfig struct {
	Enabled   bool
	Threshold float64
	TTLSecs   int
	Capacity  int
}

type GateConfig struct {
	Pass  float64
	Retry float64
}

type RouterConfig struct {
	BudgetMS int
}

type RequestConfig struct {
	BudgetMS int
}

type GeneratorConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

type CrawlConfig struct {
	MaxDepth int
	MaxPages int
	DelayMS  int
}

// TargetConfig holds declared business targets that the ROI dashboard
// compares actuals against.
type TargetConfig struct {
	MonthlyRevenueUSD float64
	ConversionRate    float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir:          defaultDataDir(),
			MaxDocumentBytes: 10 << 20,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimension:  1536,
			MaxRetries: 3,
		},
		Chunking: ChunkingConfig{
			SizeTarget: 1000,
			Overlap:    200,
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MinSimilarity: 0.3,
			DenseWeight:   0.7,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Threshold: 0.95,
			TTLSecs:   3600,
			Capacity:  1000,
		},
		Gate: GateConfig{
			Pass:  0.60,
			Retry: 0.40,
		},
		Router: RouterConfig{
			BudgetMS: 200,
		},
		Request: RequestConfig{
			BudgetMS: 10_000,
		},
		Generator: GeneratorConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 1024,
		},
		Crawl: CrawlConfig{
			MaxDepth: 2,
			MaxPages: 50,
			DelayMS:  500,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragpipe"
	}
	return filepath.Join(home, ".ragpipe")
}

// Load reads configuration from defaults, an optional .env file in the
// working directory, and RAG_* environment variables (which win).
func Load() (Config, error) {
	// Missing .env is fine; env vars alone are a valid setup.
	_ = godotenv.Load()

	cfg := defaults()
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Chunking.SizeTarget <= 0 {
		return fmt.Errorf("invalid config: chunk size target must be positive, got %d", c.Chunking.SizeTarget)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.SizeTarget {
		return fmt.Errorf("invalid config: overlap %d must be in [0, size_target)", c.Chunking.Overlap)
	}
	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("invalid config: cache threshold %.2f must be in [0, 1]", c.Cache.Threshold)
	}
	if c.Gate.Retry > c.Gate.Pass {
		return fmt.Errorf("invalid config: gate retry threshold %.2f exceeds pass threshold %.2f", c.Gate.Retry, c.Gate.Pass)
	}
	if c.Retrieval.DenseWeight < 0 || c.Retrieval.DenseWeight > 1 {
		return fmt.Errorf("invalid config: dense weight %.2f must be in [0, 1]", c.Retrieval.DenseWeight)
	}
	return nil
}
