// Package config loads the hub's immutable startup configuration from
// environment variables. Per-agent and per-call retrieval overrides are
// applied later by models.MergeRetrievalConfig; nothing here is mutated
// after Load returns.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/gasable/hub/pkg/models"
)

// Config holds all configuration for the hub server.
type Config struct {
	Port    int
	Version string

	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Chat      ChatConfig
	Retrieval models.RetrievalConfig

	// SingleshotBudgetMS bounds POST /api/query; StreamBudgetMS bounds the
	// SSE endpoints and orchestration runs.
	SingleshotBudgetMS int
	StreamBudgetMS     int

	// StrictContextOnly disables LLM answer synthesis; the deterministic
	// builder runs unconditionally.
	StrictContextOnly bool

	// APIToken, when set, gates mutating endpoints and /api/mcp_invoke.
	APIToken string

	// MasterKey encrypts vault secrets at rest.
	MasterKey string

	CORSOrigins []string

	BM25TTLSec  int
	CorpusLimit int

	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	URL    string
	Schema string
	Table  string
}

type EmbeddingConfig struct {
	Model    string
	Column   string
	Dim      int
	APIKey   string
	Endpoint string
}

type ChatConfig struct {
	Model       string
	RerankModel string
	APIKey      string
	Endpoint    string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with the documented
// defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PORT", 8080),
		Version: envStr("HUB_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:    envStr("DATABASE_URL", ""),
			Schema: envStr("PG_SCHEMA", "public"),
			Table:  envStr("PG_TABLE", "gasable_index"),
		},
		Embedding: EmbeddingConfig{
			Model:    envStr("EMBED_MODEL", "text-embedding-3-small"),
			Column:   envStr("PG_EMBED_COL", "embedding"),
			Dim:      envInt("EMBED_DIM", 1536),
			APIKey:   envStr("OPENAI_API_KEY", ""),
			Endpoint: envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		},
		Chat: ChatConfig{
			Model:       envStr("OPENAI_MODEL", "gpt-4o-mini"),
			RerankModel: envStr("RERANK_MODEL", "gpt-4o-mini"),
			APIKey:      envStr("OPENAI_API_KEY", ""),
			Endpoint:    envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		},
		Retrieval:          retrievalFromEnv(),
		SingleshotBudgetMS: envInt("SINGLESHOT_BUDGET_MS", 8000),
		StreamBudgetMS:     envInt("STREAM_BUDGET_MS", 30000),
		StrictContextOnly:  envBool("STRICT_CONTEXT_ONLY", false),
		APIToken:           envStr("API_TOKEN", ""),
		MasterKey:          envStr("HUB_MASTER_KEY", ""),
		CORSOrigins:        envList("CORS_ORIGINS", []string{"*"}),
		BM25TTLSec:         envInt("RAG_BM25_TTL_SEC", 300),
		CorpusLimit:        envInt("RAG_CORPUS_LIMIT", 5000),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "gasable-hub"),
		},
	}
}

func retrievalFromEnv() models.RetrievalConfig {
	cfg := models.DefaultRetrievalConfig()
	cfg.FinalK = envInt("RAG_TOP_K", cfg.FinalK)
	cfg.KDenseEach = envInt("RAG_K_DENSE_EACH", cfg.KDenseEach)
	cfg.KDenseFuse = envInt("RAG_K_DENSE_FUSE", cfg.KDenseFuse)
	cfg.KLex = envInt("RAG_K_LEX", cfg.KLex)
	cfg.Expansions = envInt("RAG_EXPANSIONS", cfg.Expansions)
	cfg.MMRLambda = envFloat("RAG_MMR_LAMBDA", cfg.MMRLambda)
	cfg.UseBM25 = envBool("RAG_USE_BM25", cfg.UseBM25)
	cfg.KeywordPrefilter = envBool("RAG_KEYWORD_PREFILTER", cfg.KeywordPrefilter)
	cfg.PreferDomainBoost = envStr("RAG_BOOST_DOMAIN", cfg.PreferDomainBoost)
	cfg.BudgetMS = envInt("SINGLESHOT_BUDGET_MS", cfg.BudgetMS)
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
