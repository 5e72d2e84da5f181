package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service, loaded from environment
// variables. An optional .env file is read first; real environment variables
// win over file values.
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Storage   StorageConfig
	Reddit    RedditConfig
	Collector CollectorConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
}

type AppConfig struct {
	Env      string // development, production, test
	LogLevel string
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir  string
	CacheTTL int // seconds, default TTL for durable cache entries
}

// Credential is one Reddit API identity. Multiple credentials rotate through
// the pool to multiply the per-account quota.
type Credential struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type RedditConfig struct {
	UserAgent   string
	Credentials []Credential
}

type CollectorConfig struct {
	SubSources     []string
	CronExpr       string
	TargetPerRun   int
	APIPerMinute   int
	RSSPollSeconds int
	StreamBudgetMs int
	PollIntervalMs int
}

type LLMConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type PipelineConfig struct {
	Concurrency             int
	ClusterSimilarity       float64
	MaxTokensPerMinute      int
	MaxRequestsPerMinute    int
	RetryAttempts           int
	RetryDelayMs            int
	CentroidUpdateBatchSize int
	MinClusterSize          int
	QueueLowThreshold       int
	RefillBatchSize         int
}

func defaults() Config {
	return Config{
		App: AppConfig{
			Env:      "development",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Port: 3000,
		},
		Storage: StorageConfig{
			DataDir:  "./data",
			CacheTTL: 90 * 24 * 3600,
		},
		Collector: CollectorConfig{
			SubSources:     []string{"startups"},
			CronExpr:       "*/1 * * * *",
			TargetPerRun:   500,
			APIPerMinute:   600,
			RSSPollSeconds: 5,
			StreamBudgetMs: 50000,
			PollIntervalMs: 5000,
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			ChatModel:  "gpt-4o-mini",
			EmbedModel: "text-embedding-3-small",
		},
		Pipeline: PipelineConfig{
			Concurrency:             5,
			ClusterSimilarity:       0.7,
			MaxTokensPerMinute:      100000,
			MaxRequestsPerMinute:    100,
			RetryAttempts:           3,
			RetryDelayMs:            1000,
			CentroidUpdateBatchSize: 100,
			MinClusterSize:          5,
			QueueLowThreshold:       3,
			RefillBatchSize:         20,
		},
	}
}

// Load reads configuration from the environment. envPath may name a .env
// file; a missing file is not an error (production supplies real env vars).
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	cfg := defaults()

	cfg.App.Env = getEnv("APP_ENV", cfg.App.Env)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Storage.DataDir = getEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.CacheTTL = getEnvInt("CACHE_TTL_SECONDS", cfg.Storage.CacheTTL)

	cfg.Reddit.UserAgent = getEnv("REDDIT_USER_AGENT", "")
	creds, err := loadCredentials()
	if err != nil {
		return Config{}, err
	}
	cfg.Reddit.Credentials = creds

	if subs := getEnv("COLLECTOR_SUBSOURCES", ""); subs != "" {
		cfg.Collector.SubSources = splitList(subs)
	}
	cfg.Collector.CronExpr = getEnv("COLLECTOR_CRON", cfg.Collector.CronExpr)
	cfg.Collector.TargetPerRun = getEnvInt("COLLECTOR_TARGET_PER_RUN", cfg.Collector.TargetPerRun)
	cfg.Collector.APIPerMinute = getEnvInt("COLLECTOR_API_PER_MINUTE", cfg.Collector.APIPerMinute)
	cfg.Collector.StreamBudgetMs = getEnvInt("COLLECTOR_STREAM_BUDGET_MS", cfg.Collector.StreamBudgetMs)
	cfg.Collector.PollIntervalMs = getEnvInt("COLLECTOR_POLL_INTERVAL_MS", cfg.Collector.PollIntervalMs)

	cfg.LLM.APIKey = getEnv("LLM_API_KEY", "")
	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.ChatModel = getEnv("LLM_CHAT_MODEL", cfg.LLM.ChatModel)
	cfg.LLM.EmbedModel = getEnv("LLM_EMBED_MODEL", cfg.LLM.EmbedModel)

	cfg.Pipeline.Concurrency = getEnvInt("ORCH_CONCURRENCY", cfg.Pipeline.Concurrency)
	cfg.Pipeline.ClusterSimilarity = getEnvFloat("CLUSTER_SIMILARITY_THRESHOLD", cfg.Pipeline.ClusterSimilarity)
	cfg.Pipeline.MaxTokensPerMinute = getEnvInt("MAX_TOKENS_PER_MINUTE", cfg.Pipeline.MaxTokensPerMinute)
	cfg.Pipeline.MaxRequestsPerMinute = getEnvInt("MAX_REQUESTS_PER_MINUTE", cfg.Pipeline.MaxRequestsPerMinute)
	cfg.Pipeline.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", cfg.Pipeline.RetryAttempts)
	cfg.Pipeline.RetryDelayMs = getEnvInt("RETRY_DELAY_MS", cfg.Pipeline.RetryDelayMs)
	cfg.Pipeline.CentroidUpdateBatchSize = getEnvInt("CENTROID_UPDATE_BATCH_SIZE", cfg.Pipeline.CentroidUpdateBatchSize)
	cfg.Pipeline.MinClusterSize = getEnvInt("MIN_CLUSTER_SIZE", cfg.Pipeline.MinClusterSize)
	cfg.Pipeline.QueueLowThreshold = getEnvInt("QUEUE_LOW_THRESHOLD", cfg.Pipeline.QueueLowThreshold)
	cfg.Pipeline.RefillBatchSize = getEnvInt("QUEUE_REFILL_BATCH", cfg.Pipeline.RefillBatchSize)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadCredentials reads the credential pool. ACCOUNTS takes precedence and
// holds a JSON array of credentials; otherwise the single REDDIT_CLIENT_ID /
// REDDIT_CLIENT_SECRET / REDDIT_USERNAME / REDDIT_PASSWORD identity is used.
func loadCredentials() ([]Credential, error) {
	if raw := os.Getenv("ACCOUNTS"); raw != "" {
		var creds []Credential
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return nil, fmt.Errorf("parsing ACCOUNTS: %w", err)
		}
		return creds, nil
	}

	single := Credential{
		ClientID:     os.Getenv("REDDIT_CLIENT_ID"),
		ClientSecret: os.Getenv("REDDIT_CLIENT_SECRET"),
		Username:     os.Getenv("REDDIT_USERNAME"),
		Password:     os.Getenv("REDDIT_PASSWORD"),
	}
	if single.ClientID == "" {
		return nil, nil
	}
	return []Credential{single}, nil
}

func validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("PORT must be in (0, 65535], got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.Concurrency < 1 {
		return fmt.Errorf("ORCH_CONCURRENCY must be at least 1")
	}
	if cfg.Pipeline.ClusterSimilarity <= 0 || cfg.Pipeline.ClusterSimilarity > 1 {
		return fmt.Errorf("CLUSTER_SIMILARITY_THRESHOLD must be in (0, 1]")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
