package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradingagents/internal/models"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string
	RedisURL    string

	// Session lifecycle
	SessionTTL           time.Duration // completed sessions older than this are evicted
	SessionSweepInterval time.Duration
	OrphanMaxAge         time.Duration // sessions running longer than this are cancelled
	DrainTimeout         time.Duration

	// Runner tuning
	StageTimeout       time.Duration
	StageDelay         time.Duration // pause between sequential stages
	AnalystConcurrency int

	// Input validation
	TradingMode     string   // "crypto" or "stocks"
	SupportedAssets []string // empty means any identifier is accepted

	// Stage executor selection: "agent", "simulated" or "" (auto)
	ExecutorMode     string
	SimulatedLatency time.Duration

	// LLM provider (env form; PROVIDERS_FILE takes precedence when set)
	LLMProvider     string
	DeepThinkLLM    string
	QuickThinkLLM   string
	BackendURL      string
	LLMAPIKey       string
	LMStudioBaseURL string
	LMStudioAPIKey  string
	LMStudioTimeout time.Duration
	ProvidersFile   string

	ProviderHealthInterval time.Duration

	// Data tool servers
	CryptoServerURL string
	NewsServerURL   string
	CacheTTL        time.Duration
	ToolRateLimit   float64 // requests per second per tool server

	AllowedOrigins string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),
		RedisURL:    getEnv("REDIS_URL", ""),

		SessionTTL:           getDurationEnv("SESSION_TTL", 30*time.Minute),
		SessionSweepInterval: getDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute),
		OrphanMaxAge:         getDurationEnv("ORPHAN_MAX_AGE", 30*time.Minute),
		DrainTimeout:         getDurationEnv("DRAIN_TIMEOUT", 30*time.Second),

		StageTimeout:       getDurationEnv("STAGE_TIMEOUT", 5*time.Minute),
		StageDelay:         getDurationEnv("STAGE_DELAY", 500*time.Millisecond),
		AnalystConcurrency: getIntEnv("ANALYST_CONCURRENCY", 4),

		TradingMode:     strings.ToLower(getEnv("TRADING_MODE", "crypto")),
		SupportedAssets: getListEnv("SUPPORTED_ASSETS"),

		ExecutorMode:     strings.ToLower(getEnv("EXECUTOR_MODE", "")),
		SimulatedLatency: getDurationEnv("SIMULATED_LATENCY", time.Second),

		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", "openrouter")),
		DeepThinkLLM:    getEnv("DEEP_THINK_LLM", "anthropic/claude-3.5-sonnet"),
		QuickThinkLLM:   getEnv("QUICK_THINK_LLM", "openai/gpt-4o-mini"),
		BackendURL:      getEnv("BACKEND_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:       getEnv("LLM_API_KEY", os.Getenv("OPENROUTER_API_KEY")),
		LMStudioBaseURL: getEnv("LMSTUDIO_BASE_URL", "http://localhost:1234/v1"),
		LMStudioAPIKey:  getEnv("LMSTUDIO_API_KEY", "lm-studio"),
		LMStudioTimeout: time.Duration(getIntEnv("LMSTUDIO_TIMEOUT", 300)) * time.Second,
		ProvidersFile:   getEnv("PROVIDERS_FILE", ""),

		ProviderHealthInterval: getDurationEnv("PROVIDER_HEALTH_INTERVAL", 5*time.Minute),

		CryptoServerURL: getEnv("MCP_CRYPTO_SERVER_URL", "http://localhost:9000"),
		NewsServerURL:   getEnv("MCP_NEWS_SERVER_URL", "http://localhost:9001"),
		CacheTTL:        time.Duration(getIntEnv("CACHE_TTL", 300)) * time.Second,
		ToolRateLimit:   getFloatEnv("TOOL_RATE_LIMIT", 5),

		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
	}
}

// EnvProvider builds the provider described by the LLM_* / LMSTUDIO_* variables.
// Returns nil when the configured provider cannot be used (no API key for a hosted backend).
func (c *Config) EnvProvider() *models.Provider {
	switch c.LLMProvider {
	case "lmstudio":
		model := getEnv("LMSTUDIO_MODEL_NAME", "local-model")
		return &models.Provider{
			Name:            "lmstudio",
			Kind:            "lmstudio",
			BaseURL:         c.LMStudioBaseURL,
			APIKey:          c.LMStudioAPIKey,
			DeepThinkModel:  model,
			QuickThinkModel: model,
			Timeout:         c.LMStudioTimeout,
		}
	case "openrouter", "openai":
		if c.LLMAPIKey == "" {
			return nil
		}
		baseURL := c.BackendURL
		if c.LLMProvider == "openai" && os.Getenv("BACKEND_URL") == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return &models.Provider{
			Name:            c.LLMProvider,
			Kind:            c.LLMProvider,
			BaseURL:         baseURL,
			APIKey:          c.LLMAPIKey,
			DeepThinkModel:  c.DeepThinkLLM,
			QuickThinkModel: c.QuickThinkLLM,
		}
	default:
		return nil
	}
}

// LoadProviders loads providers configuration from a YAML file
func LoadProviders(filePath string) (*models.ProvidersConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var config models.ProvidersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse providers YAML: %w", err)
	}

	for i := range config.Providers {
		p := &config.Providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider #%d has no name", i)
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %q has no base_url", p.Name)
		}
		if p.Kind == "" {
			p.Kind = "openai"
		}
		// Allow ${ENV_VAR} references so keys stay out of the file
		p.APIKey = os.ExpandEnv(p.APIKey)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, strings.ToUpper(item))
		}
	}
	return items
}
