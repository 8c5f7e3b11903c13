package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the deepsearch services
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Research  ResearchConfig  `mapstructure:"research"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen         string        `mapstructure:"listen"`
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains the model catalog and routing behaviour
type LLMConfig struct {
	Models          []LLMModel    `mapstructure:"models"`
	DefaultStrategy string        `mapstructure:"default_strategy"` // cost, performance, balanced
	MaxRetries      int           `mapstructure:"max_retries"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
}

// LLMModel represents a single provider/model entry in the catalog
type LLMModel struct {
	Name      string        `mapstructure:"name"`
	Provider  string        `mapstructure:"provider"` // openai, anthropic, google, groq, ollama
	APIKeyEnv string        `mapstructure:"api_key_env"`
	BaseURL   string        `mapstructure:"base_url"`
	Priority  int           `mapstructure:"priority"` // lower is more capable
	CostPer1K float64       `mapstructure:"cost_per_1k_tokens"`
	TaskTypes []string      `mapstructure:"task_types"` // general, search, summary, followup
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SearchConfig contains web search and crawl settings
type SearchConfig struct {
	Provider          string        `mapstructure:"provider"` // serper or brave
	SerperAPIKey      string        `mapstructure:"serper_api_key"`
	BraveAPIKey       string        `mapstructure:"brave_api_key"`
	VisionAPIKey      string        `mapstructure:"vision_api_key"`
	Fetcher           string        `mapstructure:"fetcher"` // http or chromedp
	MaxResults        int           `mapstructure:"max_results"`
	CrawlTimeout      time.Duration `mapstructure:"crawl_timeout"`
	CrawlConcurrency  int           `mapstructure:"crawl_concurrency"`
	MaxChars          int           `mapstructure:"max_chars"`
	RetryFailedCrawls bool          `mapstructure:"retry_failed_crawls"`
	FilterResults     bool          `mapstructure:"filter_results"`
}

// ResearchConfig contains deep research settings
type ResearchConfig struct {
	MaxSourcesPerPhase int `mapstructure:"max_sources_per_phase"`
	SourceCap          int `mapstructure:"source_cap"`
	QueriesPerPhase    int `mapstructure:"queries_per_phase"` // 3..5
	QueryConcurrency   int `mapstructure:"query_concurrency"`
}

// CacheConfig contains LLM completion cache settings
type CacheConfig struct {
	Redis      RedisConfig   `mapstructure:"redis"`
	TTL        time.Duration `mapstructure:"ttl"`
	ChunkSize  int           `mapstructure:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MemoryConfig contains temporal memory settings
type MemoryConfig struct {
	Path            string       `mapstructure:"path"` // sqlite file, empty for in-memory
	ActiveMax       int          `mapstructure:"active_max_sessions"`
	Tiers           TierDurations `mapstructure:"tier_durations"`
	CleanupSchedule string       `mapstructure:"cleanup_schedule"` // duration or cron expression
}

// TierDurations holds the per-tier retention in days
type TierDurations struct {
	HotDays   int `mapstructure:"hot_days"`
	WarmDays  int `mapstructure:"warm_days"`
	ColdDays  int `mapstructure:"cold_days"`
	TrashDays int `mapstructure:"trash_days"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("deepsearch")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("DEEPSEARCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(config.LLM.Models) == 0 {
		config.LLM.Models = DefaultModelCatalog()
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// DefaultModelCatalog returns the built-in provider/model catalog with
// fallback priorities. Entries without an API key env are usable without
// credentials (local hosting).
func DefaultModelCatalog() []LLMModel {
	return []LLMModel{
		{
			Name: "gpt-4o-mini", Provider: "openai", APIKeyEnv: "OPENAI_API_KEY",
			Priority: 1, CostPer1K: 0.15,
			TaskTypes: []string{"general", "search", "summary", "followup"},
			MaxTokens: 4096,
		},
		{
			Name: "claude-3-haiku-20240307", Provider: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY",
			Priority: 2, CostPer1K: 0.25,
			TaskTypes: []string{"general", "summary", "followup"},
			MaxTokens: 4096,
		},
		{
			Name: "gemini-pro", Provider: "google", APIKeyEnv: "GOOGLE_API_KEY",
			Priority: 3, CostPer1K: 0.50,
			TaskTypes: []string{"general", "search", "followup"},
			MaxTokens: 2048,
		},
		{
			Name: "mixtral-8x7b-32768", Provider: "groq", APIKeyEnv: "GROQ_API_KEY",
			Priority: 4, CostPer1K: 0.27,
			TaskTypes: []string{"general", "search"},
			MaxTokens: 32768,
		},
		{
			Name: "llama3.1:8b", Provider: "ollama",
			BaseURL:  getenvDefault("OLLAMA_BASE_URL", "http://localhost:11434"),
			Priority: 5, CostPer1K: 0.0,
			TaskTypes: []string{"general", "summary"},
			MaxTokens: 2048,
		},
	}
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.listen", ":10040")
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")

	viper.SetDefault("llm.default_strategy", "balanced")
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.health_interval", "2m")

	viper.SetDefault("search.provider", "serper")
	viper.SetDefault("search.fetcher", "http")
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.crawl_timeout", "15s")
	viper.SetDefault("search.crawl_concurrency", 5)
	viper.SetDefault("search.max_chars", 20000)
	viper.SetDefault("search.retry_failed_crawls", true)
	viper.SetDefault("search.filter_results", true)

	viper.SetDefault("research.max_sources_per_phase", 6)
	viper.SetDefault("research.source_cap", 15)
	viper.SetDefault("research.queries_per_phase", 4)
	viper.SetDefault("research.query_concurrency", 3)

	viper.SetDefault("cache.redis.host", "")
	viper.SetDefault("cache.redis.port", 6379)
	viper.SetDefault("cache.redis.db", 0)
	viper.SetDefault("cache.redis.timeout", "5s")
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.chunk_size", 48)
	viper.SetDefault("cache.chunk_delay", "20ms")

	viper.SetDefault("memory.path", "./data/memory.db")
	viper.SetDefault("memory.active_max_sessions", 100)
	viper.SetDefault("memory.tier_durations.hot_days", 3)
	viper.SetDefault("memory.tier_durations.warm_days", 7)
	viper.SetDefault("memory.tier_durations.cold_days", 30)
	viper.SetDefault("memory.tier_durations.trash_days", 7)
	viper.SetDefault("memory.cleanup_schedule", "10m")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if key := os.Getenv("SERPER_API_KEY"); key != "" {
		viper.Set("search.serper_api_key", key)
	}
	if key := os.Getenv("BRAVE_SEARCH_KEY"); key != "" {
		viper.Set("search.brave_api_key", key)
	}
	if key := os.Getenv("VISION_API_KEY"); key != "" {
		viper.Set("search.vision_api_key", key)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("cache.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("cache.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("cache.redis.password", password)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if len(config.LLM.Models) == 0 {
		return fmt.Errorf("at least one LLM model must be configured")
	}
	seen := make(map[string]bool)
	for _, m := range config.LLM.Models {
		if m.Name == "" || m.Provider == "" {
			return fmt.Errorf("llm model entries require name and provider")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate llm model '%s'", m.Name)
		}
		seen[m.Name] = true
	}
	switch config.LLM.DefaultStrategy {
	case "", "cost", "performance", "balanced":
	default:
		return fmt.Errorf("unknown llm strategy '%s'", config.LLM.DefaultStrategy)
	}
	switch config.Search.Provider {
	case "serper", "brave":
	default:
		return fmt.Errorf("unknown search provider '%s'", config.Search.Provider)
	}
	switch config.Search.Fetcher {
	case "http", "chromedp":
	default:
		return fmt.Errorf("unknown fetcher '%s'", config.Search.Fetcher)
	}
	if config.Research.QueriesPerPhase < 3 || config.Research.QueriesPerPhase > 5 {
		return fmt.Errorf("research.queries_per_phase must be between 3 and 5")
	}
	if config.Memory.ActiveMax <= 0 {
		return fmt.Errorf("memory.active_max_sessions must be positive")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
