package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/llm-router/internal/health"
	"github.com/vnmchuo/llm-router/internal/registry"
)

const defaultProviderTimeout = 30 * time.Second

type Config struct {
	// Server
	Port string // default: 8080

	// Stores, all optional
	PostgresDSN      string
	RedisAddr        string
	UsageRedisStream string // default: "llm:usage"

	// Observability
	LogLevel             string  // default: "info"
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // default: 1

	// Dispatch
	MaxAttempts        int           // default: 3
	WindowRollInterval time.Duration // default: 1s

	Health health.Config

	// Usage reporter
	UsageWorkers int // default: 4
	UsageBuffer  int // default: 1024

	Providers []registry.ProviderConfig
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UsageRedisStream:     getEnv("USAGE_REDIS_STREAM", "llm:usage"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.OTELSampleRatio, err = getFloat("OTEL_SAMPLE_RATIO", 1); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("DISPATCH_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.WindowRollInterval, err = getDuration("WINDOW_ROLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.UsageWorkers, err = getInt("USAGE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.UsageBuffer, err = getInt("USAGE_BUFFER", 1024); err != nil {
		return nil, err
	}
	if cfg.Health, err = loadHealth(); err != nil {
		return nil, err
	}

	if path := os.Getenv("PROVIDERS_FILE"); path != "" {
		cfg.Providers, err = LoadProvidersFile(path)
	} else {
		cfg.Providers, err = ProvidersFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadHealth() (health.Config, error) {
	def := health.DefaultConfig()
	var (
		h   health.Config
		err error
	)
	if h.Window, err = getInt("HEALTH_WINDOW", def.Window); err != nil {
		return h, err
	}
	if h.ConsecutiveFailures, err = getInt("HEALTH_CONSECUTIVE_FAILURES", def.ConsecutiveFailures); err != nil {
		return h, err
	}
	if h.FailureRatio, err = getFloat("HEALTH_FAILURE_RATIO", def.FailureRatio); err != nil {
		return h, err
	}
	if h.BaseCooldown, err = getDuration("HEALTH_BASE_COOLDOWN", def.BaseCooldown); err != nil {
		return h, err
	}
	if h.MaxCooldown, err = getDuration("HEALTH_MAX_COOLDOWN", def.MaxCooldown); err != nil {
		return h, err
	}
	if h.LatencyAlpha, err = getFloat("HEALTH_LATENCY_ALPHA", def.LatencyAlpha); err != nil {
		return h, err
	}
	h.MinSamples = h.Window
	return h, nil
}

// Validate checks the loaded configuration as a whole.
func (c *Config) Validate() error {
	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q (use stdout, otlp or none)", c.OTELExporterType)
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be in [0, 1]")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.WindowRollInterval <= 0 {
		return fmt.Errorf("WINDOW_ROLL_INTERVAL must be positive")
	}
	if c.UsageWorkers < 1 || c.UsageBuffer < 1 {
		return fmt.Errorf("USAGE_WORKERS and USAGE_BUFFER must be at least 1")
	}
	if c.Health.Window < 1 || c.Health.ConsecutiveFailures < 1 {
		return fmt.Errorf("HEALTH_WINDOW and HEALTH_CONSECUTIVE_FAILURES must be at least 1")
	}
	if c.Health.FailureRatio <= 0 || c.Health.FailureRatio > 1 {
		return fmt.Errorf("HEALTH_FAILURE_RATIO must be in (0, 1]")
	}
	if c.Health.BaseCooldown <= 0 || c.Health.MaxCooldown < c.Health.BaseCooldown {
		return fmt.Errorf("HEALTH_MAX_COOLDOWN must be at least HEALTH_BASE_COOLDOWN, both positive")
	}

	enabled := 0
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if !p.IsEnabled() {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("no providers configured: set PROVIDERS_FILE or one of OPENAI_API_KEY, GEMINI_API_KEY, ANTHROPIC_API_KEY")
	}
	return nil
}

type providersFile struct {
	Providers []registry.ProviderConfig `yaml:"providers"`
}

// LoadProvidersFile reads a YAML provider list. ${VAR} references are
// expanded from the environment before parsing, so keys can stay out of
// the file.
func LoadProvidersFile(path string) ([]registry.ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	for i := range f.Providers {
		if f.Providers[i].Kind == "" {
			f.Providers[i].Kind = f.Providers[i].Name
		}
		if f.Providers[i].Timeout == 0 {
			f.Providers[i].Timeout = defaultProviderTimeout
		}
	}
	return f.Providers, nil
}

type envProvider struct {
	prefix       string
	keyVar       string
	kind         string
	defaultModel string
	priority     int
}

// Fallback order when nothing else is configured: openai, gemini, claude.
var envProviders = []envProvider{
	{prefix: "OPENAI", keyVar: "OPENAI_API_KEY", kind: registry.KindOpenAI, defaultModel: "gpt-4o-mini", priority: 30},
	{prefix: "GEMINI", keyVar: "GEMINI_API_KEY", kind: registry.KindGemini, defaultModel: "gemini-1.5-flash", priority: 20},
	{prefix: "CLAUDE", keyVar: "ANTHROPIC_API_KEY", kind: registry.KindClaude, defaultModel: "claude-3-5-haiku-latest", priority: 10},
}

// ProvidersFromEnv builds one provider per API key present in the
// environment, with optional <PREFIX>_* overrides.
func ProvidersFromEnv() ([]registry.ProviderConfig, error) {
	var out []registry.ProviderConfig
	for _, ep := range envProviders {
		key := os.Getenv(ep.keyVar)
		if key == "" {
			continue
		}
		p := registry.ProviderConfig{
			Name:         ep.kind,
			Kind:         ep.kind,
			APIKey:       key,
			BaseURL:      os.Getenv(ep.prefix + "_BASE_URL"),
			DefaultModel: getEnv(ep.prefix+"_DEFAULT_MODEL", ep.defaultModel),
		}

		var err error
		if p.Priority, err = getInt(ep.prefix+"_PRIORITY", ep.priority); err != nil {
			return nil, err
		}
		if p.RequestsPerMinute, err = getInt(ep.prefix+"_RPM", 0); err != nil {
			return nil, err
		}
		if p.TokensPerMinute, err = getInt(ep.prefix+"_TPM", 0); err != nil {
			return nil, err
		}
		if p.DailyCostLimit, err = getFloat(ep.prefix+"_DAILY_COST_LIMIT", 0); err != nil {
			return nil, err
		}
		if p.Timeout, err = getDuration(ep.prefix+"_TIMEOUT", defaultProviderTimeout); err != nil {
			return nil, err
		}
		if p.MaxTokens, err = getInt(ep.prefix+"_MAX_TOKENS", 0); err != nil {
			return nil, err
		}
		if p.Temperature, err = getFloat(ep.prefix+"_TEMPERATURE", 0); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s, ok := os.LookupEnv(key)
	if !ok || s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
