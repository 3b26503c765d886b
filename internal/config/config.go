package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/access"
	"github.com/modelrelay/modelrelay/internal/registry"
)

type Config struct {
	Addr     string
	LogLevel string

	// Provider lists are positional: the Nth key belongs to the Nth URL.
	ProviderBaseURLs []string
	ProviderAPIKeys  []string
	ProviderSettings map[string]registry.Settings

	CatalogTTL       time.Duration
	ToolStreamPolicy string

	ForwardUserHeaders  bool
	BypassAccessControl bool
	ModelPolicies       []access.Policy

	RedisURL         string
	DatabaseURL      string
	OTLPEndpoint     string
	AWSRegion        string
	EncryptionKey    string
	AdminAuthEnabled bool

	ProviderKeysSecret string
	ToolEventsQueueURL string
	NotifyTopicARN     string

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ProviderBaseURLs: splitList(getEnv("PROVIDER_BASE_URLS", "https://api.openai.com/v1")),
		ProviderAPIKeys:  splitList(getEnv("PROVIDER_API_KEYS", "")),

		CatalogTTL:       getDurationEnv("CATALOG_TTL", 3*time.Second),
		ToolStreamPolicy: getEnv("TOOL_STREAM_POLICY", "log"),

		ForwardUserHeaders:  getEnv("FORWARD_USER_HEADERS", "false") == "true",
		BypassAccessControl: getEnv("BYPASS_MODEL_ACCESS_CONTROL", "false") == "true",

		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		EncryptionKey:    getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled: getEnv("ADMIN_AUTH_ENABLED", "false") == "true",

		ProviderKeysSecret: getEnv("PROVIDER_KEYS_SECRET", ""),
		ToolEventsQueueURL: getEnv("TOOL_EVENTS_QUEUE_URL", ""),
		NotifyTopicARN:     getEnv("NOTIFY_TOPIC_ARN", ""),

		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if raw := os.Getenv("PROVIDER_SETTINGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ProviderSettings); err != nil {
			return nil, fmt.Errorf("parse PROVIDER_SETTINGS: %w", err)
		}
	}
	if raw := os.Getenv("MODEL_POLICIES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ModelPolicies); err != nil {
			return nil, fmt.Errorf("parse MODEL_POLICIES: %w", err)
		}
	}

	return cfg, nil
}

// RegistryConfig assembles the provider registry input from the loaded lists.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		BaseURLs: c.ProviderBaseURLs,
		APIKeys:  c.ProviderAPIKeys,
		Settings: c.ProviderSettings,
	}
}

// splitList splits a semicolon-separated list, trimming whitespace. Empty
// segments are kept so key positions line up with URL positions.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
