package gateway

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"doodook.app/openbanking/internal/openbanking"
)

const (
	CacheMemory   = "memory"
	CacheSQLite   = "sqlite"
	CachePostgres = "postgres"
)

// Config contains runtime configuration for the gateway service.
type Config struct {
	Client openbanking.Config

	Cache     string
	CachePath string
	CacheDSN  string

	RateLimit float64
	RateBurst int

	LogLevel  string
	LogFormat string
}

// DefaultConfig returns a Config populated with safe defaults.
func DefaultConfig() Config {
	return Config{
		Client:    openbanking.DefaultConfig(),
		Cache:     CacheMemory,
		CachePath: "data/openbanking-cache.sqlite",
		RateLimit: 20,
		RateBurst: 40,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfigFromEnvFile parses a key=value file such as conf/openbanking.env.
// The same file carries the client keys.
func LoadConfigFromEnvFile(path string) (Config, error) {
	values, err := openbanking.ReadEnvFile(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadConfig(openbanking.MapLookup(values))
}

// LoadConfigFromEnv reads the same keys from the process environment.
func LoadConfigFromEnv() (Config, error) {
	return LoadConfig(os.LookupEnv)
}

func LoadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	client, err := openbanking.LoadConfig(lookup)
	if err != nil {
		return cfg, err
	}
	cfg.Client = client

	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if v := get("GATEWAY_CACHE"); v != "" {
		cfg.Cache = strings.ToLower(v)
	}
	if v := get("GATEWAY_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}
	cfg.CacheDSN = get("GATEWAY_CACHE_DSN")
	if v := get("GATEWAY_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("GATEWAY_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	if v := get("GATEWAY_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("GATEWAY_RATE_BURST: %w", err)
		}
		cfg.RateBurst = n
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

// Validate ensures the config has required values for production use.
func (c Config) Validate() error {
	switch c.Cache {
	case CacheMemory:
	case CacheSQLite:
		if c.CachePath == "" {
			return fmt.Errorf("missing configuration keys: GATEWAY_CACHE_PATH")
		}
	case CachePostgres:
		if c.CacheDSN == "" {
			return fmt.Errorf("missing configuration keys: GATEWAY_CACHE_DSN")
		}
	default:
		return fmt.Errorf("GATEWAY_CACHE: unsupported backend %q", c.Cache)
	}
	if c.RateBurst < 0 || c.RateLimit < 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT and GATEWAY_RATE_BURST must not be negative")
	}
	return c.Client.Validate()
}
