package openbanking

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://testapi.openbanking.or.kr"
	DefaultTokenPath = "/oauth/2.0/token"
	DefaultScope     = "oob"
	DefaultUserAgent = "DOODOOK-OpenBanking-Demo/1.0"

	minReadTimeout = 4 * time.Second
)

// Config contains runtime configuration for the OpenBanking client. It is
// loaded once and treated as read-only afterwards.
type Config struct {
	BaseURL        string
	TokenPath      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        int
	RateLimit      int
	Sandbox        bool
	Scope          string
	ClientID       string
	ClientSecret   string
	DebugToken     string

	RedirectURI   string
	ClientUseCode string
	UserAgent     string
}

// DefaultConfig returns a Config populated with safe defaults. Sandbox mode
// is on so nothing reaches the network until credentials are configured.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		TokenPath:      DefaultTokenPath,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    6 * time.Second,
		Retries:        2,
		RateLimit:      5,
		Sandbox:        true,
		Scope:          DefaultScope,
		UserAgent:      DefaultUserAgent,
	}
}

// TokenURL is the absolute client-credentials endpoint.
func (c Config) TokenURL() string {
	return c.BaseURL + c.TokenPath
}

// ReadEnvFile parses a key=value file such as conf/openbanking.env. Blank
// lines and # comments are skipped; surrounding double quotes are removed.
func ReadEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexRune(line, '=')
		if idx == -1 {
			return nil, fmt.Errorf("invalid line %d in %s", lineNo, filepath.Base(path))
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if strings.HasPrefix(val, "\"") && strings.HasSuffix(val, "\"") && len(val) >= 2 {
			val = strings.Trim(val, "\"")
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}
	return values, nil
}

// MapLookup adapts parsed env file values to the lookup signature used by
// LoadConfig.
func MapLookup(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// LoadConfigFromEnvFile reads the client configuration from an env file.
func LoadConfigFromEnvFile(path string) (Config, error) {
	values, err := ReadEnvFile(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadConfig(MapLookup(values))
}

// LoadConfigFromEnv reads the same keys from the process environment.
func LoadConfigFromEnv() (Config, error) {
	return LoadConfig(os.LookupEnv)
}

// LoadConfig builds a Config from lookup, applying defaults and clamps.
func LoadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	for _, key := range configKeys {
		val, ok := lookup(key)
		if !ok {
			continue
		}
		if err := cfg.apply(key, strings.TrimSpace(val)); err != nil {
			return cfg, err
		}
	}
	cfg.normalize()
	return cfg, nil
}

var configKeys = []string{
	"OPENBANKING_BASE_URL",
	"OPENBANKING_TOKEN_PATH",
	"OPENBANKING_TIMEOUT",
	"OPENBANKING_CONNECT_TIMEOUT",
	"OPENBANKING_RETRIES",
	"OPENBANKING_RL",
	"OPENBANKING_SANDBOX",
	"OPENBANKING_SCOPE",
	"OPENBANKING_CLIENT_ID",
	"OPENBANKING_CLIENT_SECRET",
	"OPENBANKING_ACCESS_TOKEN",
	"OPENBANKING_REDIRECT_URI",
	"OPENBANKING_CLIENT_USE_CODE",
	"OPENBANKING_USER_AGENT",
}

// parseCount reads a non-negative count where an empty value means zero.
func parseCount(val string) (int, error) {
	if val == "" {
		return 0, nil
	}
	return strconv.Atoi(val)
}

// apply sets a single key. A blank timeout keeps its default; a blank
// count disables the feature.
func (c *Config) apply(key, val string) error {
	switch key {
	case "OPENBANKING_BASE_URL":
		c.BaseURL = val
	case "OPENBANKING_TOKEN_PATH":
		c.TokenPath = val
	case "OPENBANKING_TIMEOUT":
		if val != "" {
			d, err := parseSeconds(val)
			if err != nil {
				return fmt.Errorf("OPENBANKING_TIMEOUT: %w", err)
			}
			c.ReadTimeout = d
		}
	case "OPENBANKING_CONNECT_TIMEOUT":
		if val != "" {
			d, err := parseSeconds(val)
			if err != nil {
				return fmt.Errorf("OPENBANKING_CONNECT_TIMEOUT: %w", err)
			}
			c.ConnectTimeout = d
		}
	case "OPENBANKING_RETRIES":
		n, err := parseCount(val)
		if err != nil {
			return fmt.Errorf("OPENBANKING_RETRIES: %w", err)
		}
		c.Retries = n
	case "OPENBANKING_RL":
		n, err := parseCount(val)
		if err != nil {
			return fmt.Errorf("OPENBANKING_RL: %w", err)
		}
		c.RateLimit = n
	case "OPENBANKING_SANDBOX":
		if val != "" {
			b, err := parseBool(val)
			if err != nil {
				return fmt.Errorf("OPENBANKING_SANDBOX: %w", err)
			}
			c.Sandbox = b
		}
	case "OPENBANKING_SCOPE":
		c.Scope = val
	case "OPENBANKING_CLIENT_ID":
		c.ClientID = val
	case "OPENBANKING_CLIENT_SECRET":
		c.ClientSecret = val
	case "OPENBANKING_ACCESS_TOKEN":
		c.DebugToken = val
	case "OPENBANKING_REDIRECT_URI":
		c.RedirectURI = val
	case "OPENBANKING_CLIENT_USE_CODE":
		c.ClientUseCode = val
	case "OPENBANKING_USER_AGENT":
		c.UserAgent = val
	}
	return nil
}

// normalize applies defaults for blank values and clamps numeric settings.
func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if !strings.HasPrefix(c.TokenPath, "/") {
		c.TokenPath = "/" + c.TokenPath
	}
	if c.ReadTimeout < minReadTimeout {
		c.ReadTimeout = minReadTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// Validate ensures the config can reach the live upstream. Sandbox mode and
// a static debug token both bypass the credential requirement.
func (c Config) Validate() error {
	if c.Sandbox || c.DebugToken != "" {
		return nil
	}
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "OPENBANKING_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "OPENBANKING_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

func parseSeconds(val string) (time.Duration, error) {
	if val == "" {
		return 0, errors.New("empty value")
	}
	dur, err := time.ParseDuration(val + "s")
	if err != nil {
		return 0, err
	}
	return dur, nil
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", val)
}
