// Package config loads the proxy's startup configuration from the
// environment: listen port, default upstream, credentials, debug logging,
// and the seed load-balancer profile. This is distinct from
// runtimeconfig.Config, the hot-swappable in-process snapshot every request
// reads after boot.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the process's startup configuration.
type Config struct {
	Port      int
	TargetURL string
	APIKey    string
	Converter string // "codex", "gemini", or "anthropic"
	Debug     bool
	LogDir    string

	// MaxConcurrency is the global admission-gate size; 0 disables it.
	MaxConcurrency int

	// IgnoreProbeRequests and AllowCountTokensFallbackEstimate seed the
	// initial runtimeconfig.Config; both are hot-swappable afterward.
	IgnoreProbeRequests              bool
	AllowCountTokensFallbackEstimate bool
}

// Load reads Config from environment variables, matching the teacher
// stack's struct-plus-constructor shape (Config / New(cfg Config)) rather
// than a flag-parsing tangle.
func Load() (Config, error) {
	cfg := Config{
		Port:                             envInt("PROXY_PORT", 8889),
		TargetURL:                        os.Getenv("PROXY_TARGET_URL"),
		APIKey:                           os.Getenv("ANTHROPIC_API_KEY"),
		Converter:                        envString("PROXY_CONVERTER", "codex"),
		Debug:                            envBool("PROXY_DEBUG", false),
		LogDir:                           envString("PROXY_LOG_DIR", "logs"),
		MaxConcurrency:                   envInt("PROXY_MAX_CONCURRENCY", 0),
		IgnoreProbeRequests:              envBool("PROXY_IGNORE_PROBE_REQUESTS", true),
		AllowCountTokensFallbackEstimate: envBool("PROXY_ALLOW_COUNT_TOKENS_FALLBACK", true),
	}
	if cfg.TargetURL == "" {
		return Config{}, fmt.Errorf("config: PROXY_TARGET_URL is required")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
