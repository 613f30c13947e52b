package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Config holds the realtime client settings read from the environment.
type Config struct {
	APIKey string

	URL        string
	Model      string
	BetaHeader string // empty => header omitted

	Timeout         time.Duration
	MaxMessageBytes int64

	Instructions string

	// Extra session fields merged into session.update, from a JSON object.
	SessionParams map[string]any

	LogLevel slog.Level
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		URL:             envOr("VAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		Model:           envOr("VAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		BetaHeader:      envRawOr("VAI_REALTIME_BETA_HEADER", "realtime=v1"),
		Timeout:         envDurationOr("VAI_REALTIME_TIMEOUT", 30*time.Second),
		MaxMessageBytes: envInt64Or("VAI_REALTIME_MAX_MESSAGE_BYTES", 16<<20), // 16 MiB
		Instructions:    os.Getenv("VAI_REALTIME_INSTRUCTIONS"),
	}

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Config{}, fmt.Errorf("VAI_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("VAI_REALTIME_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_REALTIME_MAX_MESSAGE_BYTES must be > 0")
	}

	level := envOr("VAI_REALTIME_LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return Config{}, fmt.Errorf("VAI_REALTIME_LOG_LEVEL must be one of debug|info|warn|error")
	}

	params, err := parseSessionParams(os.Getenv("VAI_REALTIME_SESSION_PARAMS"))
	if err != nil {
		return Config{}, err
	}
	cfg.SessionParams = params

	return cfg, nil
}

func parseSessionParams(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("VAI_REALTIME_SESSION_PARAMS must be a JSON object")
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("VAI_REALTIME_SESSION_PARAMS: %w", err)
	}
	for _, reserved := range []string{"modalities", "instructions", "tools", "tool_choice"} {
		if _, ok := params[reserved]; ok {
			return nil, fmt.Errorf("VAI_REALTIME_SESSION_PARAMS must not set %q", reserved)
		}
	}
	return params, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// envRawOr distinguishes unset from set-but-empty, so a variable can clear a
// default.
func envRawOr(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
