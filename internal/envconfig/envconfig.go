// Package envconfig loads the proxy's configuration from environment
// variables, following the teacher's envOr/parseLogLevel convention.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds everything the proxy needs to start, sourced entirely
// from environment variables (no config file, no CLI flags besides
// --help/--version, per scope).
type Config struct {
	APIToken string     // VAIZ_API_TOKEN, required
	SpaceID  string     // VAIZ_SPACE_ID, optional
	APIURL   string     // VAIZ_API_URL
	LogLevel slog.Level // derived from VAIZ_DEBUG
}

const defaultAPIURL = "https://api.vaiz.com/mcp"

// Load reads the Config from the environment, returning an error if the
// required token is missing.
func Load() (*Config, error) {
	token := os.Getenv("VAIZ_API_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("VAIZ_API_TOKEN is required")
	}

	cfg := &Config{
		APIToken: token,
		SpaceID:  os.Getenv("VAIZ_SPACE_ID"),
		APIURL:   envOr("VAIZ_API_URL", defaultAPIURL),
		LogLevel: parseLogLevel(os.Getenv("VAIZ_DEBUG")),
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseLogLevel maps VAIZ_DEBUG's truthy values to slog.LevelDebug and
// everything else to slog.LevelInfo.
func parseLogLevel(debug string) slog.Level {
	switch debug {
	case "1", "true", "yes", "on":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
