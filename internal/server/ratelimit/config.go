package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// ActionConfig represents rate limiting configuration for one engine action.
type ActionConfig struct {
	Action string        // Action name, or a "*" suffix for prefix matching
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// LoadConfig loads rate limiting configuration from environment variables.
func LoadConfig() *Config {
	enabled := getEnvBool("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{
			Enabled: false,
		}
	}

	return &Config{
		Enabled:         enabled,
		DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 600),
		DefaultWindow:   getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute),
		CleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		Whitelist:       parseList(getEnvString("RATE_LIMIT_WHITELIST", "")),
		Blacklist:       parseList(getEnvString("RATE_LIMIT_BLACKLIST", "")),
		ActionConfigs:   DefaultActionConfigs(getEnvInt("RATE_LIMIT_MODEL_LIMIT", 120)),
	}
}

// DefaultActionConfigs returns the default per-action configurations.
// modelLimit applies per minute to the actions that call the model.
func DefaultActionConfigs(modelLimit int) []ActionConfig {
	burst := max(modelLimit/6, 1)
	return []ActionConfig{
		// Model-backed actions
		{Action: types.ActionClaimNext, Limit: modelLimit, Window: time.Minute, Burst: burst},
		{Action: types.ActionScopePlan, Limit: modelLimit / 4, Window: time.Minute, Burst: 2},
		{Action: types.ActionVerify, Limit: modelLimit / 4, Window: time.Minute, Burst: 2},

		// Imports carry whole manuscripts
		{Action: types.ActionPutSource, Limit: 30, Window: time.Minute, Burst: 5},

		// Everything else uses the default limit
	}
}

// getEnvString gets an environment variable as a string with a default value.
func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseList parses a comma-separated list of client identifiers (IPs or accounts) into a set.
func parseList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result[item] = true
		}
	}
	return result
}
