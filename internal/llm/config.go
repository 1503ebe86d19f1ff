// Package llm provides model configuration and the client abstraction the reference rewrite
// engine uses to call a hosted model.
package llm

import (
	"strconv"
	"strings"
)

// ModelTier represents the capability level of a model
type ModelTier string

const (
	// TierLite is for cheap checks: continuity verification
	TierLite ModelTier = "lite"
	// TierStandard is for structured output: scope planning
	TierStandard ModelTier = "standard"
	// TierAdvanced is for prose: unit rewriting
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// DefaultTemperature keeps rewrites close to the source
const DefaultTemperature float32 = 0.4

// Config holds the model configuration
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Temperature float32
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: DefaultTemperature,
	}
}

// ConfigFromEnv returns the default configuration with REWRITER_MODEL_LITE, REWRITER_MODEL_STANDARD,
// REWRITER_MODEL_ADVANCED and REWRITER_MODEL_TEMPERATURE applied
func ConfigFromEnv(getenv func(string) string) *Config {
	cfg := DefaultConfig()
	for tier, key := range map[ModelTier]string{
		TierLite:     "REWRITER_MODEL_LITE",
		TierStandard: "REWRITER_MODEL_STANDARD",
		TierAdvanced: "REWRITER_MODEL_ADVANCED",
	} {
		if model := strings.TrimSpace(getenv(key)); model != "" {
			cfg = cfg.WithModel(tier, model)
		}
	}
	if raw := strings.TrimSpace(getenv("REWRITER_MODEL_TEMPERATURE")); raw != "" {
		if t, err := strconv.ParseFloat(raw, 32); err == nil && t >= 0 && t <= 2 {
			cfg.Temperature = float32(t)
		}
	}
	return cfg
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string, len(c.Models)+1),
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}
