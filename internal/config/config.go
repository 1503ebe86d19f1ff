// Package config provides configuration loading and validation for the CLI and the engine server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/scene-rewriter/internal/orchestrator"
)

// Defaults applied by MergeWithDefaults when neither the file nor a flag set a value
const (
	DefaultEngineURL          = "http://localhost:8080"
	DefaultTimeoutSeconds     = 120
	DefaultMaxExpansions      = orchestrator.DefaultMaxExpansions
	DefaultMaxTransientErrors = 5
	DefaultStuckMinutes       = 10
	DefaultPort               = 8080
	DefaultJWTExpirationHours = 24
	DefaultJWTIssuer          = "scene-rewriter"
)

// Config represents the CLI configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults or must be provided via CLI flags.
type Config struct {
	// Engine connection
	EngineURL      string `json:"engine_url,omitempty" validate:"omitempty,url"`
	Token          string `json:"token,omitempty"`
	TokenFile      string `json:"token_file,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0,lte=3600"`

	// Source and edits
	SourceID  string `json:"source_id,omitempty"`
	Notes     string `json:"notes,omitempty"` // Path to a YAML or JSON notes file
	Strategy  string `json:"strategy,omitempty" validate:"omitempty,oneof=auto scene chunk"`
	Selective bool   `json:"selective,omitempty"`

	// Processing loop
	MaxExpansions      *int `json:"max_expansions,omitempty" validate:"omitempty,gte=0,lte=3"` // nil means unset; 0 disables expansion
	MaxTransientErrors int  `json:"max_transient_errors,omitempty" validate:"gte=0"`
	StuckMinutes       int  `json:"stuck_minutes,omitempty" validate:"gte=0"`

	// Local state
	ActivityLog  string `json:"activity_log,omitempty"`   // Mirror the activity log to this file
	RunStateFile string `json:"run_state_file,omitempty"` // Persist run identities to this file

	// Engine server
	Port        int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	APIKey      string `json:"api_key,omitempty"`      // Gemini API key
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL

	Verbose bool `json:"verbose,omitempty"` // Print detailed progress information
}

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those are handled
// by CLI flag validation after merging.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("config error: %s", describeFieldError(fieldErrs[0]))
		}
		return fmt.Errorf("config error: %w", err)
	}

	// Validate mutually exclusive fields
	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("config error: 'token' and 'token_file' are mutually exclusive")
	}

	// Validate file paths exist (if specified)
	if c.Notes != "" {
		if _, err := os.Stat(c.Notes); os.IsNotExist(err) {
			return fmt.Errorf("config error: notes file not found: %s", c.Notes)
		}
	}
	if c.TokenFile != "" {
		if _, err := os.Stat(c.TokenFile); os.IsNotExist(err) {
			return fmt.Errorf("config error: token file not found: %s", c.TokenFile)
		}
	}

	return nil
}

// describeFieldError renders a validator failure using the JSON field name
func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "url":
		return fmt.Sprintf("'%s' must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("'%s' must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("'%s' must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("'%s' must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("'%s' failed the '%s' check", field, fe.Tag())
	}
}

// ApplyEnv fills empty connection and credential fields from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.EngineURL == "" {
		c.EngineURL = getenv("REWRITER_ENGINE_URL")
	}
	if c.Token == "" && c.TokenFile == "" {
		c.Token = getenv("REWRITER_TOKEN")
	}
	if c.APIKey == "" {
		c.APIKey = getenv("GEMINI_API_KEY")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
}

// JWTConfig configures the session tokens the engine server mints and accepts.
// It is read from the environment only; the env tag names the variable.
type JWTConfig struct {
	Secret          string `env:"JWT_SECRET" validate:"required,min=16"`
	ExpirationHours int    `env:"JWT_EXPIRATION_HOURS" validate:"gte=1"`
	Issuer          string `env:"JWT_ISSUER" validate:"required"`
}

// NewJWTConfig reads the session token settings from the process environment
func NewJWTConfig() (*JWTConfig, error) {
	return JWTConfigFromEnv(os.Getenv)
}

// JWTConfigFromEnv reads JWT_SECRET (required), JWT_EXPIRATION_HOURS and JWT_ISSUER through getenv
func JWTConfigFromEnv(getenv func(string) string) (*JWTConfig, error) {
	cfg := &JWTConfig{
		Secret:          getenv("JWT_SECRET"),
		ExpirationHours: DefaultJWTExpirationHours,
		Issuer:          getenv("JWT_ISSUER"),
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultJWTIssuer
	}
	if raw := getenv("JWT_EXPIRATION_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRATION_HOURS %q: %w", raw, err)
		}
		cfg.ExpirationHours = hours
	}

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, errors.New(describeEnvError(fieldErrs[0]))
		}
		return nil, err
	}
	return cfg, nil
}

// describeEnvError renders a JWTConfig validator failure using the environment variable name
func describeEnvError(fe validator.FieldError) string {
	name := fe.StructField()
	if f, ok := reflect.TypeOf(JWTConfig{}).FieldByName(fe.StructField()); ok {
		name = f.Tag.Get("env")
	}
	switch fe.Tag() {
	case "required":
		return name + " is required but not set"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters, got %d", name, fe.Param(), len(fmt.Sprint(fe.Value())))
	case "gte":
		return fmt.Sprintf("%s must be at least %s hour, got %v", name, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed the '%s' check", name, fe.Tag())
	}
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply config file values as defaults for CLI flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.EngineURL == "" {
		result.EngineURL = defaults.EngineURL
	}
	if result.Token == "" && result.TokenFile == "" {
		result.Token = defaults.Token
		result.TokenFile = defaults.TokenFile
	}
	if result.SourceID == "" {
		result.SourceID = defaults.SourceID
	}
	if result.Notes == "" {
		result.Notes = defaults.Notes
	}
	if result.Strategy == "" {
		result.Strategy = defaults.Strategy
	}
	if result.ActivityLog == "" {
		result.ActivityLog = defaults.ActivityLog
	}
	if result.RunStateFile == "" {
		result.RunStateFile = defaults.RunStateFile
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}

	// Int fields: use default if zero
	if result.TimeoutSeconds == 0 {
		result.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if result.MaxExpansions == nil {
		result.MaxExpansions = defaults.MaxExpansions
	}
	if result.MaxTransientErrors == 0 {
		result.MaxTransientErrors = defaults.MaxTransientErrors
	}
	if result.StuckMinutes == 0 {
		result.StuckMinutes = defaults.StuckMinutes
	}
	if result.Port == 0 {
		result.Port = defaults.Port
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// Defaults returns the built-in defaults
func Defaults() Config {
	return Config{
		EngineURL:          DefaultEngineURL,
		Strategy:           "auto",
		TimeoutSeconds:     DefaultTimeoutSeconds,
		MaxExpansions:      Int(DefaultMaxExpansions),
		MaxTransientErrors: DefaultMaxTransientErrors,
		StuckMinutes:       DefaultStuckMinutes,
		Port:               DefaultPort,
		RunStateFile:       filepath.Join(".scene-rewriter", "runs.json"),
	}
}

// Int returns a pointer to n, for optional config fields
func Int(n int) *int {
	return &n
}

// ExpansionBudget returns the configured expansion limit, or the default when unset
func (c *Config) ExpansionBudget() int {
	if c.MaxExpansions == nil {
		return DefaultMaxExpansions
	}
	return *c.MaxExpansions
}

// SessionToken returns the configured token, reading TokenFile when set.
func (c *Config) SessionToken() (string, error) {
	if c.TokenFile == "" {
		return strings.TrimSpace(c.Token), nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file %s: %w", c.TokenFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}
