// Package config resolves the immutable RunConfig from flags, environment,
// an optional .env file and an optional YAML config file.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	apperrors "chatload/internal/errors"
	"chatload/internal/payload"
)

const (
	DefaultURL        = "http://llm.local/v1/chat/completions"
	DefaultWorkers    = 1
	DefaultIterations = 10

	RequestTimeout   = 600 * time.Second
	MaxRunDuration   = 30 * time.Minute
	FailureThreshold = 0.01
)

// Viper keys. Flags are bound to the same names in cmd.
const (
	KeyURL           = "url"
	KeyPayload       = "payload"
	KeyVUs           = "vus"
	KeyIterations    = "iterations"
	KeyAPIKey        = "api_key"
	KeySummaryExport = "summary_export"
	KeyLogLevel      = "log_level"
	KeyTUI           = "tui"
)

var envBindings = map[string]string{
	KeyURL:           "BASE_URL",
	KeyPayload:       "PAYLOAD_TYPE",
	KeyVUs:           "VUS",
	KeyIterations:    "TOTAL_N",
	KeyAPIKey:        "API_KEY",
	KeySummaryExport: "SUMMARY_EXPORT",
	KeyLogLevel:      "LOG_LEVEL",
}

// RunConfig is resolved once at start and read-only afterwards.
type RunConfig struct {
	URL              string
	Payload          payload.Variant
	Workers          int
	Iterations       int
	RequestTimeout   time.Duration
	MaxDuration      time.Duration
	FailureThreshold float64

	APIKey        string
	SummaryExport string
	LogLevel      string
	TUI           bool
}

// Default returns the configuration used when nothing is set.
func Default() RunConfig {
	return RunConfig{
		URL:              DefaultURL,
		Payload:          payload.VariantShort,
		Workers:          DefaultWorkers,
		Iterations:       DefaultIterations,
		RequestTimeout:   RequestTimeout,
		MaxDuration:      MaxRunDuration,
		FailureThreshold: FailureThreshold,
		LogLevel:         "info",
	}
}

// NewViper returns a viper instance with the environment bindings installed.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
	v.SetDefault(KeyLogLevel, "info")
	return v
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return apperrors.NewConfigError("load "+path, err)
	}
	return nil
}

// ReadConfigFile merges a YAML config file into v. With an empty path it
// looks for $HOME/.chatload.yaml and silently skips it if absent.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return apperrors.NewConfigError("read config file", err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigType("yaml")
	v.SetConfigName(".chatload")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if stderrors.As(err, &notFound) {
			return nil
		}
		return apperrors.NewConfigError("read "+filepath.Join(home, ".chatload.yaml"), err)
	}
	return nil
}

// Load resolves a RunConfig from v. Zero or unparsable worker and iteration
// counts fall back to their defaults; an unknown payload name falls back to
// short with a warning.
func Load(v *viper.Viper, log *zap.Logger) (RunConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := Default()

	if u := strings.TrimSpace(v.GetString(KeyURL)); u != "" {
		cfg.URL = u
	}

	raw := v.GetString(KeyPayload)
	variant, ok := payload.ParseVariant(raw)
	if !ok {
		log.Warn("unknown payload type, using short", zap.String("payload_type", raw))
	}
	cfg.Payload = variant

	var err error
	if cfg.Workers, err = positiveOrDefault(parseIntPrefix(v.GetString(KeyVUs)), DefaultWorkers, "VUS"); err != nil {
		return RunConfig{}, err
	}
	if cfg.Iterations, err = positiveOrDefault(parseIntPrefix(v.GetString(KeyIterations)), DefaultIterations, "TOTAL_N"); err != nil {
		return RunConfig{}, err
	}

	cfg.APIKey = v.GetString(KeyAPIKey)
	cfg.SummaryExport = v.GetString(KeySummaryExport)
	cfg.LogLevel = v.GetString(KeyLogLevel)
	cfg.TUI = v.GetBool(KeyTUI)

	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// parseIntPrefix reads the leading base-10 integer of s after trimming
// whitespace, so "08" is 8, "20abc" is 20 and "2.5" is 2. It returns 0 when
// s has no leading digits or the value does not fit an int.
func parseIntPrefix(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 0)
	if err != nil {
		return 0
	}
	return int(n)
}

func positiveOrDefault(n, def int, name string) (int, error) {
	switch {
	case n == 0:
		return def, nil
	case n < 0:
		return 0, apperrors.NewConfigError(fmt.Sprintf("%s must be positive, got %d", name, n), nil)
	default:
		return n, nil
	}
}

// Validate checks the fields the runner depends on.
func (c RunConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return apperrors.NewConfigError("invalid target url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.NewConfigError(fmt.Sprintf("target url %q must be absolute http(s)", c.URL), nil)
	}
	if _, err := payload.New(c.Payload); err != nil {
		return apperrors.NewConfigError("invalid payload", err)
	}
	if c.Workers <= 0 {
		return apperrors.NewConfigError("worker count must be positive", nil)
	}
	if c.Iterations <= 0 {
		return apperrors.NewConfigError("iteration count must be positive", nil)
	}
	if c.RequestTimeout <= 0 || c.MaxDuration <= 0 {
		return apperrors.NewConfigError("timeouts must be positive", nil)
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		return apperrors.NewConfigError("failure threshold must be in (0, 1]", nil)
	}
	return nil
}
