package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultImageMaxMB         = 5.0
	DefaultAPIPath            = "/procesar"
	DefaultHTTPTimeoutSeconds = 60
	DefaultMockDelayMs        = 1200
	DefaultListenAddr         = ":8080"
	DefaultResultTTLSeconds   = 600
	DefaultSessionIdleMinutes = 30
)

// Config holds every recognised option. Values come from a YAML file, then environment
// variables, then defaults.
type Config struct {
	APIBaseURLRaw      string  `yaml:"api_base_url"`
	APIPath            string  `yaml:"api_path"`
	ImageMaxMBRaw      float64 `yaml:"image_max_mb"`
	GRPCTarget         string  `yaml:"grpc_target"`
	HTTPTimeoutSeconds int     `yaml:"http_timeout_seconds"`
	MockDelayMs        *int    `yaml:"mock_delay_ms"`

	Runtime      string   `yaml:"runtime"`
	AllowLibrary *bool    `yaml:"allow_library"`
	AllowCamera  *bool    `yaml:"allow_camera"`
	InlineBase64 *bool    `yaml:"inline_base64"`
	MediaRoots   []string `yaml:"media_roots"`
	WorkDir      string   `yaml:"work_dir"`

	ListenAddr         string `yaml:"listen_addr"`
	RedisAddr          string `yaml:"redis_addr"`
	DatabaseDSN        string `yaml:"database_dsn"`
	JWTSecret          string `yaml:"jwt_secret"`
	JWTAudience        string `yaml:"jwt_audience"`
	AuthDisabled       bool   `yaml:"auth_disabled"`
	ResultTTLSeconds   int    `yaml:"result_ttl_seconds"`
	SessionIdleMinutes int    `yaml:"session_idle_minutes"`
}

// Load reads CONFIG_PATH (default config.yaml) when present and applies env overrides.
// A missing file is not an error; any other read failure is.
func Load() (Config, error) {
	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configPath, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	envOverrideAllowEmpty(&cfg.APIBaseURLRaw, "API_BASE_URL")
	envOverride(&cfg.APIPath, "API_PATH")
	envOverride(&cfg.GRPCTarget, "GRPC_TARGET")
	envOverride(&cfg.Runtime, "RUNTIME")
	envOverride(&cfg.WorkDir, "WORK_DIR")
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.RedisAddr, "REDIS_ADDR")
	envOverride(&cfg.DatabaseDSN, "DATABASE_DSN")
	envOverride(&cfg.JWTSecret, "JWT_SECRET")
	envOverride(&cfg.JWTAudience, "JWT_AUDIENCE")
	envOverrideBool(&cfg.AuthDisabled, "AUTH_DISABLED")
	envOverrideBoolPtr(&cfg.AllowLibrary, "ALLOW_LIBRARY")
	envOverrideBoolPtr(&cfg.AllowCamera, "ALLOW_CAMERA")
	envOverrideBoolPtr(&cfg.InlineBase64, "INLINE_BASE64")

	// IMAGE_MAX_MB falls back to the default on bad input instead of failing
	if val := os.Getenv("IMAGE_MAX_MB"); val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			cfg.ImageMaxMBRaw = parsed
		} else {
			cfg.ImageMaxMBRaw = 0
		}
	}

	if roots := os.Getenv("MEDIA_ROOTS"); roots != "" {
		cfg.MediaRoots = nil
		for _, r := range strings.Split(roots, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				cfg.MediaRoots = append(cfg.MediaRoots, r)
			}
		}
	}

	for key, field := range map[string]*int{
		"HTTP_TIMEOUT_SECONDS": &cfg.HTTPTimeoutSeconds,
		"RESULT_TTL_SECONDS":   &cfg.ResultTTLSeconds,
		"SESSION_IDLE_MINUTES": &cfg.SessionIdleMinutes,
	} {
		if err := envOverrideInt(field, key); err != nil {
			return err
		}
	}
	if val := os.Getenv("MOCK_DELAY_MS"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid MOCK_DELAY_MS '%s': %w", val, err)
		}
		cfg.MockDelayMs = &parsed
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.APIPath == "" {
		cfg.APIPath = DefaultAPIPath
	}
	if !strings.HasPrefix(cfg.APIPath, "/") {
		cfg.APIPath = "/" + cfg.APIPath
	}
	if cfg.HTTPTimeoutSeconds == 0 {
		cfg.HTTPTimeoutSeconds = DefaultHTTPTimeoutSeconds
	}
	// zero disables the delay; unset or negative means the default
	if cfg.MockDelayMs == nil || *cfg.MockDelayMs < 0 {
		delay := DefaultMockDelayMs
		cfg.MockDelayMs = &delay
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "native"
	}
	if cfg.AllowLibrary == nil {
		cfg.AllowLibrary = boolPtr(true)
	}
	if cfg.AllowCamera == nil {
		cfg.AllowCamera = boolPtr(true)
	}
	if cfg.InlineBase64 == nil {
		cfg.InlineBase64 = boolPtr(true)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ResultTTLSeconds == 0 {
		cfg.ResultTTLSeconds = DefaultResultTTLSeconds
	}
	if cfg.SessionIdleMinutes == 0 {
		cfg.SessionIdleMinutes = DefaultSessionIdleMinutes
	}
}

func (c Config) validate() error {
	switch strings.ToLower(c.Runtime) {
	case "native", "web":
	default:
		return fmt.Errorf("runtime must be 'native' or 'web', got '%s'", c.Runtime)
	}
	if c.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("invalid http_timeout_seconds '%d': must be >= 0", c.HTTPTimeoutSeconds)
	}
	if c.ResultTTLSeconds < 1 {
		return fmt.Errorf("invalid result_ttl_seconds '%d': must be >= 1", c.ResultTTLSeconds)
	}
	if c.SessionIdleMinutes < 1 {
		return fmt.Errorf("invalid session_idle_minutes '%d': must be >= 1", c.SessionIdleMinutes)
	}
	return nil
}

// ValidateServer checks the options only the HTTP server needs.
func (c Config) ValidateServer() error {
	if !c.AuthDisabled && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret is required unless auth_disabled is set")
	}
	return nil
}

// APIBaseURL returns the trimmed analysis service URL; false means mock mode.
func (c Config) APIBaseURL() (string, bool) {
	url := strings.TrimSpace(c.APIBaseURLRaw)
	return url, url != ""
}

// MaxImageMB returns the configured soft limit, defaulting to 5 for absent or invalid values.
func (c Config) MaxImageMB() float64 {
	if c.ImageMaxMBRaw > 0 {
		return c.ImageMaxMBRaw
	}
	return DefaultImageMaxMB
}

// MaxImageBytes is MaxImageMB in bytes.
func (c Config) MaxImageBytes() int64 {
	return int64(c.MaxImageMB() * 1024 * 1024)
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c Config) MockDelay() time.Duration {
	if c.MockDelayMs == nil || *c.MockDelayMs < 0 {
		return DefaultMockDelayMs * time.Millisecond
	}
	return time.Duration(*c.MockDelayMs) * time.Millisecond
}

func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.ResultTTLSeconds) * time.Second
}

func (c Config) SessionIdle() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = parseBool(val)
	}
}

func envOverrideBoolPtr(field **bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = boolPtr(parseBool(val))
	}
}

func parseBool(val string) bool {
	return strings.EqualFold(val, "true") || val == "1"
}

func boolPtr(v bool) *bool {
	return &v
}
