// Package config loads the enricher service settings: defaults, then an
// optional TOML file, then ENRICHER_* environment variables. Command-line
// flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the resolved service configuration.
type Config struct {
	// UpstreamURL is the CMS site root serving JSON:API.
	UpstreamURL     string
	APIPrefix       string
	TokenFile       string
	CAPath          string
	UpstreamTimeout time.Duration
	FlattenIncludes bool

	// SiteConfigDir is the CMS config-sync export.
	SiteConfigDir string
	// BlockBundles overrides the block bundles found in SiteConfigDir.
	BlockBundles []string

	Listen    string
	LogLevel  string
	LogFormat string

	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration
	RateLimitRPS   float64
	MaxDepth       int
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		APIPrefix:       "jsonapi",
		UpstreamTimeout: 60 * time.Second,
		FlattenIncludes: true,
		Listen:          ":8080",
		LogLevel:        "info",
		LogFormat:       "console",
		Workers:         4,
		MaxRetries:      2,
		RequestTimeout:  10 * time.Second,
		MaxDepth:        8,
	}
}

// enricher.toml key mapping to Config.
type fileConfig struct {
	UpstreamURL     string   `toml:"upstream_url"`
	APIPrefix       string   `toml:"api_prefix"`
	TokenFile       string   `toml:"token_file"`
	CAPath          string   `toml:"ca_path"`
	UpstreamTimeout string   `toml:"upstream_timeout"`
	FlattenIncludes bool     `toml:"flatten_includes"`
	SiteConfigDir   string   `toml:"site_config_dir"`
	BlockBundles    []string `toml:"block_bundles"`
	Listen          string   `toml:"listen"`
	LogLevel        string   `toml:"log_level"`
	LogFormat       string   `toml:"log_format"`
	Workers         int      `toml:"workers"`
	MaxRetries      int      `toml:"max_retries"`
	RequestTimeout  string   `toml:"request_timeout"`
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	MaxDepth        int      `toml:"max_depth"`
}

// Load resolves the configuration. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if p := strings.TrimSpace(path); p != "" {
		var err error
		if cfg, err = overlayFile(cfg, p); err != nil {
			return Config{}, err
		}
	}
	cfg, err := overlayEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("upstream_url") {
		cfg.UpstreamURL = strings.TrimSpace(raw.UpstreamURL)
	}
	if meta.IsDefined("api_prefix") {
		cfg.APIPrefix = strings.TrimSpace(raw.APIPrefix)
	}
	if meta.IsDefined("token_file") {
		cfg.TokenFile = strings.TrimSpace(raw.TokenFile)
	}
	if meta.IsDefined("ca_path") {
		cfg.CAPath = strings.TrimSpace(raw.CAPath)
	}
	if meta.IsDefined("upstream_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.UpstreamTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("load config: upstream_timeout: %w", err)
		}
		cfg.UpstreamTimeout = d
	}
	if meta.IsDefined("flatten_includes") {
		cfg.FlattenIncludes = raw.FlattenIncludes
	}
	if meta.IsDefined("site_config_dir") {
		cfg.SiteConfigDir = strings.TrimSpace(raw.SiteConfigDir)
	}
	if meta.IsDefined("block_bundles") {
		cfg.BlockBundles = cleanList(raw.BlockBundles)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("load config: request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if meta.IsDefined("rate_limit_rps") {
		cfg.RateLimitRPS = raw.RateLimitRPS
	}
	if meta.IsDefined("max_depth") {
		cfg.MaxDepth = raw.MaxDepth
	}
	return cfg, nil
}

func overlayEnv(cfg Config) (Config, error) {
	strs := []struct {
		name string
		dst  *string
	}{
		{"ENRICHER_UPSTREAM_URL", &cfg.UpstreamURL},
		{"ENRICHER_API_PREFIX", &cfg.APIPrefix},
		{"ENRICHER_TOKEN_FILE", &cfg.TokenFile},
		{"ENRICHER_CA_PATH", &cfg.CAPath},
		{"ENRICHER_SITE_CONFIG_DIR", &cfg.SiteConfigDir},
		{"ENRICHER_LISTEN", &cfg.Listen},
		{"ENRICHER_LOG_LEVEL", &cfg.LogLevel},
		{"ENRICHER_LOG_FORMAT", &cfg.LogFormat},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(os.Getenv(s.name)); v != "" {
			*s.dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENRICHER_BLOCK_BUNDLES")); v != "" {
		cfg.BlockBundles = cleanList(strings.Split(v, ","))
	}

	var err error
	if cfg.UpstreamTimeout, err = envDuration("ENRICHER_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FlattenIncludes, err = envBool("ENRICHER_FLATTEN_INCLUDES", cfg.FlattenIncludes); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = envInt("ENRICHER_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = envInt("ENRICHER_MAX_RETRIES", cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = envDuration("ENRICHER_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRPS, err = envFloat("ENRICHER_RATE_LIMIT_RPS", cfg.RateLimitRPS); err != nil {
		return Config{}, err
	}
	if cfg.MaxDepth, err = envInt("ENRICHER_MAX_DEPTH", cfg.MaxDepth); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.UpstreamURL) == "":
		return fmt.Errorf("upstream_url (ENRICHER_UPSTREAM_URL) is required")
	case strings.TrimSpace(c.SiteConfigDir) == "":
		return fmt.Errorf("site_config_dir (ENRICHER_SITE_CONFIG_DIR) is required")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1 (got %d)", c.Workers)
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative (got %d)", c.MaxRetries)
	case c.MaxDepth < 1:
		return fmt.Errorf("max_depth must be at least 1 (got %d)", c.MaxDepth)
	case c.RateLimitRPS < 0:
		return fmt.Errorf("rate_limit_rps must not be negative (got %g)", c.RateLimitRPS)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json (got %q)", c.LogFormat)
	}
	return nil
}

// Token reads the bearer token from TokenFile. No file means no token.
func (c Config) Token() (string, error) {
	p := strings.TrimSpace(c.TokenFile)
	if p == "" {
		return "", nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without replacing variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
