package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shpitdev/jsonapi-layout-include/internal/app"
	"github.com/shpitdev/jsonapi-layout-include/internal/config"
	"github.com/shpitdev/jsonapi-layout-include/internal/observability"
	"github.com/shpitdev/jsonapi-layout-include/internal/version"
	"github.com/shpitdev/jsonapi-layout-include/pkg/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "local":
		os.Exit(runLocal(ctx, os.Args[2:]))
	case "proxy":
		os.Exit(runProxy(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// commonFlags are shared by every subcommand and override file and env
// settings when given.
type commonFlags struct {
	configPath     string
	envFile        string
	upstream       string
	siteConfigDir  string
	workers        int
	maxRetries     int
	requestTimeout time.Duration
	rateLimitRPS   float64
	maxDepth       int
	logLevel       string
	logFormat      string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", os.Getenv("ENRICHER_CONFIG"), "TOML config file (env: ENRICHER_CONFIG)")
	fs.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	fs.StringVar(&f.upstream, "upstream", "", "Upstream CMS base URL (env: ENRICHER_UPSTREAM_URL)")
	fs.StringVar(&f.siteConfigDir, "site-config", "", "CMS config-sync directory (env: ENRICHER_SITE_CONFIG_DIR)")
	fs.IntVar(&f.workers, "workers", 0, "Concurrent block fetches per item (env: ENRICHER_WORKERS)")
	fs.IntVar(&f.maxRetries, "max-retries", -1, "Max retries per fetch for transient failures (env: ENRICHER_MAX_RETRIES)")
	fs.DurationVar(&f.requestTimeout, "request-timeout", 0, "Per-fetch timeout (env: ENRICHER_REQUEST_TIMEOUT)")
	fs.Float64Var(&f.rateLimitRPS, "rate-limit-rps", -1, "Global upstream fetch rate limit (RPS), 0 disables (env: ENRICHER_RATE_LIMIT_RPS)")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "Maximum block nesting depth (env: ENRICHER_MAX_DEPTH)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (env: ENRICHER_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: console or json (env: ENRICHER_LOG_FORMAT)")
}

func (f *commonFlags) load() (config.Config, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(f.upstream); v != "" {
		cfg.UpstreamURL = v
	}
	if v := strings.TrimSpace(f.siteConfigDir); v != "" {
		cfg.SiteConfigDir = v
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.maxRetries >= 0 {
		cfg.MaxRetries = f.maxRetries
	}
	if f.requestTimeout > 0 {
		cfg.RequestTimeout = f.requestTimeout
	}
	if f.rateLimitRPS >= 0 {
		cfg.RateLimitRPS = f.rateLimitRPS
	}
	if f.maxDepth > 0 {
		cfg.MaxDepth = f.maxDepth
	}
	if v := strings.TrimSpace(f.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(f.logFormat); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

func runLocal(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	inputPath := fs.String("input", "", "Input JSON:API document path")
	outputPath := fs.String("output", "", "Output document path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inputPath == "" || *outputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "local requires --input and --output")
		return 2
	}

	svc, logger, code := build(common)
	if svc == nil {
		return code
	}
	if _, err := svc.RunLocal(ctx, *inputPath, *outputPath); err != nil {
		logger.Error().Str("error", redact.Secrets(err.Error())).Msg("local run failed")
		return 1
	}
	return 0
}

func runProxy(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "", "Listen address (env: ENRICHER_LISTEN)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	svc, logger, code := build(common)
	if svc == nil {
		return code
	}
	addr := svc.Config.Listen
	if v := strings.TrimSpace(*listen); v != "" {
		addr = v
	}

	gin.SetMode(gin.ReleaseMode)
	if err := svc.Serve(ctx, addr); err != nil {
		logger.Error().Str("error", redact.Secrets(err.Error())).Msg("proxy stopped")
		return 1
	}
	return 0
}

func build(common commonFlags) (*app.Service, zerolog.Logger, int) {
	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return nil, zerolog.Nop(), 2
	}
	logger := observability.InitLogger("enricher", cfg.LogLevel, cfg.LogFormat)
	svc, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error().Str("error", redact.Secrets(err.Error())).Msg("startup failed")
		return nil, logger, 2
	}
	return svc, logger, 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `enricher: resolves layout sections of JSON:API responses into nested blocks

Usage:
  enricher <command> [flags]

Commands:
  local    Enrich a saved response document (--input, --output)
  proxy    Run the enriching reverse proxy in front of the CMS
  version  Print the version

Examples:
  enricher local --config enricher.toml --input page.json --output enriched.json
  enricher proxy --config enricher.toml --listen :8080

Environment:
  ENRICHER_CONFIG           TOML config file
  ENRICHER_UPSTREAM_URL     CMS base URL (e.g. https://cms.example.com)
  ENRICHER_TOKEN_FILE       File path containing a bearer token
  ENRICHER_CA_PATH          PEM bundle to trust for the upstream
  ENRICHER_SITE_CONFIG_DIR  CMS config-sync export directory
  ENRICHER_BLOCK_BUNDLES    Comma-separated block bundles (default: from site config)
  ENRICHER_WORKERS, ENRICHER_MAX_RETRIES, ENRICHER_REQUEST_TIMEOUT,
  ENRICHER_RATE_LIMIT_RPS, ENRICHER_MAX_DEPTH, ENRICHER_LOG_LEVEL, ENRICHER_LOG_FORMAT

`)
}
