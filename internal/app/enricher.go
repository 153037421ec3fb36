// Package app wires the enricher to its upstream and configuration and runs
// it either over a saved document or as a reverse proxy.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shpitdev/jsonapi-layout-include/internal/config"
	"github.com/shpitdev/jsonapi-layout-include/internal/observability"
	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/drupal"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/siteconfig"
)

// Service is a configured enricher with its collaborators.
type Service struct {
	Config   config.Config
	Site     *siteconfig.Site
	Upstream *drupal.Client
	Enricher *include.Enricher

	log zerolog.Logger
}

// Build loads the site configuration and connects the enricher to the
// upstream described by cfg.
func Build(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}

	site, err := siteconfig.Load(cfg.SiteConfigDir)
	if err != nil {
		return nil, fmt.Errorf("load site config: %w", err)
	}
	bundles := cfg.BlockBundles
	if len(bundles) == 0 {
		bundles = site.BlockBundles()
	}

	client, err := drupal.NewClient(drupal.Options{
		BaseURL:         cfg.UpstreamURL,
		APIPrefix:       cfg.APIPrefix,
		Token:           token,
		CAPath:          cfg.CAPath,
		Timeout:         cfg.UpstreamTimeout,
		BlockBundles:    bundles,
		FlattenIncludes: cfg.FlattenIncludes,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	enricher, err := include.New(include.Deps{
		Displays:      site,
		Blocks:        client,
		ResourceTypes: site,
		Fetcher:       client,
		Layouts:       site,
		Metrics:       observability.NewEnrichMetrics(),
	}, include.Options{
		Workers:        cfg.Workers,
		MaxRetries:     cfg.MaxRetries,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		MaxDepth:       cfg.MaxDepth,
		BasePath:       client.APIPrefix(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("upstream", client.BaseURL().Redacted()).
		Str("site_config", cfg.SiteConfigDir).
		Int("displays", site.Displays()).
		Strs("block_bundles", bundles).
		Int("workers", cfg.Workers).
		Int("max_retries", cfg.MaxRetries).
		Dur("request_timeout", cfg.RequestTimeout).
		Float64("rate_limit_rps", cfg.RateLimitRPS).
		Msg("enricher ready")

	return &Service{
		Config:   cfg,
		Site:     site,
		Upstream: client,
		Enricher: enricher,
		log:      logger,
	}, nil
}

// RunLocal enriches the response document at inputPath and writes the
// result to outputPath. It returns the cacheability the result depends on.
func (s *Service) RunLocal(ctx context.Context, inputPath, outputPath string) (*cache.Metadata, error) {
	body, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sink := cache.New()
	out, err := s.Enricher.EnrichBody(ctx, body, sink)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outF, err := os.Create(outputPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = outF.Close()
	}()
	if _, err := outF.Write(out); err != nil {
		return nil, err
	}
	if err := outF.Close(); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("input", inputPath).
		Str("output", outputPath).
		Strs("cache_tags", sink.CacheTags()).
		Strs("cache_contexts", sink.CacheContexts()).
		Int("cache_max_age", sink.CacheMaxAge()).
		Dur("duration", time.Since(start).Round(time.Millisecond)).
		Msg("local run complete")
	return sink, nil
}
