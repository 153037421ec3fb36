package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/mockdrupal"
)

func main() {
	addr := defaultString("MOCK_DRUPAL_ADDR", ":8081")
	fixturesDir := defaultString("MOCK_DRUPAL_FIXTURES_DIR", "/data/fixtures")
	token := defaultString("MOCK_DRUPAL_TOKEN", "")
	maxAge := defaultString("MOCK_DRUPAL_MAX_AGE", strconv.Itoa(cache.Permanent))

	fs := flag.NewFlagSet("mock-drupal", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&fixturesDir, "fixtures", fixturesDir, "Directory of single-resource JSON:API documents (*.json, e.g. <type>--<bundle>--<uuid>.json)")
	fs.StringVar(&token, "token", token, "Require this bearer token (also supports env: MOCK_DRUPAL_TOKEN)")
	fs.StringVar(&maxAge, "max-age", maxAge, "Max-age advertised on responses, -1 for permanent")
	_ = fs.Parse(os.Args[1:])

	age, err := strconv.Atoi(strings.TrimSpace(maxAge))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid max-age %q: %v\n", maxAge, err)
		os.Exit(2)
	}

	srv := mockdrupal.New()
	srv.RequireBearerToken(token)
	srv.SetMaxAge(age)
	n, err := srv.LoadFixtures(fixturesDir)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load fixtures: %v\n", err)
		os.Exit(1)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-drupal listening on %s (fixtures=%s resources=%d)\n", addr, fixturesDir, n)
	hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if err := hs.ListenAndServe(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
