package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shpitdev/jsonapi-layout-include/internal/observability"
	"github.com/shpitdev/jsonapi-layout-include/internal/version"
	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/drupal"
)

// maxEnrichBody bounds the upstream bodies buffered for enrichment. Larger
// responses are passed through.
const maxEnrichBody = 32 << 20

// Handler returns the proxy router: health and metrics endpoints, and every
// other request forwarded upstream with JSON:API responses enriched.
func (s *Service) Handler() http.Handler {
	started := time.Now()
	proxy := s.reverseProxy()

	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestID(), observability.RequestLogger(s.log), observability.RequestMetricsMiddleware())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"version": version.Current,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Any(s.Upstream.APIPrefix()+"/*path", gin.WrapH(proxy))
	r.NoRoute(gin.WrapH(proxy))
	return r
}

func (s *Service) reverseProxy() *httputil.ReverseProxy {
	upstream := s.Upstream.BaseURL()
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			// The body is rewritten; let the transport negotiate compression
			// and hand back plain bytes.
			pr.Out.Header.Del("Accept-Encoding")
		},
		ModifyResponse: s.enrichResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("upstream request failed")
			writeProxyError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

// enrichResponse rewrites successful JSON:API documents and merges the
// cacheability of everything fetched into the response headers.
func (s *Service) enrichResponse(resp *http.Response) error {
	if resp.Request == nil || resp.Request.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != drupal.MediaType {
		return nil
	}
	if resp.ContentLength > maxEnrichBody {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnrichBody+1))
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > maxEnrichBody {
		s.log.Warn().Str("path", resp.Request.URL.Path).Msg("response too large to enrich; passing through")
		setBody(resp, body)
		return nil
	}

	sink := cache.FromHeader(resp.Header)
	out, err := s.Enricher.EnrichBody(resp.Request.Context(), body, sink)
	if err != nil {
		s.log.Warn().Err(err).Str("path", resp.Request.URL.Path).Msg("enrichment failed; passing through")
		out = body
	}
	if ctxErr := resp.Request.Context().Err(); ctxErr != nil {
		return ctxErr
	}
	sink.WriteHeader(resp.Header)
	setBody(resp, out)
	return nil
}

func setBody(resp *http.Response, b []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	resp.Header.Set("Content-Length", strconv.Itoa(len(b)))
	resp.Header.Del("Content-Encoding")
}

func writeProxyError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", drupal.MediaType)
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"jsonapi":{"version":"1.0"},"errors":[{"status":"%d","title":%q,"detail":%q}]}`,
		status, http.StatusText(status), detail)
}

// Serve runs the proxy on addr until ctx is done.
func (s *Service) Serve(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Str("version", version.Current).Msg("proxy listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.log.Info().Msg("proxy shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
