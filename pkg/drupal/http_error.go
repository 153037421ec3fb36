package drupal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/core"
	"github.com/shpitdev/jsonapi-layout-include/pkg/redact"
)

// errorEnvelope is the JSON:API error document shape. Only the first error
// object is summarised.
type errorEnvelope struct {
	Errors []struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// HTTPError is a sanitized summary of a non-2xx upstream response.
//
// Raw response bodies are never kept; they can carry personal data.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Title      string
	Code       string
	Detail     string

	// Snippet is a redacted, truncated hint for responses that are not
	// JSON:API error documents.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "upstream http error"
	}
	parts := []string{
		fmt.Sprintf("upstream api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if e.Title != "" {
		parts = append(parts, "title="+e.Title)
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Detail != "" {
		parts = append(parts, "detail="+e.Detail)
	}
	if e.Snippet != "" {
		parts = append(parts, "body="+e.Snippet)
	}
	return strings.Join(parts, " ")
}

// Temporary reports whether retrying the same request may succeed.
func (e *HTTPError) Temporary() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newHTTPError(op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
		first := env.Errors[0]
		h.Title = strings.TrimSpace(first.Title)
		h.Code = strings.TrimSpace(first.Code)
		h.Detail = redact.Secrets(first.Detail)
		if len(h.Detail) > 256 {
			h.Detail = h.Detail[:256] + "..."
		}
		if h.Title != "" || h.Code != "" || h.Detail != "" {
			return h
		}
	}

	h.Snippet = redact.Snippet(body, 256)
	return h
}

// classify maps an upstream failure onto the error taxonomy the enricher
// and the worker pool act on.
func classify(h *HTTPError) error {
	switch {
	case h.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", include.ErrNotFound, h)
	case h.StatusCode == http.StatusTooManyRequests:
		return &core.LimitedTransientError{Err: h, ExtraRetries: 2}
	case h.Temporary():
		return core.Transient(h)
	default:
		return h
	}
}

// IsStatus reports whether err carries an upstream response with the given
// status code.
func IsStatus(err error, code int) bool {
	var h *HTTPError
	return errors.As(err, &h) && h.StatusCode == code
}
