// Package drupal talks to the upstream CMS JSON:API: it fetches individual
// resources and looks up block entities by uuid.
package drupal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
)

// MediaType is the JSON:API media type.
const MediaType = "application/vnd.api+json"

// filterPageSize is the largest page the upstream serves without paging.
const filterPageSize = 50

// Options configures a Client.
type Options struct {
	// BaseURL is the site root, e.g. "https://cms.example.com".
	BaseURL string
	// APIPrefix is the JSON:API path prefix. Default "jsonapi".
	APIPrefix string
	Token     string
	// CAPath optionally points at a PEM bundle to trust instead of the
	// system roots.
	CAPath  string
	Timeout time.Duration

	// BlockBundles are the block_content bundles LoadBlocks searches.
	BlockBundles []string

	// FlattenIncludes asks the upstream to inline included resources into
	// relationships (jsonapi_include).
	FlattenIncludes bool

	Logger zerolog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL      *url.URL
	apiPrefix    string
	token        string
	http         *http.Client
	blockBundles []string
	flatten      bool
	log          zerolog.Logger
}

var (
	_ include.IndividualFetcher = (*Client)(nil)
	_ include.BlockStorage      = (*Client)(nil)
)

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(opts.CAPath, opts.Timeout)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(strings.TrimSpace(opts.APIPrefix), "/")
	if prefix == "" {
		prefix = "jsonapi"
	}
	var bundles []string
	for _, b := range opts.BlockBundles {
		if b = strings.TrimSpace(b); b != "" && !slices.Contains(bundles, b) {
			bundles = append(bundles, b)
		}
	}
	return &Client{
		baseURL:      base,
		apiPrefix:    prefix,
		token:        strings.TrimSpace(opts.Token),
		http:         hc,
		blockBundles: bundles,
		flatten:      opts.FlattenIncludes,
		log:          opts.Logger.With().Str("component", "drupal").Logger(),
	}, nil
}

// BaseURL returns the parsed site root.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// APIPrefix returns the JSON:API path prefix with a leading slash.
func (c *Client) APIPrefix() string {
	return "/" + c.apiPrefix
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base URL must include a host (got %q)", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(caPath string, timeout time.Duration) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(caPath); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse CA bundle: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}

func (c *Client) resolve(p string) *url.URL {
	return c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(p, "/")})
}

// GetIndividual fetches one resource with the includes of req.
func (c *Client) GetIndividual(ctx context.Context, entity include.Entity, req include.SubRequest) (include.Individual, error) {
	p := req.Path
	if p == "" {
		p = path.Join(c.apiPrefix, entity.EntityType, entity.Bundle, entity.UUID)
	}
	u := c.resolve(p)
	q := url.Values{}
	if len(req.Includes) > 0 {
		q.Set("include", strings.Join(req.Includes, ","))
	}
	if c.flatten {
		q.Set("jsonapi_include", "1")
	}
	u.RawQuery = q.Encode()

	body, header, err := c.get(ctx, "getIndividual", u)
	if err != nil {
		return include.Individual{}, err
	}
	return include.Individual{Body: body, Cache: cache.FromHeader(header)}, nil
}

// LoadBlocks looks up block_content entities by uuid across the configured
// block bundles. Each entity is tagged with its internal id.
func (c *Client) LoadBlocks(ctx context.Context, uuids []string) (map[string]include.Entity, error) {
	if len(c.blockBundles) == 0 {
		return nil, fmt.Errorf("no block bundles configured")
	}
	out := make(map[string]include.Entity, len(uuids))
	for _, bundle := range c.blockBundles {
		pending := make([]string, 0, len(uuids))
		for _, id := range uuids {
			if _, ok := out[id]; !ok {
				pending = append(pending, id)
			}
		}
		for chunk := range slices.Chunk(pending, filterPageSize) {
			found, err := c.filterBlocks(ctx, bundle, chunk)
			if err != nil {
				return nil, err
			}
			for _, e := range found {
				out[e.UUID] = e
			}
		}
	}
	return out, nil
}

func (c *Client) filterBlocks(ctx context.Context, bundle string, uuids []string) ([]include.Entity, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	u := c.resolve(path.Join(c.apiPrefix, include.BlockEntityType, bundle))
	q := url.Values{}
	q.Set("filter[uuid][condition][path]", "id")
	q.Set("filter[uuid][condition][operator]", "IN")
	for _, id := range uuids {
		q.Add("filter[uuid][condition][value][]", id)
	}
	q.Set("fields["+include.BlockEntityType+jsonapi.TypeSeparator+bundle+"]", "drupal_internal__id")
	q.Set("page[limit]", strconv.Itoa(filterPageSize))
	u.RawQuery = q.Encode()

	body, _, err := c.get(ctx, "loadBlocks", u)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			// Bundle not exposed over the API.
			c.log.Debug().Str("bundle", bundle).Msg("block bundle has no resource type")
			return nil, nil
		}
		return nil, err
	}

	doc, err := jsonapi.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("parse block lookup response: %w", err)
	}
	out := make([]include.Entity, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		if item == nil || item.ID == "" {
			continue
		}
		e := include.Entity{EntityType: include.BlockEntityType, Bundle: bundle, UUID: item.ID}
		if _, b, ok := jsonapi.SplitType(item.Type); ok {
			e.Bundle = b
		}
		if id, ok := internalID(item); ok {
			e.Tags = []string{include.BlockEntityType + ":" + id}
		}
		out = append(out, e)
	}
	return out, nil
}

// internalID reads drupal_internal__id from attributes or, for flattened
// responses, from the resource itself.
func internalID(item *jsonapi.ResourceItem) (string, bool) {
	raw, ok := item.Attribute("drupal_internal__id")
	if !ok {
		return "", false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return n.String(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}
	return "", false
}

func (c *Client) get(ctx context.Context, op string, u *url.URL) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", MediaType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, nil, classify(newHTTPError(op, resp, b))
	}
	return b, resp.Header, nil
}
