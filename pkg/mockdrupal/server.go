// Package mockdrupal serves a minimal CMS JSON:API surface from in-memory
// resources: individual resources, bundle collections and the uuid filter
// used for block lookups.
package mockdrupal

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Query  string
}

type resource struct {
	entityType string
	bundle     string
	uuid       string
	item       *jsonapi.ResourceItem
	included   json.RawMessage
	tags       []string
}

// Server implements the subset of the JSON:API module the enricher talks to.
type Server struct {
	prefix string

	mu        sync.Mutex
	calls     []Call
	resources map[string]*resource
	// order keeps collection responses stable.
	order []string
	// failures queues status codes to answer a path with before serving it.
	failures map[string][]int
	maxAge   int

	expectedAuthorization string
}

// New constructs a server answering below /jsonapi.
func New() *Server {
	return &Server{
		prefix:    "/jsonapi/",
		resources: make(map[string]*resource),
		failures:  make(map[string][]int),
		maxAge:    cache.Permanent,
	}
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// SetMaxAge sets the max-age advertised on every response.
func (s *Server) SetMaxAge(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxAge = seconds
}

// AddDocument stores a single-resource document. The resource's type and id
// decide where it is served. Extra tags are advertised alongside the
// entity's own tag.
func (s *Server) AddDocument(body []byte, tags ...string) error {
	doc, err := jsonapi.Decode(body)
	if err != nil {
		return err
	}
	item, ok := doc.Data.Item()
	if !ok || item == nil {
		return fmt.Errorf("document must hold a single resource")
	}
	et, bundle, ok := jsonapi.SplitType(item.Type)
	if !ok || item.ID == "" {
		return fmt.Errorf("resource needs an entityType--bundle type and an id (got %q/%q)", item.Type, item.ID)
	}

	r := &resource{
		entityType: et,
		bundle:     bundle,
		uuid:       item.ID,
		item:       item,
		included:   doc.Members["included"],
		tags:       append([]string{entityTag(et, item)}, tags...),
	}
	key := resourceKey(et, bundle, item.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[key]; !exists {
		s.order = append(s.order, key)
	}
	s.resources[key] = r
	return nil
}

// AddResource stores a resource built from its parts.
func (s *Server) AddResource(resourceType, id string, attributes map[string]any, tags ...string) error {
	body, err := json.Marshal(map[string]any{
		"data": map[string]any{
			"type":       resourceType,
			"id":         id,
			"attributes": attributes,
		},
	})
	if err != nil {
		return err
	}
	return s.AddDocument(body, tags...)
}

// FailNext makes the next len(statuses) requests for urlPath answer with
// the given statuses.
func (s *Server) FailNext(urlPath string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[urlPath] = append(s.failures[urlPath], statuses...)
}

// LoadFixtures stores every *.json document below dir.
func (s *Server) LoadFixtures(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := s.AddDocument(b); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		n++
		return nil
	})
	return n, err
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.prefix, s.handleJSONAPI)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != expected {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
		return false
	}
	return true
}

func (s *Server) takeFailure(urlPath string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.failures[urlPath]
	if len(q) == 0 {
		return 0, false
	}
	s.failures[urlPath] = q[1:]
	return q[0], true
}

func (s *Server) handleJSONAPI(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "only GET is served")
		return
	}
	if status, ok := s.takeFailure(r.URL.Path); ok {
		writeError(w, status, http.StatusText(status), "injected failure")
		return
	}

	// /jsonapi/{entityType}/{bundle}
	// /jsonapi/{entityType}/{bundle}/{uuid}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, s.prefix), "/"), "/")
	for _, p := range parts {
		if !isSafeToken(p) {
			writeError(w, http.StatusBadRequest, "Bad Request", "invalid path segment")
			return
		}
	}
	switch len(parts) {
	case 2:
		s.serveCollection(w, r, parts[0], parts[1])
	case 3:
		s.serveIndividual(w, parts[0], parts[1], parts[2])
	default:
		writeError(w, http.StatusNotFound, "Not Found", "no route matches "+r.URL.Path)
	}
}

func (s *Server) serveIndividual(w http.ResponseWriter, entityType, bundle, id string) {
	s.mu.Lock()
	res, ok := s.resources[resourceKey(entityType, bundle, id)]
	maxAge := s.maxAge
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found", fmt.Sprintf("the requested %s--%s was not found", entityType, bundle))
		return
	}

	doc := map[string]any{"data": res.item}
	if len(res.included) > 0 {
		doc["included"] = res.included
	}
	md := cache.New()
	md.AddTags(res.tags...)
	md.AddTags("config:jsonapi_resource_config_list")
	md.AddContexts("url.query_args:include")
	md.MergeMaxAge(maxAge)
	writeDocument(w, md, doc)
}

func (s *Server) serveCollection(w http.ResponseWriter, r *http.Request, entityType, bundle string) {
	q := r.URL.Query()
	var want []string
	if q.Get("filter[uuid][condition][path]") == "id" {
		want = q["filter[uuid][condition][value][]"]
	}
	limit := 50
	if v, err := strconv.Atoi(q.Get("page[limit]")); err == nil && v > 0 && v < limit {
		limit = v
	}

	s.mu.Lock()
	known := false
	items := make([]*jsonapi.ResourceItem, 0)
	md := cache.New()
	md.AddTags(entityType + "_list")
	md.MergeMaxAge(s.maxAge)
	for _, key := range s.order {
		res := s.resources[key]
		if res.entityType != entityType || res.bundle != bundle {
			continue
		}
		known = true
		if want != nil && !slices.Contains(want, res.uuid) {
			continue
		}
		if len(items) == limit {
			break
		}
		items = append(items, res.item)
		md.AddTags(res.tags...)
	}
	s.mu.Unlock()

	if !known {
		writeError(w, http.StatusNotFound, "Not Found", fmt.Sprintf("resource type %s--%s is not exposed", entityType, bundle))
		return
	}
	writeDocument(w, md, map[string]any{"data": items})
}

func writeDocument(w http.ResponseWriter, md *cache.Metadata, doc any) {
	b, err := json.Marshal(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}
	md.WriteHeader(w.Header())
	w.Header().Set("Content-Type", "application/vnd.api+json")
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonapi": map[string]any{"version": "1.0"},
		"errors": []map[string]string{{
			"status": strconv.Itoa(status),
			"title":  title,
			"detail": detail,
		}},
	})
}

// entityTag is the invalidation tag the CMS attaches to an entity: its
// internal id when the resource exposes one, else the uuid.
func entityTag(entityType string, item *jsonapi.ResourceItem) string {
	var id json.Number
	if raw, ok := item.Attribute("drupal_internal__id"); ok && json.Unmarshal(raw, &id) == nil && id != "" {
		return entityType + ":" + id.String()
	}
	return entityType + ":" + item.ID
}

func resourceKey(entityType, bundle, id string) string {
	return entityType + "/" + bundle + "/" + id
}

func isSafeToken(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}
