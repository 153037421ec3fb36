// Package cache accumulates the cacheability of a response: the tags that
// invalidate it, the request contexts it varies by, and how long it may live.
package cache

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Permanent is the max-age of a response that never expires on its own.
const Permanent = -1

// Response headers carrying cacheability between the upstream and this service.
const (
	HeaderTags     = "X-Drupal-Cache-Tags"
	HeaderContexts = "X-Drupal-Cache-Contexts"
	HeaderMaxAge   = "X-Drupal-Cache-Max-Age"
)

// Dependency is anything a response can depend on for caching purposes.
type Dependency interface {
	CacheTags() []string
	CacheContexts() []string
	CacheMaxAge() int
}

// Metadata is an append-only cacheability accumulator. It is safe for
// concurrent use; contributions are merged with set-union semantics and the
// smallest max-age wins.
//
// The zero value is ready to use and has a permanent max-age.
type Metadata struct {
	mu        sync.Mutex
	tags      map[string]struct{}
	contexts  map[string]struct{}
	maxAge    int
	hasMaxAge bool
}

// New returns an empty accumulator.
func New() *Metadata {
	return &Metadata{}
}

// AddTags adds invalidation tags. Blank tags are ignored.
func (m *Metadata) AddTags(tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = addAll(m.tags, tags)
}

// AddContexts adds cache contexts. Blank contexts are ignored.
func (m *Metadata) AddContexts(contexts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = addAll(m.contexts, contexts)
}

// MergeMaxAge lowers the max-age to maxAge unless the current value is
// already lower. Permanent never lowers anything.
func (m *Metadata) MergeMaxAge(maxAge int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeMaxAgeLocked(maxAge)
}

func (m *Metadata) mergeMaxAgeLocked(maxAge int) {
	if maxAge < 0 {
		return
	}
	if !m.hasMaxAge || maxAge < m.maxAge {
		m.maxAge = maxAge
		m.hasMaxAge = true
	}
}

// AddDependency merges everything d contributes.
func (m *Metadata) AddDependency(d Dependency) {
	if d == nil {
		return
	}
	// Read d before locking m: d may be another Metadata.
	tags := d.CacheTags()
	contexts := d.CacheContexts()
	maxAge := d.CacheMaxAge()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = addAll(m.tags, tags)
	m.contexts = addAll(m.contexts, contexts)
	m.mergeMaxAgeLocked(maxAge)
}

// CacheTags returns the accumulated tags in sorted order.
func (m *Metadata) CacheTags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.tags)
}

// CacheContexts returns the accumulated contexts in sorted order.
func (m *Metadata) CacheContexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.contexts)
}

// CacheMaxAge returns the accumulated max-age, or Permanent.
func (m *Metadata) CacheMaxAge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasMaxAge {
		return Permanent
	}
	return m.maxAge
}

// FromHeader reads the cacheability an upstream response advertises.
func FromHeader(h http.Header) *Metadata {
	m := New()
	m.AddTags(strings.Fields(h.Get(HeaderTags))...)
	m.AddContexts(strings.Fields(h.Get(HeaderContexts))...)
	if age, ok := parseMaxAgeHeader(h.Get(HeaderMaxAge)); ok {
		m.MergeMaxAge(age)
	} else if age, ok := parseCacheControl(h.Get("Cache-Control")); ok {
		m.MergeMaxAge(age)
	}
	return m
}

// WriteHeader sets the cacheability headers of h from the accumulated values.
// Tags and contexts already present on h are kept.
func (m *Metadata) WriteHeader(h http.Header) {
	merged := FromHeader(h)
	merged.AddDependency(m)

	if tags := merged.CacheTags(); len(tags) > 0 {
		h.Set(HeaderTags, strings.Join(tags, " "))
	}
	if contexts := merged.CacheContexts(); len(contexts) > 0 {
		h.Set(HeaderContexts, strings.Join(contexts, " "))
	}
	if age := merged.CacheMaxAge(); age == Permanent {
		h.Set(HeaderMaxAge, "-1 (Permanent)")
	} else {
		h.Set(HeaderMaxAge, strconv.Itoa(age))
	}
}

// Tags is a fixed set of invalidation tags that never expires.
type Tags []string

func (t Tags) CacheTags() []string     { return t }
func (t Tags) CacheContexts() []string { return nil }
func (t Tags) CacheMaxAge() int        { return Permanent }

func parseMaxAgeHeader(raw string) (int, bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseCacheControl(raw string) (int, bool) {
	for _, directive := range strings.Split(raw, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		switch {
		case directive == "no-cache" || directive == "no-store":
			return 0, true
		case strings.HasPrefix(directive, "max-age="):
			n, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err != nil || n < 0 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func addAll(set map[string]struct{}, vals []string) map[string]struct{} {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
