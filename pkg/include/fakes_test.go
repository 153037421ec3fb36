package include_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
)

const (
	blockA = "0b9a7c2e-3f4d-4e5a-8b6c-7d8e9f0a1b2c"
	blockB = "1c2d3e4f-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	blockC = "2d3e4f5a-6b7c-4d8e-9f0a-1b2c3d4e5f6a"
)

type fakeDisplay struct {
	id       string
	managed  bool
	sections []jsonapi.Section
}

func (d *fakeDisplay) CacheTags() []string {
	return []string{"config:core.entity_view_display." + d.id + ".default"}
}
func (d *fakeDisplay) CacheContexts() []string             { return nil }
func (d *fakeDisplay) CacheMaxAge() int                    { return cache.Permanent }
func (d *fakeDisplay) LayoutManaged() bool                 { return d.managed }
func (d *fakeDisplay) DeclaredSections() []jsonapi.Section { return d.sections }

type fakeDisplays struct {
	byID map[string]*fakeDisplay
	errs map[string]error
}

func (f *fakeDisplays) LoadDisplay(_ context.Context, entityType, bundle string) (include.Display, bool, error) {
	id := entityType + "." + bundle
	if err := f.errs[id]; err != nil {
		return nil, false, err
	}
	d, ok := f.byID[id]
	if !ok {
		return nil, false, nil
	}
	return d, true, nil
}

type fakeBlocks struct {
	mu       sync.Mutex
	entities map[string]include.Entity
	err      error
	calls    int
}

func (f *fakeBlocks) LoadBlocks(_ context.Context, uuids []string) (map[string]include.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]include.Entity{}
	for _, id := range uuids {
		if e, ok := f.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string][]error
	calls  map[string]int
	reqs   []include.SubRequest
	delay  time.Duration
}

func (f *fakeFetcher) GetIndividual(ctx context.Context, entity include.Entity, req include.SubRequest) (include.Individual, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return include.Individual{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[entity.UUID]++
	f.reqs = append(f.reqs, req)
	if errs := f.errs[entity.UUID]; len(errs) > 0 {
		err := errs[0]
		f.errs[entity.UUID] = errs[1:]
		return include.Individual{}, err
	}
	body, ok := f.bodies[entity.UUID]
	if !ok {
		return include.Individual{}, fmt.Errorf("%w: %s", include.ErrNotFound, entity.UUID)
	}
	md := cache.New()
	md.AddContexts("url.query_args:include")
	return include.Individual{Body: []byte(body), Cache: md}, nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeMetrics struct {
	mu     sync.Mutex
	items  map[string]int
	blocks map[string]int
}

func (m *fakeMetrics) ItemEnriched(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]int{}
	}
	m.items[outcome]++
}

func (m *fakeMetrics) BlockResolved(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocks == nil {
		m.blocks = map[string]int{}
	}
	m.blocks[outcome]++
}

func (m *fakeMetrics) FetchObserved(string, time.Duration, error) {}

// JSON builders.

type obj = map[string]any

func blockContent(compUUID, region string, weight int, block string) obj {
	return obj{
		"uuid": compUUID, "region": region, "weight": weight,
		"configuration": obj{"provider": "block_content", "id": "block_content:" + block, "label": "Reusable"},
	}
}

func inlineBlock(compUUID, region string, weight int, block string) obj {
	return obj{
		"uuid": compUUID, "region": region, "weight": weight,
		"configuration": obj{"provider": "layout_builder", "id": "inline_block:basic", "uuid": block},
	}
}

func otherBlock(compUUID, region string, weight int, provider string) obj {
	return obj{
		"uuid": compUUID, "region": region, "weight": weight,
		"configuration": obj{"provider": provider, "id": "system_powered_by_block", "uuid": blockC},
	}
}

func section(layoutID string, comps ...obj) obj {
	list := make([]any, 0, len(comps))
	for _, c := range comps {
		list = append(list, c)
	}
	return obj{"layout_id": layoutID, "layout_settings": obj{"label": ""}, "components": list}
}

func resource(typ, id string, sections ...obj) obj {
	r := obj{"type": typ, "id": id, "title": "Resource " + id}
	if sections != nil {
		list := make([]any, 0, len(sections))
		for _, s := range sections {
			list = append(list, s)
		}
		r[jsonapi.LayoutField] = list
	}
	return r
}

func document(t *testing.T, data any) []byte {
	t.Helper()
	b, err := json.Marshal(obj{"jsonapi": obj{"version": "1.0"}, "data": data})
	if err != nil {
		t.Fatalf("marshal document: %v", err)
	}
	return b
}

func decodeSections(t *testing.T, sections ...obj) []jsonapi.Section {
	t.Helper()
	b, err := json.Marshal(sections)
	if err != nil {
		t.Fatalf("marshal sections: %v", err)
	}
	var out []jsonapi.Section
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal sections: %v", err)
	}
	return out
}

func blockBody(t *testing.T, typ, id string, sections ...obj) string {
	t.Helper()
	return string(document(t, resource(typ, id, sections...)))
}

func mustDecode(t *testing.T, b []byte) *jsonapi.Document {
	t.Helper()
	doc, err := jsonapi.Decode(b)
	if err != nil {
		t.Fatalf("decode %s: %v", string(b), err)
	}
	return doc
}

func mustJSON(t *testing.T, raw []byte) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(raw), err)
	}
	return v
}
