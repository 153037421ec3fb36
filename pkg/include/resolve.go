package include

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/worker"
	"golang.org/x/sync/singleflight"
)

// pass is the state of one enrichment call. Every fetch made while
// enriching one document contributes to the same sink.
type pass struct {
	e    *Enricher
	sink *cache.Metadata

	flights singleflight.Group

	mu   sync.Mutex
	memo map[string]fetchResult
}

type fetchResult struct {
	item *jsonapi.ResourceItem
	err  error

	// cut is set when a cycle or depth guard dropped part of the subtree.
	cut bool
	// height is the deepest chain of blocks attached below item.
	height int
}

// subtree collects what the walk of one fetched block ran into.
type subtree struct {
	mu     sync.Mutex
	cut    bool
	height int
}

func (s *subtree) note(res fetchResult) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(res.err, ErrCycle), errors.Is(res.err, ErrDepthExceeded):
		s.cut = true
	case res.err == nil:
		s.cut = s.cut || res.cut
		s.height = max(s.height, res.height+1)
	}
}

// frame locates a walk inside the block nesting tree.
type frame struct {
	depth int
	// path holds the uuids of the blocks being fetched above this frame.
	path []string
	sub  *subtree
}

func (f frame) child(blockUUID string, sub *subtree) frame {
	p := make([]string, len(f.path), len(f.path)+1)
	copy(p, f.path)
	return frame{depth: f.depth + 1, path: append(p, blockUUID), sub: sub}
}

type blockRef struct {
	section, component int
	uuid               string
}

// resolveBlocks attaches a nested block resource to every component that
// references a loadable block. Components that cannot be resolved keep
// whatever block they already carry.
func (p *pass) resolveBlocks(ctx context.Context, fr frame, item *jsonapi.ResourceItem) error {
	metrics := p.e.deps.Metrics

	var (
		refs []blockRef
		ids  []string
		seen = map[string]struct{}{}
	)
	for si := range item.LayoutSections {
		for ci, c := range item.LayoutSections[si].Components {
			id, ok := c.Configuration.BlockReference()
			if !ok {
				metrics.BlockResolved(OutcomeUnresolvable)
				p.e.log.Debug().Str("type", item.Type).Str("id", item.ID).
					Str("component", c.UUID).Str("provider", c.Configuration.ProviderName).
					Msg("component has no resolvable block reference")
				continue
			}
			refs = append(refs, blockRef{section: si, component: ci, uuid: id})
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	entities, err := worker.Do(ctx, p.e.fetches, func(ctx context.Context) (map[string]Entity, error) {
		return p.e.deps.Blocks.LoadBlocks(ctx, ids)
	})
	if err != nil {
		if isContextErr(err) && ctx.Err() != nil {
			return err
		}
		p.e.log.Warn().Err(err).Str("type", item.Type).Str("id", item.ID).Int("blocks", len(ids)).
			Msg("block lookup failed")
		entities = nil
	}

	found := make([]Entity, 0, len(ids))
	for _, id := range ids {
		ent, ok := entities[id]
		if !ok {
			continue
		}
		if ent.UUID == "" {
			ent.UUID = id
		}
		if ent.EntityType == "" {
			ent.EntityType = BlockEntityType
		}
		found = append(found, ent)
	}
	resolved := p.resolveAll(ctx, fr, found)

	for _, r := range refs {
		c := &item.LayoutSections[r.section].Components[r.component]
		res, loaded := resolved[r.uuid]
		if loaded {
			fr.sub.note(res)
		}
		switch {
		case !loaded:
			metrics.BlockResolved(OutcomeNotFound)
			p.e.log.Debug().Str("type", item.Type).Str("id", item.ID).Str("uuid", r.uuid).
				Str("provider", c.Configuration.ProviderName).Msg("referenced block not found")
		case res.err != nil:
			metrics.BlockResolved(OutcomeFetchFailed)
			p.e.log.Debug().Err(res.err).Str("type", item.Type).Str("id", item.ID).Str("uuid", r.uuid).
				Str("provider", c.Configuration.ProviderName).Msg("referenced block not attached")
		default:
			metrics.BlockResolved(OutcomeAttached)
			c.Block = res.item.Clone()
		}
	}
	return nil
}

func (p *pass) resolveAll(ctx context.Context, fr frame, entities []Entity) map[string]fetchResult {
	out := make(map[string]fetchResult, len(entities))
	if p.e.opts.Workers <= 1 || len(entities) <= 1 {
		for _, ent := range entities {
			out[ent.UUID] = p.resolve(ctx, fr, ent)
		}
		return out
	}

	results, err := worker.ProcessAll(ctx, p.e.fanout, entities, func(ctx context.Context, ent Entity) (fetchResult, error) {
		return p.resolve(ctx, fr, ent), nil
	})
	if err != nil {
		for _, ent := range entities {
			out[ent.UUID] = fetchResult{err: err}
		}
		return out
	}
	for _, r := range results {
		out[r.Input.UUID] = r.Output
	}
	return out
}

// resolve returns the nested representation of a block, fetching it at
// most once per pass. Concurrent first fetches of a top-level block share
// one upstream call; nested fetches never wait on another fetch, so two
// blocks that include each other cannot block one another.
func (p *pass) resolve(ctx context.Context, fr frame, ent Entity) fetchResult {
	if slices.Contains(fr.path, ent.UUID) {
		return fetchResult{err: fmt.Errorf("block %s: %w", ent.UUID, ErrCycle)}
	}
	if fr.depth >= p.e.opts.MaxDepth {
		return fetchResult{err: fmt.Errorf("block %s at depth %d: %w", ent.UUID, fr.depth, ErrDepthExceeded)}
	}
	if fr.depth > 0 {
		return p.fetchOnce(ctx, fr, ent)
	}
	v, _, _ := p.flights.Do(ent.UUID, func() (any, error) {
		return p.fetchOnce(ctx, fr, ent), nil
	})
	return v.(fetchResult)
}

// fetchOnce reuses a memoized result only when it is complete and still
// fits under MaxDepth at this depth, so the output does not depend on the
// order components are visited in.
func (p *pass) fetchOnce(ctx context.Context, fr frame, ent Entity) fetchResult {
	p.mu.Lock()
	res, ok := p.memo[ent.UUID]
	p.mu.Unlock()
	if ok && fr.depth+res.height < p.e.opts.MaxDepth {
		return res
	}

	res = p.fetch(ctx, fr, ent)
	if res.cut || (res.err != nil && isContextErr(res.err)) {
		return res
	}
	p.mu.Lock()
	p.memo[ent.UUID] = res
	p.mu.Unlock()
	return res
}

// fetch is the sub-resource fetcher: it retrieves the block as an
// individual resource with its default includes and enriches the result.
func (p *pass) fetch(ctx context.Context, fr frame, ent Entity) fetchResult {
	name := ent.ResourceType()
	resourcePath := path.Join(ent.EntityType, ent.Bundle)
	var includes []string
	if rt, ok := p.e.deps.ResourceTypes.ResourceType(ent.EntityType, ent.Bundle); ok {
		if rt.Name != "" {
			name = rt.Name
		}
		if rt.Path != "" {
			resourcePath = rt.Path
		}
		includes = slices.Clone(rt.DefaultIncludes)
	}
	req := SubRequest{
		ResourceType: name,
		Path:         path.Join("/", p.e.opts.BasePath, resourcePath, ent.UUID),
		Includes:     includes,
	}

	start := time.Now()
	ind, err := worker.Do(ctx, p.e.fetches, func(ctx context.Context) (Individual, error) {
		return p.e.deps.Fetcher.GetIndividual(ctx, ent, req)
	})
	p.e.deps.Metrics.FetchObserved(name, time.Since(start), err)
	if err != nil {
		return fetchResult{err: fmt.Errorf("fetch %s %s: %w", name, ent.UUID, err)}
	}

	doc, err := jsonapi.Decode(ind.Body)
	if err != nil {
		return fetchResult{err: fmt.Errorf("decode %s %s: %w", name, ent.UUID, err)}
	}
	if doc.HasErrors() || doc.Empty() {
		return fetchResult{err: fmt.Errorf("fetch %s %s: %w", name, ent.UUID, ErrNotFound)}
	}

	p.sink.AddDependency(ent)
	if ind.Cache != nil {
		p.sink.AddDependency(ind.Cache)
	}

	sub := &subtree{}
	nested := p.walk(ctx, fr.child(ent.UUID, sub), doc)
	it, ok := nested.Data.Item()
	if !ok {
		it = nested.Data.Items[0]
	}
	if it == nil {
		return fetchResult{err: fmt.Errorf("fetch %s %s: %w", name, ent.UUID, ErrNotFound)}
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return fetchResult{item: it, cut: sub.cut, height: sub.height}
}
