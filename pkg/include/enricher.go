// Package include resolves the layout sections of JSON:API resources into
// nested block resources.
//
// An Enricher walks a response document, finds resources whose display is
// rendered through layout sections, inlines the sections declared on the
// display when the resource carries none, fetches every referenced content
// block as a nested resource (enriching those in turn), orders components by
// region and weight, and records every cache dependency it touched in the
// caller's accumulator.
package include

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
	"github.com/shpitdev/jsonapi-layout-include/pkg/layout"
	"github.com/shpitdev/jsonapi-layout-include/pkg/pipeline/worker"
)

// Deps are the collaborators an Enricher delegates to.
type Deps struct {
	Displays      DisplayRepository
	Blocks        BlockStorage
	ResourceTypes ResourceTypeRepository
	Fetcher       IndividualFetcher
	Layouts       layout.Registry

	// Metrics is optional.
	Metrics Metrics
}

type Options struct {
	// Workers bounds concurrent block fetches per item and concurrent items
	// per collection. <=1 resolves everything sequentially.
	Workers int
	// MaxRetries applies to transient upstream failures of a single fetch.
	MaxRetries     int
	RequestTimeout time.Duration
	// RateLimitRPS is a global limit on upstream fetches. <=0 disables it.
	RateLimitRPS float64

	// MaxDepth bounds how deep blocks nest inside blocks. Default 8.
	MaxDepth int

	// BasePath is the API prefix of individual resource paths. Default "/jsonapi".
	BasePath string

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 8
	}
	if o.BasePath == "" {
		o.BasePath = "/jsonapi"
	}
	return o
}

// Enricher is safe for concurrent use; each call runs its own pass.
type Enricher struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	// fetches retries single upstream calls and carries the global rate limit.
	fetches *worker.Pool
	// fanout runs independent resolutions concurrently without retrying them.
	fanout *worker.Pool
}

// New validates deps and returns an Enricher.
func New(deps Deps, opts Options) (*Enricher, error) {
	switch {
	case deps.Displays == nil:
		return nil, fmt.Errorf("include: display repository is required")
	case deps.Blocks == nil:
		return nil, fmt.Errorf("include: block storage is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("include: individual fetcher is required")
	}
	if deps.ResourceTypes == nil {
		deps.ResourceTypes = noResourceTypes{}
	}
	if deps.Layouts == nil {
		deps.Layouts = layout.CoreCatalog()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}

	opts = opts.withDefaults()
	return &Enricher{
		deps: deps,
		opts: opts,
		log:  opts.Logger.With().Str("component", "include").Logger(),
		fetches: worker.New(worker.Options{
			Workers:        opts.Workers,
			MaxRetries:     opts.MaxRetries,
			RequestTimeout: opts.RequestTimeout,
			RateLimitRPS:   opts.RateLimitRPS,
		}),
		fanout: worker.New(worker.Options{
			Workers:        opts.Workers,
			RequestTimeout: -1,
			FailurePolicy:  worker.FailurePolicyPartialOutput,
		}),
	}, nil
}

// EnrichBody enriches a serialized response document. Bodies that do not
// parse, carry errors, or have no data are returned unchanged.
func (e *Enricher) EnrichBody(ctx context.Context, body []byte, sink *cache.Metadata) ([]byte, error) {
	doc, err := jsonapi.Decode(body)
	if err != nil {
		e.log.Debug().Err(err).Msg("response body is not a document; passing through")
		return body, nil
	}
	if doc.HasErrors() || doc.Empty() {
		return body, nil
	}
	out, err := e.Enrich(ctx, doc, sink).Encode()
	if err != nil {
		return body, fmt.Errorf("encode enriched document: %w", err)
	}
	return out, nil
}

// Enrich enriches every resource of doc in place and returns it. Documents
// with errors or without data are returned untouched. A resource that fails
// to enrich keeps its original form while its siblings complete.
func (e *Enricher) Enrich(ctx context.Context, doc *jsonapi.Document, sink *cache.Metadata) *jsonapi.Document {
	return e.newPass(sink).walk(ctx, frame{}, doc)
}

// EnrichItem enriches a single resource. On error the original item is
// returned alongside it.
func (e *Enricher) EnrichItem(ctx context.Context, item *jsonapi.ResourceItem, sink *cache.Metadata) (*jsonapi.ResourceItem, error) {
	return e.newPass(sink).enrichItem(ctx, frame{}, item)
}

func (e *Enricher) newPass(sink *cache.Metadata) *pass {
	if sink == nil {
		sink = cache.New()
	}
	return &pass{e: e, sink: sink, memo: map[string]fetchResult{}}
}

// walk is the document walker. It is re-entered for every nested fetch.
func (p *pass) walk(ctx context.Context, fr frame, doc *jsonapi.Document) *jsonapi.Document {
	if doc == nil || doc.HasErrors() || doc.Empty() {
		return doc
	}

	items := doc.Data.Items
	enriched := make([]*jsonapi.ResourceItem, len(items))
	one := func(ctx context.Context, it *jsonapi.ResourceItem) (*jsonapi.ResourceItem, error) {
		if it == nil {
			return nil, nil
		}
		out, err := p.enrichItem(ctx, fr, it)
		if err != nil {
			p.e.log.Warn().Err(err).Str("type", it.Type).Str("id", it.ID).Int("depth", fr.depth).
				Msg("resource left unenriched")
			return it, nil
		}
		return out, nil
	}

	if p.e.opts.Workers > 1 && len(items) > 1 {
		results, err := worker.ProcessAll(ctx, p.e.fanout, items, one)
		if err != nil {
			p.e.log.Warn().Err(err).Msg("collection enrichment interrupted")
			return doc
		}
		for i, r := range results {
			enriched[i] = r.Output
		}
	} else {
		for i, it := range items {
			enriched[i], _ = one(ctx, it)
		}
	}

	doc.SetData(jsonapi.Data{Items: enriched, Collection: doc.Data.Collection})
	return doc
}

// enrichItem is the resource enricher. It works on a copy of item so a
// failure leaves the caller's item untouched.
func (p *pass) enrichItem(ctx context.Context, fr frame, item *jsonapi.ResourceItem) (*jsonapi.ResourceItem, error) {
	metrics := p.e.deps.Metrics

	if err := item.DecodeErr(); err != nil {
		metrics.ItemEnriched(OutcomeFailed)
		return item, fmt.Errorf("decode %s %s: %w", item.Type, item.ID, err)
	}
	entityType, bundle, ok := jsonapi.SplitType(item.Type)
	if !ok {
		metrics.ItemEnriched(OutcomePassthrough)
		return item, nil
	}
	display, found, err := p.e.deps.Displays.LoadDisplay(ctx, entityType, bundle)
	if err != nil {
		metrics.ItemEnriched(OutcomeFailed)
		return item, fmt.Errorf("load display %s.%s: %w", entityType, bundle, err)
	}
	if !found || display == nil || !display.LayoutManaged() {
		metrics.ItemEnriched(OutcomePassthrough)
		return item, nil
	}
	p.sink.AddDependency(display)

	out := item.Clone()
	if !out.HasLayout() {
		for _, s := range display.DeclaredSections() {
			out.LayoutSections = append(out.LayoutSections, s.Clone())
		}
	}

	if err := p.resolveBlocks(ctx, fr, out); err != nil {
		metrics.ItemEnriched(OutcomeFailed)
		return item, err
	}
	layout.SortSections(out.LayoutSections, p.e.deps.Layouts)

	metrics.ItemEnriched(OutcomeEnriched)
	return out, nil
}

type noResourceTypes struct{}

func (noResourceTypes) ResourceType(string, string) (ResourceType, bool) {
	return ResourceType{}, false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
