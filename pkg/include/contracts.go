package include

import (
	"context"
	"errors"
	"time"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
)

// BlockEntityType is the entity type of reusable and inline content blocks.
const BlockEntityType = "block_content"

var (
	// ErrNotFound reports a missing entity or a nested fetch that came back
	// without data.
	ErrNotFound = errors.New("include: not found")
	// ErrCycle reports a block that (transitively) includes itself.
	ErrCycle = errors.New("include: block reference cycle")
	// ErrDepthExceeded reports nesting deeper than Options.MaxDepth.
	ErrDepthExceeded = errors.New("include: nesting depth exceeded")
)

// Display is the default view display configuration of one bundle.
type Display interface {
	cache.Dependency

	// LayoutManaged reports whether the display is enabled and rendered
	// through layout sections.
	LayoutManaged() bool
	// DeclaredSections returns the design-time sections of the display.
	DeclaredSections() []jsonapi.Section
}

// DisplayRepository loads display configuration.
type DisplayRepository interface {
	LoadDisplay(ctx context.Context, entityType, bundle string) (Display, bool, error)
}

// Entity is a loaded content entity reference.
type Entity struct {
	EntityType string
	Bundle     string
	UUID       string

	// Tags are the invalidation tags of the entity. When empty the entity
	// is tagged "<entityType>:<uuid>".
	Tags []string
}

// ResourceType returns the "entityType--bundle" resource type name.
func (e Entity) ResourceType() string {
	return e.EntityType + jsonapi.TypeSeparator + e.Bundle
}

func (e Entity) CacheTags() []string {
	if len(e.Tags) > 0 {
		return e.Tags
	}
	return []string{e.EntityType + ":" + e.UUID}
}

func (e Entity) CacheContexts() []string { return nil }
func (e Entity) CacheMaxAge() int        { return cache.Permanent }

// BlockStorage looks up block entities by uuid. Missing uuids are absent
// from the returned map.
type BlockStorage interface {
	LoadBlocks(ctx context.Context, uuids []string) (map[string]Entity, error)
}

// ResourceType describes how a bundle is exposed over the API.
type ResourceType struct {
	Name string
	// Path overrides "<entityType>/<bundle>" below the API base path.
	Path            string
	DefaultIncludes []string
}

// ResourceTypeRepository resolves resource type descriptors.
type ResourceTypeRepository interface {
	ResourceType(entityType, bundle string) (ResourceType, bool)
}

// SubRequest is the synthetic single-resource request issued for a block.
type SubRequest struct {
	ResourceType string
	// Path is the API path of the individual resource, e.g.
	// "/jsonapi/block_content/basic/<uuid>".
	Path     string
	Includes []string
}

// Individual is the raw result of a single-resource fetch.
type Individual struct {
	Body  []byte
	Cache cache.Dependency
}

// IndividualFetcher performs single-resource fetches.
type IndividualFetcher interface {
	GetIndividual(ctx context.Context, entity Entity, req SubRequest) (Individual, error)
}

// Metrics receives enrichment outcomes.
type Metrics interface {
	ItemEnriched(outcome string)
	BlockResolved(outcome string)
	FetchObserved(resourceType string, d time.Duration, err error)
}

// Item outcomes.
const (
	OutcomeEnriched    = "enriched"
	OutcomePassthrough = "passthrough"
	OutcomeFailed      = "failed"
)

// Block outcomes.
const (
	OutcomeAttached     = "attached"
	OutcomeUnresolvable = "unresolvable"
	OutcomeNotFound     = "not_found"
	OutcomeFetchFailed  = "fetch_failed"
)

type nopMetrics struct{}

func (nopMetrics) ItemEnriched(string)                        {}
func (nopMetrics) BlockResolved(string)                       {}
func (nopMetrics) FetchObserved(string, time.Duration, error) {}
