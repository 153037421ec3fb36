package layout

import (
	"cmp"
	"slices"

	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
)

// SortSections orders the components of every section in place.
//
// Components of a multi-region layout are ordered by the layout's region
// order, then by weight. Components in regions the layout does not declare
// come after all declared regions. Single-region layouts and layouts the
// registry does not know are ordered by weight only. Ties keep input order.
func SortSections(sections []jsonapi.Section, reg Registry) {
	for i := range sections {
		var regions []string
		if reg != nil {
			if def, ok := reg.Definition(sections[i].LayoutID); ok {
				regions = def.Regions
			}
		}
		SortComponents(sections[i].Components, regions)
	}
}

// SortComponents orders components by region rank and weight.
func SortComponents(components []jsonapi.Component, regions []string) {
	if len(regions) <= 1 {
		slices.SortStableFunc(components, func(a, b jsonapi.Component) int {
			return cmp.Compare(a.Weight, b.Weight)
		})
		return
	}

	rank := make(map[string]int, len(regions))
	for i, r := range regions {
		if _, dup := rank[r]; !dup {
			rank[r] = i
		}
	}
	rankOf := func(region string) int {
		if r, ok := rank[region]; ok {
			return r
		}
		return len(regions)
	}

	slices.SortStableFunc(components, func(a, b jsonapi.Component) int {
		if c := cmp.Compare(rankOf(a.Region), rankOf(b.Region)); c != 0 {
			return c
		}
		return cmp.Compare(a.Weight, b.Weight)
	})
}
