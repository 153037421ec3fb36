package layout_test

import (
	"testing"

	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
	"github.com/shpitdev/jsonapi-layout-include/pkg/layout"
)

type placed struct {
	region string
	weight int
}

func components(in ...placed) []jsonapi.Component {
	out := make([]jsonapi.Component, 0, len(in))
	for i, p := range in {
		out = append(out, jsonapi.Component{UUID: string(rune('a' + i)), Region: p.region, Weight: p.weight})
	}
	return out
}

func order(comps []jsonapi.Component) []placed {
	out := make([]placed, 0, len(comps))
	for _, c := range comps {
		out = append(out, placed{c.Region, c.Weight})
	}
	return out
}

func uuids(comps []jsonapi.Component) string {
	var s string
	for _, c := range comps {
		s += c.UUID
	}
	return s
}

func TestSortSections(t *testing.T) {
	t.Parallel()

	reg := layout.NewCatalog(
		layout.Definition{ID: "two", Regions: []string{"content", "sidebar"}},
		layout.Definition{ID: "one", Regions: []string{"content"}},
		layout.Definition{ID: "none"},
	)

	tests := []struct {
		name     string
		layoutID string
		in       []placed
		want     []placed
	}{
		{
			name:     "region then weight",
			layoutID: "two",
			in:       []placed{{"sidebar", 5}, {"content", 10}, {"content", 1}},
			want:     []placed{{"content", 1}, {"content", 10}, {"sidebar", 5}},
		},
		{
			name:     "single region sorts by weight only",
			layoutID: "one",
			in:       []placed{{"sidebar", 5}, {"content", 10}, {"content", 1}},
			want:     []placed{{"content", 1}, {"sidebar", 5}, {"content", 10}},
		},
		{
			name:     "no regions sorts by weight only",
			layoutID: "none",
			in:       []placed{{"b", 2}, {"a", -3}},
			want:     []placed{{"a", -3}, {"b", 2}},
		},
		{
			name:     "unknown layout sorts by weight only",
			layoutID: "missing",
			in:       []placed{{"sidebar", 5}, {"content", 10}, {"content", 1}},
			want:     []placed{{"content", 1}, {"sidebar", 5}, {"content", 10}},
		},
		{
			name:     "unknown regions rank last",
			layoutID: "two",
			in:       []placed{{"footer", 0}, {"sidebar", 9}, {"content", 3}},
			want:     []placed{{"content", 3}, {"sidebar", 9}, {"footer", 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sections := []jsonapi.Section{{LayoutID: tt.layoutID, Components: components(tt.in...)}}
			layout.SortSections(sections, reg)
			got := order(sections[0].Components)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSortComponents_StableTies(t *testing.T) {
	t.Parallel()

	comps := components(placed{"content", 1}, placed{"sidebar", 0}, placed{"content", 1}, placed{"footer", 2}, placed{"header", 2})
	layout.SortComponents(comps, []string{"content", "sidebar"})

	if got := uuids(comps); got != "acbde" {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestSortSections_NilRegistry(t *testing.T) {
	t.Parallel()

	sections := []jsonapi.Section{{LayoutID: "two", Components: components(placed{"x", 2}, placed{"y", 1})}}
	layout.SortSections(sections, nil)
	if got := uuids(sections[0].Components); got != "ba" {
		t.Fatalf("unexpected order %q", got)
	}
}
