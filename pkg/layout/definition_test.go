package layout_test

import (
	"slices"
	"testing"

	"github.com/shpitdev/jsonapi-layout-include/pkg/layout"
)

func TestCoreCatalog(t *testing.T) {
	t.Parallel()

	cat := layout.CoreCatalog()
	tests := []struct {
		id      string
		regions []string
	}{
		{id: "layout_onecol", regions: []string{"content"}},
		{id: "layout_twocol_section", regions: []string{"first", "second"}},
		{id: "layout_threecol_section", regions: []string{"first", "second", "third"}},
		{id: "layout_fourcol_section", regions: []string{"first", "second", "third", "fourth"}},
		{id: "layout_twocol", regions: []string{"top", "first", "second", "bottom"}},
		{id: "layout_threecol_25_50_25", regions: []string{"top", "first", "second", "third", "bottom"}},
		{id: "layout_threecol_33_34_33", regions: []string{"top", "first", "second", "third", "bottom"}},
	}
	for _, tt := range tests {
		def, ok := cat.Definition(tt.id)
		if !ok {
			t.Fatalf("missing core layout %q", tt.id)
		}
		if !slices.Equal(def.Regions, tt.regions) {
			t.Fatalf("%s regions=%v want=%v", tt.id, def.Regions, tt.regions)
		}
	}
}

func TestParseDefinitions_KeepsRegionOrder(t *testing.T) {
	t.Parallel()

	in := []byte(`
hero_split:
  label: 'Hero split'
  default_region: main
  regions:
    zeta:
      label: Zeta
    main:
      label: Main
    alpha:
      label: Alpha
listed:
  label: Listed
  regions: [b, a]
`)
	defs, err := layout.ParseDefinitions(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].ID != "hero_split" || defs[0].DefaultRegion != "main" {
		t.Fatalf("unexpected definition: %#v", defs[0])
	}
	if !slices.Equal(defs[0].Regions, []string{"zeta", "main", "alpha"}) {
		t.Fatalf("unexpected region order: %v", defs[0].Regions)
	}
	if !slices.Equal(defs[1].Regions, []string{"b", "a"}) {
		t.Fatalf("unexpected region order: %v", defs[1].Regions)
	}
}

func TestParseDefinitions_Errors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"- a\n- b\n", "x:\n  regions: 3\n", "x: [\n"} {
		if _, err := layout.ParseDefinitions([]byte(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestCatalog_AddReplaces(t *testing.T) {
	t.Parallel()

	cat := layout.NewCatalog(layout.Definition{ID: "x", Regions: []string{"a"}})
	cat.Add(layout.Definition{ID: "x", Regions: []string{"a", "b"}}, layout.Definition{ID: " "})
	if cat.Len() != 1 {
		t.Fatalf("expected 1 definition, got %d", cat.Len())
	}
	def, _ := cat.Definition("x")
	if len(def.Regions) != 2 {
		t.Fatalf("expected replacement, got %v", def.Regions)
	}
}
