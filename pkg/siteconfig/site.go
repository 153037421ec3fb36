// Package siteconfig reads the configuration a CMS site exports to its
// config-sync directory: view displays, API resource settings, block types
// and layout definitions.
package siteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/shpitdev/jsonapi-layout-include/pkg/cache"
	"github.com/shpitdev/jsonapi-layout-include/pkg/include"
	"github.com/shpitdev/jsonapi-layout-include/pkg/jsonapi"
	"github.com/shpitdev/jsonapi-layout-include/pkg/layout"
	"gopkg.in/yaml.v3"
)

const (
	displayPrefix        = "core.entity_view_display."
	resourceConfigPrefix = "jsonapi_extras.jsonapi_resource_config."
	blockTypePrefix      = "block_content.type."
	layoutsSuffix        = ".layouts.yml"

	// DefaultViewMode is the view mode whose display governs API output.
	DefaultViewMode = "default"
)

// Display is one entity view display.
type Display struct {
	ID               string
	TargetEntityType string
	Bundle           string
	Mode             string
	Status           bool

	LayoutEnabled bool
	AllowCustom   bool
	Sections      []jsonapi.Section
}

var _ include.Display = (*Display)(nil)

// LayoutManaged reports whether the display is enabled and rendered through
// layout sections.
func (d *Display) LayoutManaged() bool {
	return d.Status && d.LayoutEnabled
}

// DeclaredSections returns a copy of the display's default sections.
func (d *Display) DeclaredSections() []jsonapi.Section {
	out := make([]jsonapi.Section, len(d.Sections))
	for i, s := range d.Sections {
		out[i] = s.Clone()
	}
	return out
}

func (d *Display) CacheTags() []string {
	return []string{"config:" + displayPrefix + d.ID}
}

func (d *Display) CacheContexts() []string { return nil }
func (d *Display) CacheMaxAge() int        { return cache.Permanent }

// Site is a loaded config-sync directory. It is read-only after Load.
type Site struct {
	displays      map[string]*Display
	resourceTypes map[string]include.ResourceType
	blockBundles  []string
	layouts       *layout.Catalog
}

var (
	_ include.DisplayRepository      = (*Site)(nil)
	_ include.ResourceTypeRepository = (*Site)(nil)
	_ layout.Registry                = (*Site)(nil)
)

// Load reads every recognised file below dir. Layout definitions found in
// "*.layouts.yml" files are added over the core layout catalog.
func Load(dir string) (*Site, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("config directory is required")
	}
	s := &Site{
		displays:      map[string]*Display{},
		resourceTypes: map[string]include.ResourceType{},
		layouts:       layout.CoreCatalog(),
	}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, layoutsSuffix):
			return s.loadFile(p, s.addLayouts)
		case !strings.HasSuffix(name, ".yml"):
			return nil
		case strings.HasPrefix(name, displayPrefix):
			return s.loadFile(p, s.addDisplay)
		case strings.HasPrefix(name, resourceConfigPrefix):
			return s.loadFile(p, s.addResourceConfig)
		case strings.HasPrefix(name, blockTypePrefix):
			return s.loadFile(p, s.addBlockType)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(s.blockBundles)
	s.blockBundles = slices.Compact(s.blockBundles)
	return s, nil
}

func (s *Site) loadFile(p string, add func([]byte) error) error {
	b, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if err := add(b); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	return nil
}

type displayYAML struct {
	ID                 string `yaml:"id"`
	Status             *bool  `yaml:"status"`
	TargetEntityType   string `yaml:"targetEntityType"`
	Bundle             string `yaml:"bundle"`
	Mode               string `yaml:"mode"`
	ThirdPartySettings struct {
		LayoutBuilder struct {
			Enabled     bool      `yaml:"enabled"`
			AllowCustom bool      `yaml:"allow_custom"`
			Sections    yaml.Node `yaml:"sections"`
		} `yaml:"layout_builder"`
	} `yaml:"third_party_settings"`
}

func (s *Site) addDisplay(b []byte) error {
	var raw displayYAML
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.TargetEntityType == "" || raw.Bundle == "" {
		return fmt.Errorf("display must declare targetEntityType and bundle")
	}
	if raw.Mode == "" {
		raw.Mode = DefaultViewMode
	}
	if raw.ID == "" {
		raw.ID = strings.Join([]string{raw.TargetEntityType, raw.Bundle, raw.Mode}, ".")
	}

	lb := raw.ThirdPartySettings.LayoutBuilder
	d := &Display{
		ID:               raw.ID,
		TargetEntityType: raw.TargetEntityType,
		Bundle:           raw.Bundle,
		Mode:             raw.Mode,
		Status:           raw.Status == nil || *raw.Status,
		LayoutEnabled:    lb.Enabled,
		AllowCustom:      lb.AllowCustom,
	}
	// Empty lists are exported as "{  }".
	if lb.Enabled && lb.Sections.Kind != 0 && len(lb.Sections.Content) > 0 {
		js, err := nodeJSON(&lb.Sections)
		if err != nil {
			return fmt.Errorf("layout_builder.sections: %w", err)
		}
		if err := json.Unmarshal(js, &d.Sections); err != nil {
			return fmt.Errorf("layout_builder.sections: %w", err)
		}
	}
	s.displays[displayKey(d.TargetEntityType, d.Bundle, d.Mode)] = d
	return nil
}

type resourceConfigYAML struct {
	ID                 string `yaml:"id"`
	Disabled           bool   `yaml:"disabled"`
	Path               string `yaml:"path"`
	ResourceType       string `yaml:"resourceType"`
	ThirdPartySettings struct {
		Defaults struct {
			DefaultInclude []string `yaml:"default_include"`
		} `yaml:"jsonapi_defaults"`
	} `yaml:"third_party_settings"`
}

func (s *Site) addResourceConfig(b []byte) error {
	var raw resourceConfigYAML
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if _, _, ok := jsonapi.SplitType(raw.ID); !ok {
		return fmt.Errorf("resource config id %q is not entityType--bundle", raw.ID)
	}
	if raw.Disabled {
		return nil
	}
	name := raw.ResourceType
	if name == "" {
		name = raw.ID
	}
	var includes []string
	for _, inc := range raw.ThirdPartySettings.Defaults.DefaultInclude {
		if inc = strings.TrimSpace(inc); inc != "" {
			includes = append(includes, inc)
		}
	}
	s.resourceTypes[raw.ID] = include.ResourceType{
		Name:            name,
		Path:            strings.Trim(raw.Path, "/"),
		DefaultIncludes: includes,
	}
	return nil
}

func (s *Site) addBlockType(b []byte) error {
	var raw struct {
		ID string `yaml:"id"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("block type must declare id")
	}
	s.blockBundles = append(s.blockBundles, raw.ID)
	return nil
}

func (s *Site) addLayouts(b []byte) error {
	defs, err := layout.ParseDefinitions(b)
	if err != nil {
		return err
	}
	s.layouts.Add(defs...)
	return nil
}

// LoadDisplay returns the default view display of a bundle.
func (s *Site) LoadDisplay(_ context.Context, entityType, bundle string) (include.Display, bool, error) {
	d, ok := s.Display(entityType, bundle, DefaultViewMode)
	if !ok {
		return nil, false, nil
	}
	return d, true, nil
}

// Display returns the display of a bundle in a view mode.
func (s *Site) Display(entityType, bundle, mode string) (*Display, bool) {
	d, ok := s.displays[displayKey(entityType, bundle, mode)]
	return d, ok
}

// ResourceType returns the API settings of a bundle, if configured.
func (s *Site) ResourceType(entityType, bundle string) (include.ResourceType, bool) {
	rt, ok := s.resourceTypes[entityType+jsonapi.TypeSeparator+bundle]
	if !ok {
		return include.ResourceType{}, false
	}
	rt.DefaultIncludes = slices.Clone(rt.DefaultIncludes)
	return rt, true
}

// Definition implements layout.Registry.
func (s *Site) Definition(layoutID string) (layout.Definition, bool) {
	return s.layouts.Definition(layoutID)
}

// BlockBundles returns the configured block_content bundles, sorted.
func (s *Site) BlockBundles() []string {
	return slices.Clone(s.blockBundles)
}

// Displays returns the number of loaded displays.
func (s *Site) Displays() int {
	return len(s.displays)
}

func displayKey(entityType, bundle, mode string) string {
	return entityType + "." + bundle + "." + mode
}
