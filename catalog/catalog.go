package catalog

import (
	"fmt"
	"os"
	"regexp"

	"github.com/gammadia/autogrid/capability"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const CatalogVersion = "1"

// Catalog lists the browsers the grid knows about and which of them it may
// start nodes for.
type Catalog struct {
	Version  string    `yaml:"version"`
	Browsers []Browser `yaml:"browsers"`
}

type Browser struct {
	Name      string   `yaml:"name"`
	Platforms []string `yaml:"platforms"`
	// Provisionable browsers can be launched on demand, others are only
	// served by static endpoints.
	Provisionable bool `yaml:"provisionable"`
	// SlowBoot browsers get the longer stale threshold in the run registry.
	SlowBoot        bool `yaml:"slow-boot"`
	SessionsPerNode int  `yaml:"sessions-per-node"`
}

const defaultCatalog = `
version: "1"
browsers:
  - name: chrome
    platforms: [linux]
    provisionable: true
    sessions-per-node: 1
  - name: firefox
    platforms: [linux]
    provisionable: true
    sessions-per-node: 1
  - name: internet explorer
    platforms: [windows]
    slow-boot: true
`

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9 _-]*$`)

// Default returns the built-in catalog.
func Default() *Catalog {
	return lo.Must(Parse([]byte(defaultCatalog)))
}

func Read(file string) (*Catalog, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(buf, &catalog); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &catalog, nil
}

func (c Catalog) Validate() error {
	if c.Version != CatalogVersion {
		return fmt.Errorf("unsupported version '%s'", c.Version)
	}
	if len(c.Browsers) == 0 {
		return fmt.Errorf("at least one browser is required")
	}

	seen := map[string]bool{}
	for i, browser := range c.Browsers {
		if !nameRegex.MatchString(browser.Name) {
			return fmt.Errorf("browsers[%d].name must be a lowercase browser name", i)
		}
		key := capability.NormalizeBrowser(browser.Name)
		if seen[key] {
			return fmt.Errorf("browsers[%d].name '%s' is declared twice", i, browser.Name)
		}
		seen[key] = true

		if browser.SessionsPerNode < 0 {
			return fmt.Errorf("browsers[%d].sessions-per-node must not be negative", i)
		}
		if browser.Provisionable && !lo.SomeBy(browser.Platforms, capability.IsLinuxFamily) {
			return fmt.Errorf("browsers[%d] is provisionable but lists no linux platform", i)
		}
	}
	return nil
}

func (c Catalog) Lookup(name string) (Browser, bool) {
	return lo.Find(c.Browsers, func(browser Browser) bool {
		return capability.SameBrowser(browser.Name, name)
	})
}

func (c Catalog) Known(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

func (c Catalog) Provisionable(name string) bool {
	browser, ok := c.Lookup(name)
	return ok && browser.Provisionable
}

// SessionsPerNode returns how many sessions a fresh node for the browser
// accepts, at least one.
func (c Catalog) SessionsPerNode(name string) int {
	browser, _ := c.Lookup(name)
	return max(browser.SessionsPerNode, 1)
}

func (c Catalog) Names() []string {
	return lo.Map(c.Browsers, func(browser Browser, _ int) string {
		return browser.Name
	})
}

// SlowBrowsers lists the browsers that boot slowly.
func (c Catalog) SlowBrowsers() []string {
	return lo.FilterMap(c.Browsers, func(browser Browser, _ int) (string, bool) {
		return browser.Name, browser.SlowBoot
	})
}
