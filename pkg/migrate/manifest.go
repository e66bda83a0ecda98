package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cadalytix/installer/pkg/dbconn"
)

// ManifestEntry is one migration bundled in the manifest, tagged with the
// engine and engine-version it applies to.
type ManifestEntry struct {
	Name     string `yaml:"name"`
	Engine   string `yaml:"engine"`
	Version  int    `yaml:"version"`
	Order    int    `yaml:"order"`
	Checksum string `yaml:"checksum,omitempty"`
	File     string `yaml:"file"`
	Group    string `yaml:"group,omitempty"`
}

// Manifest is the full set of migrations known across every engine and
// version the product supports.
type Manifest struct {
	Migrations []ManifestEntry `yaml:"migrations"`

	// dir is the directory manifest-relative File paths resolve against.
	dir string
}

// LoadManifest reads and parses the YAML manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("migrate: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("migrate: parse manifest: %w", err)
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// FilePath resolves a manifest entry's File relative to the manifest's own
// directory.
func (m *Manifest) FilePath(e ManifestEntry) string {
	return filepath.Join(m.dir, e.File)
}

// Select returns the entries matching engine/version, sorted by explicit
// Order then Name (stable tie-break), filtering out names already applied.
func Select(m *Manifest, engine dbconn.Engine, version int, applied map[string]bool) []ManifestEntry {
	var matched []ManifestEntry
	for _, e := range m.Migrations {
		if !strings.EqualFold(e.Engine, string(engine)) {
			continue
		}
		if e.Version != version {
			continue
		}
		if applied[e.Name] {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Order != matched[j].Order {
			return matched[i].Order < matched[j].Order
		}
		return matched[i].Name < matched[j].Name
	})
	return matched
}
