/**
 * Canonical test dictionary
 *
 * Maps the many ways labs print a test name ("Hb", "HGB", "Haemoglobin")
 * onto one canonical identity with LOINC code, category and conventional
 * unit. A default dictionary ships embedded in the binary; deployments can
 * override it with MAPPINGS_PATH.
 */

package normalize

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed mappings.yaml
var defaultMappings []byte

// Entry is one canonical test identity.
type Entry struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
	LOINC     string   `yaml:"loinc"`
	Category  string   `yaml:"category"`
	Unit      string   `yaml:"unit"`
}

// Panel groups canonical names and the report keywords that identify it.
type Panel struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Tests    []string `yaml:"tests"`
}

type mappingsFile struct {
	Tests  []Entry          `yaml:"tests"`
	Panels map[string]Panel `yaml:"panels"`
}

// Dictionary provides case-insensitive lookup over canonical names and
// aliases, plus panel membership.
type Dictionary struct {
	entries []Entry
	byName  map[string]*Entry // lowercase canonical or alias -> entry
	panels  map[string]Panel
}

// LoadDictionary reads a mappings file, or the embedded default when path
// is empty.
func LoadDictionary(path string) (*Dictionary, error) {
	data := defaultMappings
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read mappings file: %w", err)
		}
		data = fileData
	}

	var file mappingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}
	if len(file.Tests) == 0 {
		return nil, fmt.Errorf("mappings file defines no tests")
	}

	d := &Dictionary{
		entries: file.Tests,
		byName:  make(map[string]*Entry),
		panels:  file.Panels,
	}
	for i := range d.entries {
		e := &d.entries[i]
		d.byName[normalizeKey(e.Canonical)] = e
		for _, alias := range e.Aliases {
			d.byName[normalizeKey(alias)] = e
		}
	}
	return d, nil
}

// Size returns the number of canonical test entries.
func (d *Dictionary) Size() int {
	return len(d.entries)
}

// Lookup finds the entry for a raw name, reporting whether the hit came
// through an alias rather than the canonical spelling.
func (d *Dictionary) Lookup(raw string) (entry *Entry, viaAlias bool, ok bool) {
	key := normalizeKey(raw)
	e, ok := d.byName[key]
	if !ok {
		return nil, false, false
	}
	return e, key != normalizeKey(e.Canonical), true
}

// AllNames returns every lookup key (canonical names and aliases) with its
// entry, for fuzzy scanning. Order is stable.
func (d *Dictionary) AllNames() []NamedEntry {
	out := make([]NamedEntry, 0, len(d.byName))
	for name, e := range d.byName {
		out = append(out, NamedEntry{Name: name, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NamedEntry pairs one lookup key with its dictionary entry.
type NamedEntry struct {
	Name  string
	Entry *Entry
}

// DetectPanel scans report text for panel keywords and returns the
// matching panel. Longer keywords win over shorter ones so "complete blood
// count" beats a stray "count".
func (d *Dictionary) DetectPanel(reportText string) (Panel, bool) {
	text := strings.ToLower(reportText)
	var best Panel
	bestLen := 0
	for _, panel := range d.panels {
		for _, kw := range panel.Keywords {
			if strings.Contains(text, kw) && len(kw) > bestLen {
				best = panel
				bestLen = len(kw)
			}
		}
	}
	return best, bestLen > 0
}

// PanelNames returns the canonical test names belonging to a panel, or all
// canonical names when the panel is unknown.
func (d *Dictionary) PanelNames(panel Panel) []string {
	if len(panel.Tests) > 0 {
		return panel.Tests
	}
	names := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		names = append(names, e.Canonical)
	}
	return names
}

// normalizeKey lowercases and collapses whitespace for lookup.
func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
