/**
 * Test-name normalization chain
 *
 * Strategies run in order of decreasing trust and short-circuit on the
 * first match:
 *
 *   1. exact / alias dictionary lookup
 *   2. fuzzy match (Levenshtein similarity over dictionary names)
 *   3. capability-assisted match, restricted to the detected panel's
 *      canonical names and bounded by a per-document budget
 *
 * Anything that falls through is kept as unmatched with the raw name
 * preserved; guessing a medical test identity is worse than admitting
 * ignorance.
 */

package normalize

import (
	"context"

	"github.com/agext/levenshtein"

	"github.com/vitalscan/labextract-worker/internal/logging"
)

// MatchMethod records which strategy resolved a name.
type MatchMethod string

const (
	MatchExact     MatchMethod = "exact"
	MatchFuzzy     MatchMethod = "fuzzy"
	MatchAssisted  MatchMethod = "assisted"
	MatchUnmatched MatchMethod = "unmatched"
)

// Base confidence per method. Fuzzy uses the measured similarity instead.
// Alias hits count as exact: an alias is a curated spelling of the same
// test, not a weaker guess.
const (
	confExact    = 1.0
	confAssisted = 0.7
)

// RawTest is one extracted row before normalization.
type RawTest struct {
	Name           string `json:"name"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
	Flag           string `json:"flag"`
}

// NormalizedTest is the normalized row. RawName is always preserved.
type NormalizedTest struct {
	RawName        string      `json:"raw_name"`
	CanonicalName  string      `json:"canonical_name,omitempty"`
	Method         MatchMethod `json:"method"`
	Confidence     float64     `json:"confidence"`
	LOINC          string      `json:"loinc,omitempty"`
	Category       string      `json:"category,omitempty"`
	Unit           string      `json:"unit"`
	Value          *float64    `json:"value,omitempty"`
	RawValue       string      `json:"raw_value"`
	RefLow         *float64    `json:"ref_low,omitempty"`
	RefHigh        *float64    `json:"ref_high,omitempty"`
	RawRange       string      `json:"raw_range,omitempty"`
	Flag           string      `json:"flag,omitempty"`
}

// AssistMatcher asks the vision capability to pick the best canonical name
// for a raw string, constrained to the given candidates. Returns "" when
// none of the candidates fit.
type AssistMatcher interface {
	MatchName(ctx context.Context, rawName string, candidates []string) (string, error)
}

// Config controls the chain.
type Config struct {
	FuzzyThreshold float64 // minimum similarity for a fuzzy match
	AssistBudget   int     // capability calls allowed per document
	PanelRestrict  bool    // restrict assisted matching to the detected panel
}

func DefaultConfig() Config {
	return Config{
		FuzzyThreshold: 0.85,
		AssistBudget:   10,
		PanelRestrict:  true,
	}
}

// Normalizer resolves raw test names against the dictionary.
type Normalizer struct {
	dict    *Dictionary
	cfg     Config
	assist  AssistMatcher // nil disables the assisted strategy
	logger  *logging.Logger
	levPara *levenshtein.Params
}

func NewNormalizer(dict *Dictionary, cfg Config, assist AssistMatcher) *Normalizer {
	return &Normalizer{
		dict:    dict,
		cfg:     cfg,
		assist:  assist,
		logger:  logging.NewLogger("normalize"),
		levPara: levenshtein.NewParams(),
	}
}

// DocumentResult is the outcome of normalizing one report's rows.
type DocumentResult struct {
	Tests         []NormalizedTest
	Panel         string
	AssistCalls   int
	UnmatchedRows int
}

// NormalizeDocument resolves every extracted row. The assist budget is
// scoped to this call: one expensive document cannot starve the next.
func (n *Normalizer) NormalizeDocument(ctx context.Context, reportText string, rows []RawTest) *DocumentResult {
	panel, havePanel := n.dict.DetectPanel(reportText)

	budget := n.cfg.AssistBudget
	result := &DocumentResult{}
	if havePanel {
		result.Panel = panel.Name
	}

	for _, row := range rows {
		nt := n.normalizeRow(ctx, row, panel, havePanel, &budget)
		if nt.Method == MatchUnmatched {
			result.UnmatchedRows++
		}
		result.Tests = append(result.Tests, nt)
	}
	result.AssistCalls = n.cfg.AssistBudget - budget
	return result
}

func (n *Normalizer) normalizeRow(ctx context.Context, row RawTest, panel Panel, havePanel bool, budget *int) NormalizedTest {
	nt := NormalizedTest{
		RawName:  row.Name,
		Unit:     row.Unit,
		RawValue: row.Value,
		RawRange: row.ReferenceRange,
		Method:   MatchUnmatched,
	}
	nt.Value, _ = ParseValue(row.Value)
	nt.RefLow, nt.RefHigh = ParseRange(row.ReferenceRange)
	nt.Flag = NormalizeFlag(row.Flag)

	entry, confidence, method := n.resolve(ctx, row.Name, panel, havePanel, budget)
	if entry == nil {
		return nt
	}

	nt.CanonicalName = entry.Canonical
	nt.Method = method
	nt.Confidence = confidence
	nt.LOINC = entry.LOINC
	nt.Category = entry.Category
	if nt.Unit == "" {
		nt.Unit = entry.Unit
	}
	return nt
}

// resolve runs the strategy chain for one name.
func (n *Normalizer) resolve(ctx context.Context, rawName string, panel Panel, havePanel bool, budget *int) (*Entry, float64, MatchMethod) {
	// Strategy 1: exact or alias. Both are curated dictionary knowledge
	// and carry full confidence.
	if entry, viaAlias, ok := n.dict.Lookup(rawName); ok {
		if viaAlias {
			n.logger.Debug("alias hit", "raw_name", rawName, "canonical", entry.Canonical)
		}
		return entry, confExact, MatchExact
	}

	// Strategy 2: fuzzy.
	if entry, similarity := n.fuzzyMatch(rawName); entry != nil {
		return entry, similarity, MatchFuzzy
	}

	// Strategy 3: capability-assisted, panel-restricted, budgeted.
	if n.assist != nil && *budget > 0 {
		candidates := n.assistCandidates(panel, havePanel)
		if len(candidates) > 0 {
			*budget--
			canonical, err := n.assist.MatchName(ctx, rawName, candidates)
			if err != nil {
				n.logger.Warn("assisted match failed", "raw_name", rawName, "error", err)
			} else if canonical != "" {
				if entry, _, ok := n.dict.Lookup(canonical); ok {
					return entry, confAssisted, MatchAssisted
				}
				// The capability answered outside its candidate list;
				// treat as no match rather than trusting it.
				n.logger.Warn("assisted match returned unknown name", "raw_name", rawName, "answer", canonical)
			}
		}
	}

	return nil, 0, MatchUnmatched
}

// fuzzyMatch scans every dictionary name for the highest Levenshtein
// similarity at or above the threshold.
func (n *Normalizer) fuzzyMatch(rawName string) (*Entry, float64) {
	key := normalizeKey(rawName)
	if key == "" {
		return nil, 0
	}

	var best *Entry
	bestSim := 0.0
	for _, named := range n.dict.AllNames() {
		sim := levenshtein.Similarity(key, named.Name, n.levPara)
		if sim > bestSim {
			bestSim = sim
			best = named.Entry
		}
	}
	if best == nil || bestSim < n.cfg.FuzzyThreshold {
		return nil, 0
	}
	return best, bestSim
}

// assistCandidates builds the whitelist the capability may choose from.
func (n *Normalizer) assistCandidates(panel Panel, havePanel bool) []string {
	if n.cfg.PanelRestrict && havePanel {
		return n.dict.PanelNames(panel)
	}
	return n.dict.PanelNames(Panel{})
}
