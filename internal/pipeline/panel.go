package pipeline

import (
	"fmt"
	"strings"

	"github.com/vitalscan/labextract-worker/internal/normalize"
)

/**
 * Panel completeness rules.
 *
 * Certain tests travel together on real reports: INR implies PT was run,
 * differential percentages imply absolute counts exist, MCV comes with
 * MCH/MCHC. A report missing the expected companions was probably
 * extracted incompletely, so warning-severity gaps flag the document for
 * review rather than silently shipping half a panel.
 */

type panelRule struct {
	name     string
	triggers []string // any of these present activates the rule
	expected []string // at least one of these should then be present
	severity string   // "info" gaps log, "warning" gaps flag review
	message  string
}

var panelRules = []panelRule{
	{
		name:     "CBC Differential",
		triggers: []string{"Neutrophils", "Lymphocytes", "Monocytes", "Eosinophils"},
		expected: []string{"Absolute Neutrophil Count", "Absolute Lymphocyte Count"},
		severity: "warning",
		message:  "differential percentages present but absolute counts missing",
	},
	{
		name:     "Coagulation Panel",
		triggers: []string{"INR"},
		expected: []string{"Prothrombin Time"},
		severity: "warning",
		message:  "INR present but PT missing",
	},
	{
		name:     "Liver Function",
		triggers: []string{"ALT"},
		expected: []string{"AST"},
		severity: "info",
		message:  "ALT present, AST usually accompanies it",
	},
	{
		name:     "Kidney Function",
		triggers: []string{"Creatinine"},
		expected: []string{"Blood Urea Nitrogen", "eGFR"},
		severity: "info",
		message:  "creatinine present, BUN usually accompanies it",
	},
	{
		name:     "RBC Indices",
		triggers: []string{"MCV"},
		expected: []string{"MCH", "MCHC"},
		severity: "info",
		message:  "MCV present, MCH/MCHC usually accompany it",
	},
}

// PanelFinding is one rule evaluation that fired.
type PanelFinding struct {
	Panel    string   `json:"panel"`
	Complete bool     `json:"complete"`
	Missing  []string `json:"missing,omitempty"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
}

// PanelCheckResult aggregates all fired rules.
type PanelCheckResult struct {
	Findings          []PanelFinding `json:"findings"`
	CompletenessScore float64        `json:"completeness_score"`
	NeedsReview       bool           `json:"needs_review"`
	ReviewReasons     []string       `json:"-"`
}

// checkPanels evaluates completeness rules over the normalized tests.
func checkPanels(tests []normalize.NormalizedTest) *PanelCheckResult {
	present := make(map[string]bool)
	for _, t := range tests {
		if t.CanonicalName != "" {
			present[strings.ToLower(t.CanonicalName)] = true
		}
	}

	has := func(name string) bool { return present[strings.ToLower(name)] }

	result := &PanelCheckResult{CompletenessScore: 1.0}
	fired, complete := 0, 0

	for _, rule := range panelRules {
		triggered := false
		for _, trig := range rule.triggers {
			if has(trig) {
				triggered = true
				break
			}
		}
		if !triggered {
			continue
		}
		fired++

		found := false
		for _, exp := range rule.expected {
			if has(exp) {
				found = true
				break
			}
		}

		finding := PanelFinding{
			Panel:    rule.name,
			Complete: found,
			Severity: rule.severity,
			Message:  rule.message,
		}
		if found {
			complete++
		} else {
			finding.Missing = rule.expected
			if rule.severity == "warning" {
				result.NeedsReview = true
				result.ReviewReasons = append(result.ReviewReasons,
					fmt.Sprintf("%s: %s", rule.name, rule.message))
			}
		}
		result.Findings = append(result.Findings, finding)
	}

	if fired > 0 {
		result.CompletenessScore = float64(complete) / float64(fired)
	}
	return result
}
