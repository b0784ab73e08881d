package pipeline

import (
	"fmt"

	"github.com/vitalscan/labextract-worker/internal/normalize"
)

// Summary is the human-facing digest attached to a completed outcome.
type Summary struct {
	ReportType       string   `json:"report_type"`
	TotalTests       int      `json:"total_tests"`
	AbnormalFindings []string `json:"abnormal_findings"`
	Priority         string   `json:"priority"` // none, low, medium, high
}

// buildSummary derives the digest from normalized results. Only tests with
// a canonical identity contribute findings; unmatched rows are too
// uncertain to surface as clinical statements.
func buildSummary(reportType, panel string, tests []normalize.NormalizedTest) *Summary {
	s := &Summary{
		ReportType: reportType,
		TotalTests: len(tests),
		Priority:   "none",
	}
	if s.ReportType == "" {
		s.ReportType = panel
	}

	abnormal := 0
	for _, t := range tests {
		if t.CanonicalName == "" || (t.Flag != "H" && t.Flag != "L") {
			continue
		}
		abnormal++
		direction := "high"
		if t.Flag == "L" {
			direction = "low"
		}
		finding := fmt.Sprintf("%s %s", t.CanonicalName, direction)
		if t.Value != nil {
			finding = fmt.Sprintf("%s %s (%g %s)", t.CanonicalName, direction, *t.Value, t.Unit)
		}
		s.AbnormalFindings = append(s.AbnormalFindings, finding)
	}

	switch {
	case abnormal == 0:
	case abnormal <= 2:
		s.Priority = "low"
	case abnormal <= 5:
		s.Priority = "medium"
	default:
		s.Priority = "high"
	}
	return s
}
