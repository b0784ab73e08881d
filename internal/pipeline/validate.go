package pipeline

import (
	"fmt"

	"github.com/vitalscan/labextract-worker/internal/extract"
	"github.com/vitalscan/labextract-worker/internal/normalize"
)

/**
 * Validation passes.
 *
 * Structural validation and the OCR evidence check run on the raw
 * extraction; plausibility validation runs later, once names are
 * canonical. Validation never fails a document outright: problems
 * downgrade confidence and flag review, because a human can salvage a
 * dubious extraction but nobody can salvage a silently wrong one.
 */

// physiologicalRanges bounds values that are possible in a living patient,
// far wider than reference ranges. A value outside these is an extraction
// error, not a sick patient.
var physiologicalRanges = map[string][2]float64{
	"Hemoglobin":             {3, 25},
	"Hematocrit":             {10, 75},
	"White Blood Cell Count": {0.1, 500},
	"Red Blood Cell Count":   {1, 10},
	"Platelet Count":         {1, 2000},
	"MCV":                    {50, 150},
	"Glucose":                {10, 1500},
	"HbA1c":                  {3, 20},
	"Creatinine":             {0.1, 30},
	"Blood Urea Nitrogen":    {1, 300},
	"Sodium":                 {100, 180},
	"Potassium":              {1, 10},
	"Chloride":               {60, 140},
	"Calcium":                {4, 20},
	"pH":                     {6.8, 8.0},
	"ALT":                    {1, 5000},
	"AST":                    {1, 5000},
	"Total Bilirubin":        {0.1, 60},
	"Albumin":                {0.5, 7},
	"TSH":                    {0.001, 150},
	"Total Cholesterol":      {50, 1000},
	"Triglycerides":          {10, 5000},
	"INR":                    {0.5, 20},
	"Prothrombin Time":       {5, 120},
}

// validationResult accumulates problems from the pre-normalization pass.
type validationResult struct {
	Problems          []string
	EvidenceChecked   bool
	UnevidencedRows   int
	ConfidencePenalty float64 // total confidence downgrade from this pass
}

// validateExtraction checks the raw extraction for structural problems and
// runs the hallucination guard against the OCR probe text.
func validateExtraction(ext *extract.Extraction, probe *extract.ProbeResult) *validationResult {
	res := &validationResult{}

	if len(ext.Tests) == 0 {
		res.Problems = append(res.Problems, "extraction returned no test rows")
		res.ConfidencePenalty += 0.3
		return res
	}

	emptyNames := 0
	for _, t := range ext.Tests {
		if t.Name == "" {
			emptyNames++
		}
	}
	if emptyNames > 0 {
		res.Problems = append(res.Problems, fmt.Sprintf("%d rows with empty test names", emptyNames))
		res.ConfidencePenalty += 0.1
	}

	// Hallucination guard: every reported test name should leave some trace
	// in a local OCR read of the same image. Unevidenced rows are flagged,
	// not dropped: the vision model reads degraded print better than
	// Tesseract does, so absence of evidence is suspicion, not proof.
	if probe != nil {
		res.EvidenceChecked = true
		for _, t := range ext.Tests {
			if t.Name != "" && !probe.ContainsEvidence(t.Name) {
				res.UnevidencedRows++
			}
		}
		if res.UnevidencedRows > 0 {
			res.Problems = append(res.Problems,
				fmt.Sprintf("%d of %d test names lack OCR evidence", res.UnevidencedRows, len(ext.Tests)))
			res.ConfidencePenalty += 0.15
		}
	}

	return res
}

// validatePlausibility cross-checks normalized values: physiological
// bounds, printed-flag consistency against the report's own reference
// range. Returns review reasons and a confidence downgrade.
func validatePlausibility(tests []normalize.NormalizedTest) (reasons []string, penalty float64) {
	implausible := 0
	flagMismatch := 0

	for _, t := range tests {
		if t.Value == nil || t.CanonicalName == "" {
			continue
		}

		if bounds, ok := physiologicalRanges[t.CanonicalName]; ok {
			if *t.Value < bounds[0] || *t.Value > bounds[1] {
				implausible++
				reasons = append(reasons, fmt.Sprintf(
					"%s = %g outside physiological range [%g, %g]",
					t.CanonicalName, *t.Value, bounds[0], bounds[1]))
			}
		}

		if t.Flag != "" && (t.RefLow != nil || t.RefHigh != nil) {
			derived := normalize.DeriveFlag(*t.Value, t.RefLow, t.RefHigh)
			if derived != "" && derived != t.Flag {
				flagMismatch++
			}
		}
	}

	if implausible > 0 {
		penalty += 0.2
	}
	if flagMismatch > 0 {
		penalty += 0.1
		reasons = append(reasons, fmt.Sprintf(
			"%d printed flags disagree with their reference ranges", flagMismatch))
	}
	return reasons, penalty
}
