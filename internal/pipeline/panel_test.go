package pipeline

import (
	"testing"

	"github.com/vitalscan/labextract-worker/internal/normalize"
)

func named(names ...string) []normalize.NormalizedTest {
	out := make([]normalize.NormalizedTest, len(names))
	for i, n := range names {
		out[i] = normalize.NormalizedTest{RawName: n, CanonicalName: n, Confidence: 1}
	}
	return out
}

func TestCheckPanelsINRWithoutPT(t *testing.T) {
	res := checkPanels(named("INR", "Hemoglobin"))

	if !res.NeedsReview {
		t.Fatal("INR without PT must flag review")
	}
	if len(res.ReviewReasons) == 0 {
		t.Error("missing review reason")
	}
	if res.CompletenessScore >= 1.0 {
		t.Errorf("completeness = %.2f with a missing companion", res.CompletenessScore)
	}
}

func TestCheckPanelsINRWithPT(t *testing.T) {
	res := checkPanels(named("INR", "Prothrombin Time"))

	if res.NeedsReview {
		t.Errorf("complete coagulation panel flagged: %v", res.ReviewReasons)
	}
	if res.CompletenessScore != 1.0 {
		t.Errorf("completeness = %.2f, want 1.0", res.CompletenessScore)
	}
}

func TestCheckPanelsInfoSeverityDoesNotFlag(t *testing.T) {
	// MCV without MCH/MCHC is only informational.
	res := checkPanels(named("MCV"))

	if res.NeedsReview {
		t.Error("info-severity gap must not flag review")
	}
	if len(res.Findings) != 1 || res.Findings[0].Complete {
		t.Errorf("findings = %+v", res.Findings)
	}
}

func TestCheckPanelsDifferentialWithoutAbsolutes(t *testing.T) {
	res := checkPanels(named("Neutrophils", "Lymphocytes", "Hemoglobin"))

	if !res.NeedsReview {
		t.Fatal("differential without absolute counts must flag review")
	}
}

func TestCheckPanelsNoTriggers(t *testing.T) {
	res := checkPanels(named("Glucose", "HbA1c"))

	if res.NeedsReview || len(res.Findings) != 0 {
		t.Errorf("unexpected findings: %+v", res.Findings)
	}
	if res.CompletenessScore != 1.0 {
		t.Errorf("completeness = %.2f with no applicable rules", res.CompletenessScore)
	}
}
