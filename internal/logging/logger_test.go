package logging

import "testing"

func TestWithDocumentCarriesID(t *testing.T) {
	base := NewLogger("pipeline")
	sub := base.WithDocument("doc-42")

	if sub.prefix != "pipeline doc=doc-42" {
		t.Errorf("sub-logger prefix = %q", sub.prefix)
	}
	if base.prefix != "pipeline" {
		t.Errorf("parent prefix mutated: %q", base.prefix)
	}

	// Must not panic with odd key-value pairs.
	sub.Info("stage entered", "stage", "EXTRACT", "dangling")
}
