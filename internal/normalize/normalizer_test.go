package normalize

import (
	"context"
	"errors"
	"testing"
)

func mustDict(t *testing.T) *Dictionary {
	t.Helper()
	d, err := LoadDictionary("")
	if err != nil {
		t.Fatalf("load embedded dictionary: %v", err)
	}
	return d
}

func TestExactAndAliasLookup(t *testing.T) {
	n := NewNormalizer(mustDict(t), DefaultConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		raw        string
		canonical  string
		method     MatchMethod
		confidence float64
	}{
		{"Hemoglobin", "Hemoglobin", MatchExact, 1.0},
		{"hemoglobin", "Hemoglobin", MatchExact, 1.0},
		{"Hb", "Hemoglobin", MatchExact, 1.0},
		{"HGB", "Hemoglobin", MatchExact, 1.0},
		{"SGPT", "ALT", MatchExact, 1.0},
		{"Platelet Count", "Platelet Count", MatchExact, 1.0},
		{"plt", "Platelet Count", MatchExact, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res := n.NormalizeDocument(ctx, "", []RawTest{{Name: tt.raw, Value: "1"}})
			got := res.Tests[0]
			if got.CanonicalName != tt.canonical || got.Method != tt.method || got.Confidence != tt.confidence {
				t.Errorf("normalize(%q) = %s/%s/%.2f, want %s/%s/%.2f",
					tt.raw, got.CanonicalName, got.Method, got.Confidence,
					tt.canonical, tt.method, tt.confidence)
			}
		})
	}
}

func TestFuzzyMatchAboveThreshold(t *testing.T) {
	n := NewNormalizer(mustDict(t), DefaultConfig(), nil)

	// One dropped letter in a ten-letter name: similarity 0.9.
	res := n.NormalizeDocument(context.Background(), "", []RawTest{{Name: "Hemoglbin", Value: "13"}})
	got := res.Tests[0]

	if got.CanonicalName != "Hemoglobin" || got.Method != MatchFuzzy {
		t.Fatalf("got %s via %s, want Hemoglobin via fuzzy", got.CanonicalName, got.Method)
	}
	if got.Confidence < 0.85 || got.Confidence >= 1.0 {
		t.Errorf("fuzzy confidence = %.3f, want similarity in [0.85,1)", got.Confidence)
	}
}

func TestUnmatchedPreservesRawName(t *testing.T) {
	n := NewNormalizer(mustDict(t), DefaultConfig(), nil)

	res := n.NormalizeDocument(context.Background(), "", []RawTest{
		{Name: "Zq Xenon Widget", Value: "42", Flag: "H"},
	})
	got := res.Tests[0]

	if got.Method != MatchUnmatched {
		t.Fatalf("gibberish matched as %s (%s)", got.Method, got.CanonicalName)
	}
	if got.Confidence != 0 {
		t.Errorf("unmatched confidence = %.2f, want 0", got.Confidence)
	}
	if got.RawName != "Zq Xenon Widget" {
		t.Errorf("raw name not preserved: %q", got.RawName)
	}
	if got.Value == nil || *got.Value != 42 {
		t.Error("value parsing must still run for unmatched names")
	}
	if res.UnmatchedRows != 1 {
		t.Errorf("UnmatchedRows = %d", res.UnmatchedRows)
	}
}

type fakeAssist struct {
	calls      int
	candidates []string
	answer     string
	err        error
}

func (f *fakeAssist) MatchName(ctx context.Context, rawName string, candidates []string) (string, error) {
	f.calls++
	f.candidates = candidates
	return f.answer, f.err
}

func TestAssistedMatchRestrictedToPanel(t *testing.T) {
	assist := &fakeAssist{answer: "Hemoglobin"}
	n := NewNormalizer(mustDict(t), DefaultConfig(), assist)

	res := n.NormalizeDocument(context.Background(),
		"COMPLETE BLOOD COUNT (CBC) - Apex Diagnostics",
		[]RawTest{{Name: "Hgb conc. (colorimetric)", Value: "13.5"}})
	got := res.Tests[0]

	if got.Method != MatchAssisted || got.CanonicalName != "Hemoglobin" {
		t.Fatalf("got %s via %s", got.CanonicalName, got.Method)
	}
	if got.Confidence != 0.7 {
		t.Errorf("assisted confidence = %.2f, want 0.7", got.Confidence)
	}
	if assist.calls != 1 {
		t.Fatalf("assist called %d times", assist.calls)
	}

	// The candidate list must be the detected panel, not the whole
	// dictionary.
	if res.Panel != "Complete Blood Count" {
		t.Fatalf("detected panel %q", res.Panel)
	}
	inPanel := false
	for _, c := range assist.candidates {
		if c == "Hemoglobin" {
			inPanel = true
		}
		if c == "TSH" {
			t.Error("candidate list leaked beyond the detected panel")
		}
	}
	if !inPanel {
		t.Error("panel candidates missing Hemoglobin")
	}
}

func TestAssistBudgetIsPerDocument(t *testing.T) {
	assist := &fakeAssist{answer: ""}
	cfg := DefaultConfig()
	cfg.AssistBudget = 1
	n := NewNormalizer(mustDict(t), cfg, assist)

	rows := []RawTest{
		{Name: "Qx Unknown One", Value: "1"},
		{Name: "Qx Unknown Two", Value: "2"},
	}
	res := n.NormalizeDocument(context.Background(), "CBC", rows)

	if assist.calls != 1 {
		t.Errorf("assist called %d times with budget 1", assist.calls)
	}
	if res.AssistCalls != 1 {
		t.Errorf("AssistCalls = %d", res.AssistCalls)
	}
	for _, nt := range res.Tests {
		if nt.Method != MatchUnmatched {
			t.Errorf("%q resolved as %s without a dictionary hit", nt.RawName, nt.Method)
		}
	}

	// A second document gets a fresh budget.
	n.NormalizeDocument(context.Background(), "CBC", rows[:1])
	if assist.calls != 2 {
		t.Errorf("budget leaked across documents: %d calls", assist.calls)
	}
}

func TestAssistErrorFallsThroughToUnmatched(t *testing.T) {
	assist := &fakeAssist{err: errors.New("capability down")}
	n := NewNormalizer(mustDict(t), DefaultConfig(), assist)

	res := n.NormalizeDocument(context.Background(), "CBC", []RawTest{{Name: "Qx Mystery", Value: "1"}})
	if res.Tests[0].Method != MatchUnmatched {
		t.Errorf("assist error produced a match: %s", res.Tests[0].Method)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want *float64
	}{
		{"13.2", f(13.2)},
		{"13.2 ↑", f(13.2)},
		{"13.2 H", f(13.2)},
		{"120*", f(120)},
		{"5,4", f(5.4)},
		{"Positive", nil},
		{"Not Detected", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got, raw := ParseValue(tt.raw)
		if raw != tt.raw {
			t.Errorf("ParseValue(%q) lost the raw string: %q", tt.raw, raw)
		}
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("ParseValue(%q) = %v, want nil", tt.raw, *got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("ParseValue(%q) = %v, want %v", tt.raw, got, *tt.want)
		}
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		raw       string
		low, high *float64
	}{
		{"12-16", f(12), f(16)},
		{"12.0 - 16.0", f(12), f(16)},
		{"4.5 to 11.0", f(4.5), f(11)},
		{"< 200", nil, f(200)},
		{"> 60", f(60), nil},
		{"", nil, nil},
		{"see note", nil, nil},
	}
	for _, tt := range tests {
		low, high := ParseRange(tt.raw)
		if !eq(low, tt.low) || !eq(high, tt.high) {
			t.Errorf("ParseRange(%q) = (%v,%v), want (%v,%v)", tt.raw, ptr(low), ptr(high), ptr(tt.low), ptr(tt.high))
		}
	}
}

func TestNormalizeFlagAndDeriveFlag(t *testing.T) {
	if NormalizeFlag("High") != "H" || NormalizeFlag("↓") != "L" || NormalizeFlag("") != "N" {
		t.Error("flag normalization broken")
	}
	if NormalizeFlag("??") != "" {
		t.Error("unknown flags must come back empty, not guessed")
	}

	if DeriveFlag(17, f(12), f(16)) != "H" {
		t.Error("value above range must derive H")
	}
	if DeriveFlag(10, f(12), f(16)) != "L" {
		t.Error("value below range must derive L")
	}
	if DeriveFlag(14, f(12), f(16)) != "N" {
		t.Error("in-range value must derive N")
	}
	if DeriveFlag(14, nil, nil) != "" {
		t.Error("no range, no derived flag")
	}
}

func TestDetectPanel(t *testing.T) {
	d := mustDict(t)

	panel, ok := d.DetectPanel("LIPID PROFILE\nTotal Cholesterol ...")
	if !ok || panel.Name != "Lipid Profile" {
		t.Errorf("detected %q, %v", panel.Name, ok)
	}

	if _, ok := d.DetectPanel("handwritten note about nothing"); ok {
		t.Error("detected a panel in unrelated text")
	}
}

func f(v float64) *float64 { return &v }

func eq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptr(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
