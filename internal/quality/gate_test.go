package quality

import (
	"image"
	"image/color"
	"testing"
)

func TestAcceptRule(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		clarity  float64
		blur     float64
		contrast float64
		want     bool
	}{
		{"clean document", 0.85, 0.75, 320, 65, true},
		{"at all floors", 0.30, 0.20, 25, 50, true},
		{"score below floor", 0.29, 0.75, 320, 65, false},
		{"clarity below floor", 0.85, 0.19, 320, 65, false},
		{"critically blurry", 0.85, 0.75, 24.9, 65, false},
		{"glare: harsh contrast, incoherent edges", 0.85, 0.44, 320, 86, false},
		{"harsh contrast but coherent edges", 0.85, 0.46, 320, 86, true},
		{"incoherent edges but moderate contrast", 0.85, 0.44, 320, 85, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Metrics{
				Clarity:   tt.clarity,
				BlurScore: tt.blur,
				Contrast:  tt.contrast,
			}
			if got := accepts(tt.score, m); got != tt.want {
				t.Errorf("accepts(%.2f, %+v) = %v, want %v", tt.score, m, got, tt.want)
			}
		})
	}
}

func TestEvaluateFlatImageRejected(t *testing.T) {
	// A featureless gray frame has zero sharp transitions: the blur floor
	// must reject it before any external call is spent on it.
	img := image.NewGray(image.Rect(0, 0, 600, 800))
	for i := range img.Pix {
		img.Pix[i] = 128
	}

	report := NewGate(DefaultThresholds()).Evaluate(img)

	if report.Accepted {
		t.Fatalf("flat image accepted, report=%+v", report)
	}
	if report.Metrics.BlurScore >= acceptMinBlur {
		t.Errorf("flat image blur score = %.2f, expected < %.0f", report.Metrics.BlurScore, acceptMinBlur)
	}
	if len(report.Issues) == 0 {
		t.Error("expected at least one issue for a flat image")
	}
}

func TestEvaluateSharpTextLikeImageAccepted(t *testing.T) {
	// Horizontal dark bars on white approximate printed text lines: sharp
	// axis-aligned edges, high contrast, zero skew.
	img := image.NewRGBA(image.Rect(0, 0, 600, 800))
	for y := 0; y < 800; y++ {
		for x := 0; x < 600; x++ {
			c := color.RGBA{255, 255, 255, 255}
			if y%20 < 10 {
				c = color.RGBA{0, 0, 0, 255}
			}
			img.Set(x, y, c)
		}
	}

	report := NewGate(DefaultThresholds()).Evaluate(img)

	if !report.Accepted {
		t.Fatalf("sharp text-like image rejected: score=%.2f issues=%v metrics=%+v",
			report.Score, report.Issues, report.Metrics)
	}
	if report.Metrics.Clarity < 0.7 {
		t.Errorf("axis-aligned edges should yield high clarity, got %.2f", report.Metrics.Clarity)
	}
	if report.Metrics.BlurScore < 300 {
		t.Errorf("hard edges should yield high blur score, got %.2f", report.Metrics.BlurScore)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = byte(i % 251)
	}
	before := make([]byte, len(img.Pix))
	copy(before, img.Pix)

	gate := NewGate(DefaultThresholds())
	r1 := gate.Evaluate(img)
	r2 := gate.Evaluate(img)

	for i := range img.Pix {
		if img.Pix[i] != before[i] {
			t.Fatal("Evaluate modified the input image")
		}
	}
	if r1.Score != r2.Score || r1.Accepted != r2.Accepted {
		t.Errorf("Evaluate not deterministic: %.4f/%v vs %.4f/%v",
			r1.Score, r1.Accepted, r2.Score, r2.Accepted)
	}
}

func TestScorePenaltiesAndBonuses(t *testing.T) {
	g := NewGate(DefaultThresholds())

	// All metrics in the bonus bands: score must clamp at 1.0.
	good := Metrics{
		Width: 1600, Height: 2000,
		BlurScore: 400, Clarity: 0.8, Contrast: 65,
		Brightness: 140, SkewDegrees: 0.2, Noise: 0.02, TextDensity: 0.1,
	}
	if score, issues := g.score(good); score != 1.0 || len(issues) != 0 {
		t.Errorf("ideal metrics: score=%.2f issues=%v, want 1.0 and none", score, issues)
	}

	// Stacked penalties must clamp at 0.
	bad := Metrics{
		Width: 200, Height: 200,
		BlurScore: 5, Clarity: 0.1, Contrast: 10,
		Brightness: 20, SkewDegrees: 12, Noise: 0.5, TextDensity: 0.001,
	}
	score, issues := g.score(bad)
	if score != 0 {
		t.Errorf("hopeless metrics: score=%.2f, want 0", score)
	}
	if len(issues) < 5 {
		t.Errorf("hopeless metrics: got %d issues, want at least 5: %v", len(issues), issues)
	}
}
