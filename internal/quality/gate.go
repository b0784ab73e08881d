/**
 * Quality gate for incoming lab-report images
 *
 * Scores an image across seven metrics and decides whether it is worth
 * sending to the vision capability at all. Rejection here is terminal for
 * the document; no downstream stage runs and no external call is made.
 */

package quality

import (
	"fmt"
	"image"
	"math"

	"github.com/vitalscan/labextract-worker/internal/imaging"
)

// Severity tiers for detected issues. Each tier carries a fixed score
// penalty; a single critical issue nearly halves the score.
const (
	penaltyCritical = 0.35
	penaltySevere   = 0.25
	penaltyMedium   = 0.20
	penaltyMinor    = 0.15
)

// Hard floor constants of the accept rule. These are contractual, not
// tunable: changing them changes which documents get billed against the
// vision capability.
const (
	acceptMinScore      = 0.30
	acceptMinClarity    = 0.20
	acceptMinBlur       = 25.0
	glareContrastFloor  = 85.0
	glareClarityCeiling = 0.45
)

// Thresholds controls where metric measurements turn into issues.
type Thresholds struct {
	MinResolution  int     // minimum shorter-side pixels
	BlurWarn       float64 // Laplacian variance below this is "blurry"
	BlurCritical   float64 // below this is "extremely blurry"
	ContrastMin    float64
	ContrastMax    float64
	BrightnessMin  float64
	BrightnessMax  float64
	SkewMax        float64 // degrees
	NoiseMax       float64
	TextDensityMin float64
}

// DefaultThresholds are tuned against a corpus of phone photos of printed
// lab reports.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinResolution:  400,
		BlurWarn:       50,
		BlurCritical:   25,
		ContrastMin:    35,
		ContrastMax:    90,
		BrightnessMin:  50,
		BrightnessMax:  220,
		SkewMax:        5.0,
		NoiseMax:       0.15,
		TextDensityMin: 0.03,
	}
}

// Metrics holds the raw measurements for one image.
type Metrics struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	BlurScore   float64 `json:"blur_score"`
	Clarity     float64 `json:"clarity"`
	Contrast    float64 `json:"contrast"`
	Brightness  float64 `json:"brightness"`
	SkewDegrees float64 `json:"skew_degrees"`
	Noise       float64 `json:"noise"`
	TextDensity float64 `json:"text_density"`
}

// Report is the gate's verdict for one image.
type Report struct {
	Score    float64  `json:"score"`
	Accepted bool     `json:"accepted"`
	Issues   []string `json:"issues"`
	Metrics  Metrics  `json:"metrics"`
}

// Gate evaluates images against a fixed set of thresholds.
type Gate struct {
	thresholds Thresholds
}

func NewGate(t Thresholds) *Gate {
	return &Gate{thresholds: t}
}

// Evaluate measures the image and applies the accept rule. Pure: no I/O,
// no side effects, the input image is never modified.
func (g *Gate) Evaluate(img image.Image) *Report {
	gray := imaging.ToGray(img)
	b := gray.Bounds()

	m := Metrics{
		Width:       b.Dx(),
		Height:      b.Dy(),
		BlurScore:   blurScore(gray),
		Clarity:     clarityScore(gray),
		SkewDegrees: estimateSkew(gray),
		Noise:       noiseScore(gray),
		TextDensity: textDensity(gray),
	}
	m.Brightness, m.Contrast = grayStats(gray)

	score, issues := g.score(m)

	return &Report{
		Score:    score,
		Accepted: accepts(score, m),
		Issues:   issues,
		Metrics:  m,
	}
}

// accepts is the hard accept rule. All three floors must hold, and the
// glare pattern (harsh contrast with incoherent edges, typical of flash
// reflections) rejects outright regardless of the composite score.
func accepts(score float64, m Metrics) bool {
	return score >= acceptMinScore &&
		m.Clarity >= acceptMinClarity &&
		m.BlurScore >= acceptMinBlur &&
		!(m.Contrast > glareContrastFloor && m.Clarity < glareClarityCeiling)
}

// score applies tiered penalties for each detected issue, then bonuses for
// properties that correlate with clean extraction, clamped to [0,1].
func (g *Gate) score(m Metrics) (float64, []string) {
	t := g.thresholds
	score := 1.0
	var issues []string

	penalize := func(amount float64, format string, args ...interface{}) {
		score -= amount
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	minDim := m.Width
	if m.Height < minDim {
		minDim = m.Height
	}

	switch {
	case m.BlurScore < t.BlurCritical:
		penalize(penaltyCritical, "extremely blurry (variance %.1f < %.0f)", m.BlurScore, t.BlurCritical)
	case m.BlurScore < t.BlurWarn:
		penalize(penaltySevere, "blurry (variance %.1f < %.0f)", m.BlurScore, t.BlurWarn)
	}

	if minDim < t.MinResolution {
		penalize(penaltySevere, "resolution too low (%dx%d, need %dpx shorter side)", m.Width, m.Height, t.MinResolution)
	}

	switch {
	case m.Contrast < t.ContrastMin:
		penalize(penaltyMedium, "low contrast (%.1f < %.0f)", m.Contrast, t.ContrastMin)
	case m.Contrast > t.ContrastMax:
		penalize(penaltyMedium, "harsh contrast (%.1f > %.0f), possible glare", m.Contrast, t.ContrastMax)
	}

	switch {
	case m.Brightness < t.BrightnessMin:
		penalize(penaltyMedium, "too dark (brightness %.1f)", m.Brightness)
	case m.Brightness > t.BrightnessMax:
		penalize(penaltyMinor, "overexposed (brightness %.1f)", m.Brightness)
	}

	if math.Abs(m.SkewDegrees) > t.SkewMax {
		penalize(penaltyMinor, "skewed %.1f degrees", m.SkewDegrees)
	}

	if m.Noise > t.NoiseMax {
		penalize(penaltyMinor, "noisy (%.2f)", m.Noise)
	}

	if m.TextDensity < t.TextDensityMin {
		penalize(penaltyMedium, "little text detected (density %.3f)", m.TextDensity)
	}

	// Bonuses for properties that predict clean extraction.
	if minDim >= 1200 {
		score += 0.10
	}
	if m.BlurScore >= 300 {
		score += 0.05
	}
	if m.Contrast >= 50 && m.Contrast <= 80 {
		score += 0.10
	}
	if m.Brightness >= 100 && m.Brightness <= 180 {
		score += 0.05
	}
	if math.Abs(m.SkewDegrees) < 1 {
		score += 0.05
	}
	if m.Clarity >= 0.7 {
		score += 0.10
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, issues
}
