/**
 * Image preprocessing for lab-report extraction
 *
 * Runs a fixed enhancement sequence before the vision capability sees the
 * image: grayscale -> deskew -> denoise -> local contrast (CLAHE) ->
 * optional binarization -> sharpen. If any advanced step blows up, the
 * pipeline falls back to a minimal enhancement rather than failing the
 * document: a lightly-processed image still extracts better than none.
 */

package preprocess

import (
	"fmt"
	"image"
	"math"

	"github.com/vitalscan/labextract-worker/internal/imaging"
	"github.com/vitalscan/labextract-worker/internal/logging"
)

// Config toggles individual enhancement steps.
type Config struct {
	Deskew   bool
	Denoise  bool
	Contrast bool
	Binarize bool // off by default: binarization helps OCR but hurts vision models
	MaxDim   int  // downscale bound applied before any other step
}

// DefaultConfig enables everything except binarization.
func DefaultConfig() Config {
	return Config{
		Deskew:   true,
		Denoise:  true,
		Contrast: true,
		Binarize: false,
		MaxDim:   3200,
	}
}

// Result carries the enhanced image plus a record of what was done to it.
type Result struct {
	Image        image.Image
	AppliedSteps []string
	SkewApplied  float64
	UsedFallback bool
}

// Preprocessor runs the enhancement sequence.
type Preprocessor struct {
	cfg    Config
	logger *logging.Logger
}

func NewPreprocessor(cfg Config) *Preprocessor {
	return &Preprocessor{
		cfg:    cfg,
		logger: logging.NewLogger("preprocess"),
	}
}

// Process enhances a copy of the input; the source image is never
// modified. Step order is fixed regardless of which steps are enabled.
func (p *Preprocessor) Process(src image.Image) *Result {
	result, err := p.runPipeline(src)
	if err == nil {
		return result
	}

	p.logger.Warn("enhancement pipeline failed, using minimal fallback", "error", err)
	return p.minimalFallback(src)
}

func (p *Preprocessor) runPipeline(src image.Image) (result *Result, err error) {
	// The filter kernels index pixel buffers directly; a malformed or
	// degenerate image surfaces as a panic rather than an error return.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("enhancement step panicked: %v", r)
		}
	}()

	res := &Result{}

	if p.cfg.MaxDim > 0 {
		src = imaging.ResizeMax(src, p.cfg.MaxDim)
	}

	// Step 1: canonical color space. Everything downstream works on
	// 8-bit luminance.
	gray := imaging.ToGray(src)
	res.AppliedSteps = append(res.AppliedSteps, "grayscale")

	// Step 2: deskew. Sub-half-degree skew is not worth the interpolation
	// blur a rotation introduces.
	if p.cfg.Deskew {
		angle := estimateTextAngle(gray)
		if math.Abs(angle) >= 0.5 {
			rotated := imaging.Rotate(gray, -angle)
			gray = imaging.ToGray(rotated)
			res.SkewApplied = angle
			res.AppliedSteps = append(res.AppliedSteps, fmt.Sprintf("deskew(%.1f)", angle))
		}
	}

	// Step 3: denoise before contrast enhancement, so CLAHE does not
	// amplify sensor noise.
	if p.cfg.Denoise {
		gray = denoise(gray)
		res.AppliedSteps = append(res.AppliedSteps, "denoise")
	}

	// Step 4: tile-local contrast equalization.
	if p.cfg.Contrast {
		gray = clahe(gray, 8, 8, 2.0)
		res.AppliedSteps = append(res.AppliedSteps, "clahe")
	}

	// Step 5: optional binarization.
	if p.cfg.Binarize {
		gray = adaptiveBinarize(gray, 11, 2)
		res.AppliedSteps = append(res.AppliedSteps, "binarize")
	}

	// Step 6: unsharp mask, always last.
	gray = unsharp(gray, 0.5)
	res.AppliedSteps = append(res.AppliedSteps, "sharpen")

	res.Image = gray
	return res, nil
}

// minimalFallback is the degraded path: a global histogram stretch and a
// fixed sharpen. It cannot fail on any decodable image.
func (p *Preprocessor) minimalFallback(src image.Image) *Result {
	gray := imaging.ToGray(src)
	gray = stretchContrast(gray, 0.02)
	gray = unsharp(gray, 0.5)
	return &Result{
		Image:        gray,
		AppliedSteps: []string{"grayscale", "stretch", "sharpen"},
		UsedFallback: true,
	}
}
