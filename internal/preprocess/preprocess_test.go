package preprocess

import (
	"image"
	"math"
	"testing"

	"github.com/vitalscan/labextract-worker/internal/imaging"
)

// textBars draws dark horizontal bars on white, a stand-in for printed
// text lines.
func textBars(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		v := uint8(255)
		if y%20 < 8 {
			v = 10
		}
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = v
		}
	}
	return img
}

func TestProcessDoesNotMutateInput(t *testing.T) {
	src := textBars(400, 300)
	before := make([]byte, len(src.Pix))
	copy(before, src.Pix)

	NewPreprocessor(DefaultConfig()).Process(src)

	for i := range src.Pix {
		if src.Pix[i] != before[i] {
			t.Fatal("Process modified the source image")
		}
	}
}

func TestProcessAppliesStepsInOrder(t *testing.T) {
	res := NewPreprocessor(DefaultConfig()).Process(textBars(400, 300))

	if res.UsedFallback {
		t.Fatal("clean input should not hit the fallback path")
	}
	if res.Image == nil || res.Image.Bounds().Empty() {
		t.Fatal("Process returned no image")
	}

	want := []string{"grayscale", "denoise", "clahe", "sharpen"}
	got := res.AppliedSteps
	// Deskew may or may not fire depending on the measured angle; strip it.
	filtered := got[:0:0]
	for _, s := range got {
		if len(s) >= 6 && s[:6] == "deskew" {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) != len(want) {
		t.Fatalf("applied steps = %v, want %v (deskew aside)", got, want)
	}
	for i := range want {
		if filtered[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, filtered[i], want[i])
		}
	}
}

func TestProcessBinarizeProducesBilevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binarize = true
	cfg.Deskew = false
	res := NewPreprocessor(cfg).Process(textBars(200, 200))

	gray := imaging.ToGray(res.Image)
	for _, p := range gray.Pix {
		// Sharpen after binarization can only push values further toward
		// the rails, never into midtones beyond interpolation rounding.
		if p > 30 && p < 225 {
			t.Fatalf("binarized output contains midtone value %d", p)
		}
	}
}

func TestEstimateTextAngleStraight(t *testing.T) {
	angle := estimateTextAngle(textBars(600, 800))
	if math.Abs(angle) >= 0.5 {
		t.Errorf("straight text measured %.2f degrees skew, want ~0", angle)
	}
}

func TestEstimateTextAngleRecoversAppliedRotation(t *testing.T) {
	rotated := imaging.ToGray(imaging.Rotate(textBars(600, 800), 3.0))
	angle := estimateTextAngle(rotated)
	if math.Abs(angle-3.0) > 1.5 {
		t.Errorf("estimated %.2f degrees for a 3.0 degree rotation", angle)
	}
}

func TestClaheExpandsLowContrast(t *testing.T) {
	// Murky scan: all values squeezed into a 40-level band.
	src := image.NewGray(image.Rect(0, 0, 160, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 160; x++ {
			src.Pix[y*src.Stride+x] = uint8(100 + (x+y)%40)
		}
	}

	out := clahe(src, 8, 8, 2.0)

	rangeOf := func(g *image.Gray) int {
		lo, hi := 255, 0
		for _, p := range g.Pix {
			if int(p) < lo {
				lo = int(p)
			}
			if int(p) > hi {
				hi = int(p)
			}
		}
		return hi - lo
	}

	if rangeOf(out) <= rangeOf(src) {
		t.Errorf("clahe did not expand contrast: in=%d out=%d", rangeOf(src), rangeOf(out))
	}
}

func TestStretchContrastFullRange(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			src.Pix[y*src.Stride+x] = uint8(80 + y)
		}
	}

	out := stretchContrast(src, 0.02)

	lo, hi := 255, 0
	for _, p := range out.Pix {
		if int(p) < lo {
			lo = int(p)
		}
		if int(p) > hi {
			hi = int(p)
		}
	}
	if lo > 10 || hi < 245 {
		t.Errorf("stretch left range [%d,%d], want near [0,255]", lo, hi)
	}
}

func TestMinimalFallback(t *testing.T) {
	res := NewPreprocessor(DefaultConfig()).minimalFallback(textBars(120, 120))
	if !res.UsedFallback {
		t.Error("fallback result not marked as fallback")
	}
	if res.Image == nil {
		t.Fatal("fallback produced no image")
	}
}
