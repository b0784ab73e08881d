package preprocess

import (
	"image"
	"math"
	"sort"

	"github.com/vitalscan/labextract-worker/internal/imaging"
)

// estimateTextAngle detects document skew from the orientation of strong
// edges. Printed text lines produce gradients perpendicular to the
// baseline, so the median deviation of near-vertical gradients from
// vertical is the page rotation. Angles outside +/-45 degrees are treated
// as structural (table rules, page edges) and ignored.
func estimateTextAngle(src *image.Gray) float64 {
	// Downsample for speed; skew survives scaling.
	b := src.Bounds()
	work := src
	if b.Dx() > 1000 || b.Dy() > 1000 {
		scale := 1000.0 / math.Max(float64(b.Dx()), float64(b.Dy()))
		work = imaging.ResizeGray(src, int(float64(b.Dx())*scale), int(float64(b.Dy())*scale))
	}

	wb := work.Bounds()
	w, h := wb.Dx(), wb.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	px := func(x, y int) float64 { return float64(work.Pix[y*work.Stride+x]) }

	var votes []float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -px(x-1, y-1) + px(x+1, y-1) +
				-2*px(x-1, y) + 2*px(x+1, y) +
				-px(x-1, y+1) + px(x+1, y+1)
			gy := -px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1) +
				px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1)

			if math.Hypot(gx, gy) < 200 {
				continue
			}

			// Text-line edges have dominant vertical gradients. Their tilt
			// from vertical is the skew angle; the sign matches the
			// rotation imaging.Rotate would need to reproduce it.
			if math.Abs(gy) <= math.Abs(gx) {
				continue
			}
			deg := -math.Atan2(gx, gy) * 180 / math.Pi
			// Fold to (-45, 45]
			for deg > 45 {
				deg -= 90
			}
			for deg <= -45 {
				deg += 90
			}
			votes = append(votes, deg)
		}
	}

	if len(votes) < 100 {
		return 0
	}

	sort.Float64s(votes)
	return votes[len(votes)/2]
}
