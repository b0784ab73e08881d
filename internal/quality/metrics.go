package quality

import (
	"image"
	"math"
	"sort"

	"github.com/vitalscan/labextract-worker/internal/imaging"
)

/**
 * Low-level image metrics for the quality gate.
 *
 * All functions operate on 8-bit grayscale and are deterministic: the same
 * pixels always produce the same numbers, which the caching layer relies on.
 */

// grayStats returns mean brightness and contrast (standard deviation) of a
// grayscale image.
func grayStats(gray *image.Gray) (mean, stddev float64) {
	b := gray.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0, 0
	}

	var sum, sumSq float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := gray.Pix[(y-b.Min.Y)*gray.Stride : (y-b.Min.Y)*gray.Stride+b.Dx()]
		for _, p := range row {
			v := float64(p)
			sum += v
			sumSq += v * v
		}
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// laplacianVariance measures sharpness as the variance of the 4-neighbour
// Laplacian response. Low variance means few sharp transitions: blur.
func laplacianVariance(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := float64((w - 2) * (h - 2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(gray.Pix[y*gray.Stride+x])
			lap := float64(gray.Pix[(y-1)*gray.Stride+x]) +
				float64(gray.Pix[(y+1)*gray.Stride+x]) +
				float64(gray.Pix[y*gray.Stride+x-1]) +
				float64(gray.Pix[y*gray.Stride+x+1]) -
				4*c
			sum += lap
			sumSq += lap * lap
		}
	}
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return variance
}

// blurScore is a multi-scale Laplacian variance. A plain Laplacian reads
// high on noisy-but-blurry photos; comparing against a 2x downsampled copy
// catches that case, since real detail survives downsampling and noise does
// not.
func blurScore(gray *image.Gray) float64 {
	full := laplacianVariance(gray)

	b := gray.Bounds()
	if b.Dx() < 8 || b.Dy() < 8 {
		return full
	}
	half := imaging.ResizeGray(gray, b.Dx()/2, b.Dy()/2)
	halfVar := laplacianVariance(half)

	if full > 0 {
		ratio := halfVar / full
		if ratio > 0.5 && full < 150 {
			// Sharpness persists across scales but absolute response is weak:
			// likely noise masquerading as detail. Discount it.
			return full * 0.7
		}
	}
	return full
}

// sobelGradients computes per-pixel gradient magnitude and orientation.
func sobelGradients(gray *image.Gray) (mags, angles []float64) {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return nil, nil
	}

	mags = make([]float64, 0, (w-2)*(h-2))
	angles = make([]float64, 0, (w-2)*(h-2))
	px := func(x, y int) float64 { return float64(gray.Pix[y*gray.Stride+x]) }

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -px(x-1, y-1) + px(x+1, y-1) +
				-2*px(x-1, y) + 2*px(x+1, y) +
				-px(x-1, y+1) + px(x+1, y+1)
			gy := -px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1) +
				px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1)
			mags = append(mags, math.Hypot(gx, gy))
			angles = append(angles, math.Atan2(gy, gx))
		}
	}
	return mags, angles
}

// clarityScore measures how document-like the edges are. Printed text
// produces edges aligned with the page axes; camera shake and compression
// artifacts do not. Combines gradient-direction coherence (60%) with edge
// strength consistency (40%). Defaults to 0.5 when there are no edges to
// judge.
func clarityScore(gray *image.Gray) float64 {
	mags, angles := sobelGradients(gray)
	if len(mags) == 0 {
		return 0.5
	}

	threshold := percentile(mags, 0.70)
	var strong []float64
	var distSum float64
	for i, m := range mags {
		if m <= threshold || m == 0 {
			continue
		}
		strong = append(strong, m)

		// Fold the angle into [0, pi/2) and measure distance to the nearest
		// cardinal axis. 0 = perfectly axis-aligned, pi/4 = diagonal.
		a := math.Mod(angles[i], math.Pi/2)
		if a < 0 {
			a += math.Pi / 2
		}
		d := math.Min(a, math.Pi/2-a)
		distSum += d
	}
	if len(strong) == 0 {
		return 0.5
	}

	coherence := 1 - (distSum/float64(len(strong)))/(math.Pi/4)
	if coherence < 0 {
		coherence = 0
	}

	var sum, sumSq float64
	for _, m := range strong {
		sum += m
		sumSq += m * m
	}
	n := float64(len(strong))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	consistency := 0.0
	if mean > 0 {
		consistency = math.Max(0, 1-math.Sqrt(variance)/mean/2)
	}

	return 0.6*coherence + 0.4*consistency
}

// textDensity estimates the fraction of pixels on strong edges, a proxy for
// how much of the frame is printed content.
func textDensity(gray *image.Gray) float64 {
	mags, _ := sobelGradients(gray)
	if len(mags) == 0 {
		return 0
	}
	strong := 0
	for _, m := range mags {
		if m > 100 {
			strong++
		}
	}
	return float64(strong) / float64(len(mags))
}

// estimateSkew searches -15..+15 degrees in half-degree steps for the
// rotation maximizing the variance of horizontal ink projections. Correctly
// aligned text lines produce sharply alternating dense/empty rows, so the
// best-scoring angle is the document's skew.
func estimateSkew(gray *image.Gray) float64 {
	// Work on a downsampled copy; projection profiles survive scaling.
	b := gray.Bounds()
	if b.Dx() > 800 || b.Dy() > 800 {
		scale := 800.0 / float64(max(b.Dx(), b.Dy()))
		gray = imaging.ResizeGray(gray, int(float64(b.Dx())*scale), int(float64(b.Dy())*scale))
		b = gray.Bounds()
	}

	mean, _ := grayStats(gray)
	w, h := b.Dx(), b.Dy()

	// Collect ink pixels (darker than the page mean).
	type pt struct{ x, y int }
	var ink []pt
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if float64(gray.Pix[y*gray.Stride+x]) < mean*0.75 {
				ink = append(ink, pt{x, y})
			}
		}
	}
	if len(ink) < 50 {
		return 0
	}

	bestAngle, bestVar := 0.0, -1.0
	for deg := -15.0; deg <= 15.0; deg += 0.5 {
		rad := deg * math.Pi / 180
		sin, cos := math.Sincos(rad)

		rows := make([]int, h+w)
		for _, p := range ink {
			yr := int(float64(p.y)*cos - float64(p.x)*sin + float64(w))
			if yr >= 0 && yr < len(rows) {
				rows[yr]++
			}
		}

		var sum, sumSq float64
		for _, c := range rows {
			v := float64(c)
			sum += v
			sumSq += v * v
		}
		n := float64(len(rows))
		variance := sumSq/n - (sum/n)*(sum/n)
		if variance > bestVar {
			bestVar = variance
			bestAngle = deg
		}
	}
	return bestAngle
}

// noiseScore estimates sensor noise from the flattest regions of the image.
// Local variance in the bottom decile should be near zero on a clean scan;
// residual variance there is noise, not content.
func noiseScore(gray *image.Gray) float64 {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	// Sample on a grid to keep this cheap on large scans.
	step := 1
	if w*h > 1_000_000 {
		step = 3
	}

	var locals []float64
	for y := 1; y < h-1; y += step {
		for x := 1; x < w-1; x += step {
			var sum, sumSq float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					v := float64(gray.Pix[(y+dy)*gray.Stride+x+dx])
					sum += v
					sumSq += v * v
				}
			}
			m := sum / 9
			locals = append(locals, sumSq/9-m*m)
		}
	}
	if len(locals) == 0 {
		return 0
	}

	sort.Float64s(locals)
	decile := len(locals) / 10
	if decile == 0 {
		decile = 1
	}
	var sum float64
	for _, v := range locals[:decile] {
		sum += v
	}
	noise := (sum / float64(decile)) / 100
	if noise > 1 {
		noise = 1
	}
	return noise
}

// percentile returns the p-th percentile (0..1) of values. The input slice
// is not modified.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
