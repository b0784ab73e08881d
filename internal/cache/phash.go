package cache

import (
	"image"
	"math"
	"math/bits"
	"sort"

	"github.com/vitalscan/labextract-worker/internal/imaging"
)

/**
 * 64-bit DCT perceptual hash.
 *
 * Two photos of the same physical report hash to nearby values even when
 * byte content differs (recompression, slight crop, exposure change), so
 * Hamming distance over these hashes finds near-duplicate submissions that
 * exact content keys cannot.
 */

const phashSize = 32
const phashLowFreq = 8

// PerceptualHash computes the 64-bit DCT hash of an image: resize to
// 32x32 grayscale, keep the 8x8 low-frequency DCT block, threshold each
// coefficient against the block median.
func PerceptualHash(img image.Image) uint64 {
	gray := imaging.ResizeGray(img, phashSize, phashSize)

	var pixels [phashSize][phashSize]float64
	for y := 0; y < phashSize; y++ {
		for x := 0; x < phashSize; x++ {
			pixels[y][x] = float64(gray.Pix[y*gray.Stride+x])
		}
	}

	coeffs := dct2d(pixels)

	flat := make([]float64, 0, phashLowFreq*phashLowFreq)
	for u := 0; u < phashLowFreq; u++ {
		for v := 0; v < phashLowFreq; v++ {
			flat = append(flat, coeffs[u][v])
		}
	}

	med := median(flat)

	var hash uint64
	for i, c := range flat {
		if c > med {
			hash |= 1 << uint(63-i)
		}
	}
	return hash
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// dct2d computes the 2D type-II DCT by applying the 1D transform to rows
// then columns. N is small and fixed, so the naive O(N^3) form is fine.
func dct2d(in [phashSize][phashSize]float64) [phashSize][phashSize]float64 {
	var rows [phashSize][phashSize]float64
	for y := 0; y < phashSize; y++ {
		rows[y] = dct1d(in[y])
	}

	var out [phashSize][phashSize]float64
	for x := 0; x < phashSize; x++ {
		var col [phashSize]float64
		for y := 0; y < phashSize; y++ {
			col[y] = rows[y][x]
		}
		col = dct1d(col)
		for y := 0; y < phashSize; y++ {
			out[y][x] = col[y]
		}
	}
	return out
}

func dct1d(in [phashSize]float64) [phashSize]float64 {
	var out [phashSize]float64
	n := float64(phashSize)
	for k := 0; k < phashSize; k++ {
		var sum float64
		for i := 0; i < phashSize; i++ {
			sum += in[i] * math.Cos(math.Pi/n*(float64(i)+0.5)*float64(k))
		}
		out[k] = sum
	}
	return out
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
