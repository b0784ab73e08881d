package preprocess

import (
	"image"
	"sort"
)

/**
 * Pixel-level enhancement filters. All filters allocate a fresh output
 * image; inputs are never written to.
 */

// denoise applies an edge-preserving 3x3 average: each pixel is replaced by
// the mean of neighbours within an intensity band around it. Flat regions
// smooth out, edges (large intensity jumps) are left alone.
func denoise(src *image.Gray) *image.Gray {
	const band = 25

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := int(src.Pix[y*src.Stride+x])
			sum, n := 0, 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					ny, nx := y+dy, x+dx
					if ny < 0 || ny >= h || nx < 0 || nx >= w {
						continue
					}
					v := int(src.Pix[ny*src.Stride+nx])
					if v-c <= band && c-v <= band {
						sum += v
						n++
					}
				}
			}
			dst.Pix[y*dst.Stride+x] = uint8(sum / n)
		}
	}
	return dst
}

// clahe performs contrast-limited adaptive histogram equalization on a
// tilesX x tilesY grid. Each tile gets its own clipped-histogram CDF
// mapping; per-pixel output bilinearly interpolates between the four
// surrounding tile mappings to avoid visible tile seams.
func clahe(src *image.Gray, tilesX, tilesY int, clipLimit float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < tilesX || h < tilesY {
		return src
	}

	tileW := w / tilesX
	tileH := h / tilesY

	// Per-tile lookup tables.
	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := x0+tileW, y0+tileH
			if tx == tilesX-1 {
				x1 = w
			}
			if ty == tilesY-1 {
				y1 = h
			}
			luts[ty*tilesX+tx] = tileLUT(src, x0, y0, x1, y1, clipLimit)
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		// Tile-space coordinate of the pixel center.
		fy := (float64(y)+0.5)/float64(tileH) - 0.5
		ty0 := int(fy)
		if fy < 0 {
			ty0 = 0
			fy = 0
		}
		ty1 := ty0 + 1
		if ty1 >= tilesY {
			ty1 = tilesY - 1
			ty0 = ty1
		}
		wy := fy - float64(int(fy))

		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)/float64(tileW) - 0.5
			tx0 := int(fx)
			if fx < 0 {
				tx0 = 0
				fx = 0
			}
			tx1 := tx0 + 1
			if tx1 >= tilesX {
				tx1 = tilesX - 1
				tx0 = tx1
			}
			wx := fx - float64(int(fx))

			v := src.Pix[y*src.Stride+x]
			tl := float64(luts[ty0*tilesX+tx0][v])
			tr := float64(luts[ty0*tilesX+tx1][v])
			bl := float64(luts[ty1*tilesX+tx0][v])
			br := float64(luts[ty1*tilesX+tx1][v])

			top := tl + (tr-tl)*wx
			bot := bl + (br-bl)*wx
			dst.Pix[y*dst.Stride+x] = uint8(top + (bot-top)*wy + 0.5)
		}
	}
	return dst
}

// tileLUT builds the clipped-equalization lookup table for one tile.
func tileLUT(src *image.Gray, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	n := 0
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[src.Pix[y*src.Stride+x]]++
			n++
		}
	}

	var lut [256]uint8
	if n == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	// Clip bins at clipLimit times the uniform level and redistribute the
	// excess evenly; this is what bounds noise amplification in flat tiles.
	clip := int(clipLimit * float64(n) / 256)
	if clip < 1 {
		clip = 1
	}
	excess := 0
	for i := range hist {
		if hist[i] > clip {
			excess += hist[i] - clip
			hist[i] = clip
		}
	}
	share := excess / 256
	for i := range hist {
		hist[i] += share
	}

	cum := 0
	for i := range hist {
		cum += hist[i]
		v := cum * 255 / n
		if v > 255 {
			v = 255
		}
		lut[i] = uint8(v)
	}
	return lut
}

// adaptiveBinarize thresholds each pixel against the mean of its local
// blockSize window minus a constant c, using an integral image so the cost
// is independent of block size.
func adaptiveBinarize(src *image.Gray, blockSize, c int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	half := blockSize / 2

	// integral[y][x] = sum of pixels in [0,y) x [0,x)
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(src.Pix[y*src.Stride+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := y-half, y+half+1
		if y0 < 0 {
			y0 = 0
		}
		if y1 > h {
			y1 = h
		}
		for x := 0; x < w; x++ {
			x0, x1 := x-half, x+half+1
			if x0 < 0 {
				x0 = 0
			}
			if x1 > w {
				x1 = w
			}
			area := int64((y1 - y0) * (x1 - x0))
			sum := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] -
				integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := sum / area

			if int64(src.Pix[y*src.Stride+x]) > mean-int64(c) {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// unsharp sharpens by adding back the difference between the image and a
// 3x3 box blur of it, scaled by amount.
func unsharp(src *image.Gray, amount float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := 0, 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					ny, nx := y+dy, x+dx
					if ny < 0 || ny >= h || nx < 0 || nx >= w {
						continue
					}
					sum += int(src.Pix[ny*src.Stride+nx])
					n++
				}
			}
			blur := float64(sum) / float64(n)
			orig := float64(src.Pix[y*src.Stride+x])
			v := orig + amount*(orig-blur)
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			dst.Pix[y*dst.Stride+x] = uint8(v + 0.5)
		}
	}
	return dst
}

// stretchContrast maps the [cutoff, 1-cutoff] percentile range onto the
// full 0..255 scale. The cutoff discards outlier pixels (dust, specular
// spots) that would otherwise pin the range.
func stretchContrast(src *image.Gray, cutoff float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	n := w * h
	if n == 0 {
		return src
	}

	sorted := make([]uint8, 0, n)
	for y := 0; y < h; y++ {
		sorted = append(sorted, src.Pix[y*src.Stride:y*src.Stride+w]...)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	lo := float64(sorted[int(cutoff*float64(n-1))])
	hi := float64(sorted[int((1-cutoff)*float64(n-1))])
	if hi <= lo {
		return src
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	scale := 255 / (hi - lo)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (float64(src.Pix[y*src.Stride+x]) - lo) * scale
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			dst.Pix[y*dst.Stride+x] = uint8(v + 0.5)
		}
	}
	return dst
}
