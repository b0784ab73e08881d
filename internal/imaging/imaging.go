/**
 * Shared image helpers for the extraction pipeline
 *
 * Decoding, grayscale conversion, resizing and rotation used by the
 * quality gate, the preprocessor and the perceptual hasher.
 */

package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Decode parses image bytes (PNG, JPEG or GIF) into an image.Image.
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	_ = format
	return img, nil
}

// EncodePNG serializes an image as PNG bytes. PNG is the canonical
// interchange format between pipeline stages (lossless, deterministic).
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ToGray converts any image to 8-bit grayscale using the standard
// luminance weights.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// ToRGBA converts any image to RGBA, copying pixels so callers can
// mutate the result without touching the source.
func ToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)
	return rgba
}

// Resize scales an image to the exact target size with bilinear
// interpolation.
func Resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeGray scales an image to the exact target size in grayscale.
// Used by the perceptual hasher, which needs a fixed 32x32 input.
func ResizeGray(img image.Image, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeMax scales an image down so neither dimension exceeds maxDim,
// preserving aspect ratio. Images already within bounds are returned
// unchanged.
func ResizeMax(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Rotate rotates an image counter-clockwise by the given angle in
// degrees around its center, expanding the canvas so no content is
// clipped. The uncovered corners are filled white, matching scanned
// document backgrounds.
func Rotate(img image.Image, degrees float64) image.Image {
	if degrees == 0 {
		return img
	}
	rad := degrees * math.Pi / 180
	sin, cos := math.Sincos(rad)

	b := img.Bounds()
	w := float64(b.Dx())
	h := float64(b.Dy())

	// Rotated bounding box
	nw := math.Abs(w*cos) + math.Abs(h*sin)
	nh := math.Abs(w*sin) + math.Abs(h*cos)

	dst := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(nw)), int(math.Ceil(nh))))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	// Transform takes the source-to-destination matrix: translate the source
	// center to the origin, rotate, translate to the new center.
	cx := float64(b.Min.X) + w/2
	cy := float64(b.Min.Y) + h/2
	ncx, ncy := nw/2, nh/2
	m := f64.Aff3{
		cos, -sin, ncx - cos*cx + sin*cy,
		sin, cos, ncy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, m, img, b, draw.Over, nil)
	return dst
}
