/**
 * Local OCR probe - evidence check for extracted test names
 *
 * Simple, free, offline OCR using Tesseract. The probe does not extract
 * anything itself; its text is used to verify that test names reported by
 * the vision capability actually appear somewhere on the page, catching
 * hallucinated rows before they reach a patient record.
 */

package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// OCRProbe runs Tesseract against the preprocessed image.
type OCRProbe struct {
	enabled bool
}

func NewOCRProbe(enabled bool) *OCRProbe {
	return &OCRProbe{enabled: enabled}
}

// ProbeResult carries the raw OCR text, lowercased for matching.
type ProbeResult struct {
	Text     string
	Duration time.Duration
}

// Probe OCRs the image bytes. A disabled probe returns (nil, nil); callers
// skip the evidence check in that case.
func (p *OCRProbe) Probe(ctx context.Context, imageData []byte) (*ProbeResult, error) {
	if !p.enabled {
		return nil, nil
	}

	start := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(imageData); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	return &ProbeResult{
		Text:     strings.ToLower(text),
		Duration: time.Since(start),
	}, nil
}

// ContainsEvidence reports whether a test name is plausibly present in the
// OCR text. Matching is loose on purpose: OCR mangles characters, so any
// sufficiently long word of the name counts as evidence.
func (r *ProbeResult) ContainsEvidence(name string) bool {
	if r == nil || r.Text == "" {
		return false
	}
	lower := strings.ToLower(name)
	if strings.Contains(r.Text, lower) {
		return true
	}
	for _, word := range strings.Fields(lower) {
		if len(word) >= 3 && strings.Contains(r.Text, word) {
			return true
		}
	}
	return false
}
