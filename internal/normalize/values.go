package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

/**
 * Value, reference-range and flag parsing.
 *
 * Lab reports decorate values with arrows, asterisks and H/L markers, and
 * print ranges in a dozen formats. These parsers strip the decoration and
 * keep the raw string alongside, so nothing is lost when parsing fails.
 */

var (
	numberRe = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)
	rangeRe  = regexp.MustCompile(`([-+]?\d+(?:[.,]\d+)?)\s*(?:-|–|to)\s*([-+]?\d+(?:[.,]\d+)?)`)
	lessRe   = regexp.MustCompile(`^\s*(?:<|less than|upto|up to)\s*([-+]?\d+(?:[.,]\d+)?)`)
	moreRe   = regexp.MustCompile(`^\s*(?:>|greater than|above)\s*([-+]?\d+(?:[.,]\d+)?)`)
)

// flagGlyphs are decorations labs attach to abnormal values.
var flagGlyphs = strings.NewReplacer(
	"↑", "", "↓", "", "*", "", "#", "",
	"(H)", "", "(L)", "", "(h)", "", "(l)", "",
)

// ParseValue extracts the numeric value from a raw value string, stripping
// flag decoration first. Returns (nil, raw) for non-numeric values like
// "Positive" or "Not Detected".
func ParseValue(raw string) (*float64, string) {
	cleaned := strings.TrimSpace(flagGlyphs.Replace(raw))

	// Standalone trailing H/L markers: "13.2 H"
	cleaned = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(cleaned, " H"), " L"))

	m := numberRe.FindString(cleaned)
	if m == "" {
		return nil, raw
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
	if err != nil {
		return nil, raw
	}
	return &v, raw
}

// ParseRange parses a printed reference range into low/high bounds. Either
// bound may be nil: "< 200" has no low bound, "> 60" no high bound.
func ParseRange(raw string) (low, high *float64) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	if m := rangeRe.FindStringSubmatch(s); m != nil {
		l := parseNum(m[1])
		h := parseNum(m[2])
		return l, h
	}
	if m := lessRe.FindStringSubmatch(s); m != nil {
		return nil, parseNum(m[1])
	}
	if m := moreRe.FindStringSubmatch(s); m != nil {
		return parseNum(m[1]), nil
	}
	return nil, nil
}

// NormalizeFlag maps the many abnormality markers onto H, L or N. Unknown
// markers come back empty rather than guessed.
func NormalizeFlag(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "H", "HI", "HIGH", "↑", "A", "ABN HIGH", "*H":
		return "H"
	case "L", "LO", "LOW", "↓", "ABN LOW", "*L":
		return "L"
	case "N", "NORMAL", "", "-", "WNL":
		return "N"
	}
	return ""
}

// DeriveFlag computes the flag a value should carry given its reference
// range. Used to cross-check the printed flag during validation.
func DeriveFlag(value float64, low, high *float64) string {
	if high != nil && value > *high {
		return "H"
	}
	if low != nil && value < *low {
		return "L"
	}
	if low == nil && high == nil {
		return ""
	}
	return "N"
}

func parseNum(s string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}
