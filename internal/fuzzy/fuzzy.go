// Package fuzzy locates approximate substrings. Model-returned scene
// markers rarely match the source text byte for byte, so the locator
// falls back to a sliding-window similarity search.
package fuzzy

import (
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
)

// DefaultThreshold is the minimum similarity ratio for a window to count
// as a match.
const DefaultThreshold = 0.7

var whitespace = regexp.MustCompile(`\s+`)

// Normalize strips whitespace and lowercases text so that formatting
// differences do not dominate the similarity score.
func Normalize(text string) string {
	return strings.ToLower(whitespace.ReplaceAllString(text, ""))
}

// Find returns the rune offset of marker within text, or -1. An exact
// substring match wins outright; otherwise windows of marker length are
// scored with a partial-ratio similarity at step = len/4 and the best
// window at or above threshold is chosen. Ties keep the lowest offset.
func Find(text, marker string, threshold float64) int {
	if marker == "" || text == "" {
		return -1
	}

	if idx := strings.Index(text, marker); idx != -1 {
		return len([]rune(text[:idx]))
	}

	textRunes := []rune(text)
	markerRunes := []rune(marker)
	markerLen := len(markerRunes)
	if markerLen > len(textRunes) {
		markerLen = len(textRunes)
	}

	markerNorm := Normalize(marker)

	step := markerLen / 4
	if step < 1 {
		step = 1
	}

	bestRatio := 0.0
	bestPos := -1
	for i := 0; i+markerLen <= len(textRunes); i += step {
		window := Normalize(string(textRunes[i : i+markerLen]))
		ratio := partialRatio(markerNorm, window)
		if ratio > bestRatio {
			bestRatio = ratio
			bestPos = i
		}
	}

	if bestRatio >= threshold {
		return bestPos
	}
	return -1
}

// MarkerOrder locates a start and end marker pair and reports whether
// the start precedes the end. Positions are rune offsets, -1 when a
// marker was not found.
func MarkerOrder(text, startMarker, endMarker string, threshold float64) (int, int, bool) {
	start := Find(text, startMarker, threshold)
	end := Find(text, endMarker, threshold)
	if start == -1 || end == -1 {
		return start, end, false
	}
	return start, end, start < end
}

// Confidence returns the position of marker in text along with the plain
// similarity of the matched window, 0.0 when not found.
func Confidence(text, marker string, threshold float64) (int, float64) {
	pos := Find(text, marker, threshold)
	if pos == -1 {
		return -1, 0.0
	}
	textRunes := []rune(text)
	end := pos + len([]rune(marker))
	if end > len(textRunes) {
		end = len(textRunes)
	}
	window := string(textRunes[pos:end])
	return pos, levenshtein.Similarity(Normalize(marker), Normalize(window), nil)
}

// partialRatio scores the best alignment of the shorter string against
// every equal-length window of the longer one.
func partialRatio(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	if len(ar) > len(br) {
		ar, br = br, ar
	}
	if len(ar) == 0 {
		return 0.0
	}
	if len(ar) == len(br) {
		return levenshtein.Similarity(string(ar), string(br), nil)
	}

	best := 0.0
	for i := 0; i+len(ar) <= len(br); i++ {
		s := levenshtein.Similarity(string(ar), string(br[i:i+len(ar)]), nil)
		if s > best {
			best = s
			if best == 1.0 {
				break
			}
		}
	}
	return best
}
