// Package tokencount estimates LLM token cost of strings without calling a
// tokenizer, using a CJK/ASCII heuristic.
package tokencount

import (
	"math"
	"strings"
)

// isCJK reports whether r falls in one of the CJK unified ideograph ranges
// counted separately from other characters.
func isCJK(r rune) bool {
	switch {
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0xF900 && r <= 0xFAFF:
		return true
	}
	return false
}

// Estimate returns a non-negative estimated token count for text. CJK
// codepoints are assumed to cost ~1.5 characters per token; everything else
// is assumed to cost ~4 characters per token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5)) + int(math.Ceil(float64(other)/4.0))
}

// Truncate returns a prefix of text whose estimated token count does not
// exceed maxTokens, leaving a 5% safety margin. If text was truncated, an
// ellipsis is appended.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(text) <= maxTokens {
		return text
	}

	budget := int(math.Floor(float64(maxTokens) * 0.95))
	if budget <= 0 {
		return "…"
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if Estimate(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.TrimRight(string(runes[:lo]), " \n\t") + "…"
}
