// SPDX-License-Identifier: MIT

// Package normalize canonicalises the strings the scraper dedupes and caches
// on: business names and South African phone numbers.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldDiacritics strips combining marks so "Café" and "Cafe" collide.
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Token normalizes a string token for matching:
// - trims Unicode whitespace + invisible edge characters
// - lowercases for case-insensitive comparisons
func Token(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) ||
			r == '\u200b' || // Zero Width Space
			r == '\u200c' || // Zero Width Non-Joiner
			r == '\u200d' || // Zero Width Joiner
			r == '\ufeff' // Zero Width Non-Breaking Space (BOM)
	}))
}

// NameKey produces the dedup key form of a business name: trimmed,
// lowercased, diacritics folded, inner whitespace collapsed to single spaces.
func NameKey(name string) string {
	folded, _, err := transform.String(foldDiacritics, Token(name))
	if err != nil {
		folded = Token(name)
	}
	return strings.Join(strings.Fields(folded), " ")
}

// Phone canonicalises a phone number to the local 10-digit form used as the
// provider-cache key and the dedup key component.
//
// Accepted inputs and their canonical forms:
//
//	"082 123 4567"   -> "0821234567"
//	"+27821234567"   -> "0821234567"
//	"27821234567"    -> "0821234567"
//
// Anything that does not reduce to a recognisable SA number is returned as
// its bare digit string (best effort); empty input stays empty.
func Phone(raw string) string {
	digits := digitsOnly(raw)
	if digits == "" {
		return ""
	}
	// International prefix 27 followed by the 9 significant digits.
	if len(digits) == 11 && strings.HasPrefix(digits, "27") {
		return "0" + digits[2:]
	}
	if len(digits) == 10 && strings.HasPrefix(digits, "0") {
		return digits
	}
	// 9 digits without the leading trunk zero.
	if len(digits) == 9 && !strings.HasPrefix(digits, "0") {
		return "0" + digits
	}
	return digits
}

// digitsOnly strips every non-digit rune, including a leading "+".
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
