// ABOUTME: Canonicalizes participant identities before comparison or storage
// ABOUTME: Phone-shaped strings collapse to digits, opaque provider IDs pass through

package identity

import (
	"strings"
	"unicode"
)

// pairSeparator joins the two sides of a PairKey. It never appears in a
// normalized phone key and is not used by the provider's opaque IDs.
const pairSeparator = "|"

// Normalize returns the canonical form of a raw participant identity.
//
// Input made only of digits and phone punctuation (spaces, '+', '-', '(',
// ')', '.') and containing at least one digit is reduced to its digits, so
// "+1 (555) 000-1111" and "15550001111" compare equal. Anything else is an
// opaque identifier and is returned with surrounding whitespace trimmed.
// Normalize never fails and is idempotent.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !isPhoneShaped(trimmed) {
		return trimmed
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPhoneShaped(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+', r == '-', r == '(', r == ')', r == '.', unicode.IsSpace(r):
		default:
			return false
		}
	}
	return digits > 0
}

// PairKey returns an order-independent key for a two-party conversation.
// Both identities are normalized, sorted, and joined.
func PairKey(a, b string) string {
	a, b = Normalize(a), Normalize(b)
	if b < a {
		a, b = b, a
	}
	return a + pairSeparator + b
}
