// ABOUTME: Tests for identity normalization and pair keys
// ABOUTME: Covers phone formatting variants, opaque IDs, and idempotence

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain digits", "15550001111", "15550001111"},
		{"plus prefix", "+15550001111", "15550001111"},
		{"formatted", "+1 (555) 000-1111", "15550001111"},
		{"dotted", "555.000.1111", "5550001111"},
		{"surrounding whitespace", "  15550001111\n", "15550001111"},
		{"opaque provider id", "wa-user-abc123", "wa-user-abc123"},
		{"jid", "15550001111@s.whatsapp.net", "15550001111@s.whatsapp.net"},
		{"punctuation only", "+-()", "+-()"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"+1 (555) 000-1111", "wa-user-abc123", " 12 34 ", ""}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestPairKey_OrderIndependent(t *testing.T) {
	ab := PairKey("15550001111", "+1 555 999 2222")
	ba := PairKey("15559992222", "15550001111")

	assert.Equal(t, ab, ba)
	assert.Equal(t, "15550001111|15559992222", ab)
}

func TestPairKey_DistinctPairs(t *testing.T) {
	assert.NotEqual(t, PairKey("1", "23"), PairKey("12", "3"))
}
