package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		kind ErrorKind
	}{
		{name: "lowercase is uppercased", raw: "fit2024", want: "FIT2024"},
		{name: "whitespace trimmed", raw: "  COACH1  ", want: "COACH1"},
		{name: "minimum length", raw: "AB12", want: "AB12"},
		{name: "maximum length", raw: strings.Repeat("A", 20), want: strings.Repeat("A", 20)},
		{name: "empty", raw: "", kind: KindInvalidArgument},
		{name: "whitespace only", raw: "   ", kind: KindInvalidArgument},
		{name: "too short", raw: "AB1", kind: KindInvalidArgument},
		{name: "too long", raw: strings.Repeat("A", 21), kind: KindInvalidArgument},
		{name: "special characters", raw: "FIT-2024", kind: KindInvalidArgument},
		{name: "inner whitespace", raw: "FIT 2024", kind: KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCode(tt.raw)
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeLinkToken(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		kind ErrorKind
	}{
		{name: "case preserved", raw: "aBcDeF1234567890", want: "aBcDeF1234567890"},
		{name: "whitespace trimmed", raw: " aBcDeF1234567890 ", want: "aBcDeF1234567890"},
		{name: "maximum length", raw: strings.Repeat("x", 64), want: strings.Repeat("x", 64)},
		{name: "empty", raw: "", kind: KindInvalidArgument},
		{name: "too short", raw: "abc123", kind: KindInvalidArgument},
		{name: "too long", raw: strings.Repeat("x", 65), kind: KindInvalidArgument},
		{name: "special characters", raw: "abcdef-1234567890", kind: KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeLinkToken(tt.raw)
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPurchaserIDs(t *testing.T) {
	code := &ReferralCode{
		MonthlyPurchasedBy:  []string{"u1", "u2"},
		AnnualPurchasedBy:   []string{"u2", "u3"},
		LifetimePurchasedBy: []string{"u3", "u4"},
	}
	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, code.PurchaserIDs())

	empty := &ReferralCode{}
	assert.Empty(t, empty.PurchaserIDs())
}
