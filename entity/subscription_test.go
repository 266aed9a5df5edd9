package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		productID string
		want      Tier
	}{
		{"com.fithub.premium.monthly", TierMonthly},
		{"com.fithub.premium.yearly", TierYearly},
		{"com.fithub.premium.annual", TierYearly},
		{"com.fithub.premium.lifetime", TierLifetime},
		{"COM.FITHUB.PREMIUM.MONTHLY", TierMonthly},
		{"com.fithub.coaching", TierUnknown},
		{"", TierUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTier(tt.productID), tt.productID)
	}
}

func TestTierFields(t *testing.T) {
	assert.Equal(t, "monthlyPurchasedBy", TierMonthly.PurchasedField())
	assert.Equal(t, "annualPurchasedBy", TierYearly.PurchasedField())
	assert.Equal(t, "lifetimePurchasedBy", TierLifetime.PurchasedField())
	assert.Equal(t, "", TierUnknown.PurchasedField())

	assert.Equal(t, "activeMonthlySubscriptions", TierMonthly.ActiveField())
	assert.Equal(t, "activeAnnualSubscriptions", TierYearly.ActiveField())
	assert.Equal(t, "activeLifetimeSubscriptions", TierLifetime.ActiveField())
}

func TestTierExpires(t *testing.T) {
	assert.True(t, TierMonthly.Expires())
	assert.True(t, TierYearly.Expires())
	assert.False(t, TierLifetime.Expires())
	assert.False(t, TierUnknown.Expires())
}

func TestSubscriptionTruthStatus(t *testing.T) {
	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)
	truth := SubscriptionTruth{
		OriginalTransactionID: "1000000123",
		TransactionID:         "2000000456",
		ProductID:             "com.fithub.premium.monthly",
		IsActive:              true,
		ExpiresAt:             &expires,
		AutoRenews:            true,
		Environment:           EnvProduction,
	}

	status := truth.Status(now)
	assert.Equal(t, "1000000123", status.OriginalTransactionID)
	assert.Equal(t, "2000000456", status.TransactionID)
	assert.True(t, status.IsActive)
	assert.Equal(t, &expires, status.ExpiresAt)
	assert.Equal(t, now, status.LastValidatedAt)
	assert.Zero(t, status.ValidationFailureCount)
}
