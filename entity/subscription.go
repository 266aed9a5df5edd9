package entity

import (
	"strings"
	"time"
)

// Tier is the subscription product class. Classification from a product ID
// happens in exactly one place (ParseTier); every component carries the enum
// from there instead of re-deriving it from substrings.
type Tier string

const (
	TierMonthly  Tier = "monthly"
	TierYearly   Tier = "yearly"
	TierLifetime Tier = "lifetime"
	TierUnknown  Tier = ""
)

const (
	EnvProduction = "Production"
	EnvSandbox    = "Sandbox"

	// AffiliateProductID marks the entitlement granted by a claimed
	// affiliate link. It never expires and never renews.
	AffiliateProductID = "com.fithub.premium.affiliate"
)

// ParseTier classifies a product ID into a subscription tier.
func ParseTier(productID string) Tier {
	id := strings.ToLower(productID)
	switch {
	case strings.Contains(id, "monthly"):
		return TierMonthly
	case strings.Contains(id, "yearly"), strings.Contains(id, "annual"):
		return TierYearly
	case strings.Contains(id, "lifetime"):
		return TierLifetime
	default:
		return TierUnknown
	}
}

func (t Tier) Valid() bool {
	return t == TierMonthly || t == TierYearly || t == TierLifetime
}

// PurchasedField is the referral code set holding everyone who ever bought
// this tier through the code. Membership is monotonic.
func (t Tier) PurchasedField() string {
	switch t {
	case TierMonthly:
		return "monthlyPurchasedBy"
	case TierYearly:
		return "annualPurchasedBy"
	case TierLifetime:
		return "lifetimePurchasedBy"
	}
	return ""
}

// ActiveField is the referral code set holding users currently active on
// this tier.
func (t Tier) ActiveField() string {
	switch t {
	case TierMonthly:
		return "activeMonthlySubscriptions"
	case TierYearly:
		return "activeAnnualSubscriptions"
	case TierLifetime:
		return "activeLifetimeSubscriptions"
	}
	return ""
}

// Expires reports whether this tier has renewal semantics. A lifetime
// purchase never leaves its active set on a tier switch.
func (t Tier) Expires() bool {
	return t == TierMonthly || t == TierYearly
}

// SubscriptionStatus is the per-user record of the last known subscription
// state. originalTransactionID identifies one paying account; two user
// documents sharing it is a cross-account collision the attributor polices.
type SubscriptionStatus struct {
	OriginalTransactionID string     `json:"originalTransactionID" bson:"originalTransactionID"`
	TransactionID         string     `json:"transactionID" bson:"transactionID"`
	ProductID             string     `json:"productID" bson:"productID"`
	IsActive              bool       `json:"isActive" bson:"isActive"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	AutoRenews            bool       `json:"autoRenews" bson:"autoRenews"`
	Environment           string     `json:"environment" bson:"environment"`
	LastValidatedAt       time.Time  `json:"lastValidatedAt" bson:"lastValidatedAt"`

	// Failure bookkeeping written by the validation sweep, cleared on the
	// next successful validation.
	LastValidationError    string     `json:"lastValidationError,omitempty" bson:"lastValidationError,omitempty"`
	LastValidationErrorAt  *time.Time `json:"lastValidationErrorAt,omitempty" bson:"lastValidationErrorAt,omitempty"`
	ValidationFailureCount int        `json:"validationFailureCount,omitempty" bson:"validationFailureCount,omitempty"`
}

// SubscriptionTruth is an authoritative status tuple, decoded from a signed
// App Store notification or fetched by the validation sweep. It is trusted
// input: signature verification happens before one of these is built.
type SubscriptionTruth struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	IsActive              bool
	ExpiresAt             *time.Time
	AutoRenews            bool
	Environment           string
}

// Status converts the truth tuple into the stored form.
func (t SubscriptionTruth) Status(now time.Time) SubscriptionStatus {
	return SubscriptionStatus{
		OriginalTransactionID: t.OriginalTransactionID,
		TransactionID:         t.TransactionID,
		ProductID:             t.ProductID,
		IsActive:              t.IsActive,
		ExpiresAt:             t.ExpiresAt,
		AutoRenews:            t.AutoRenews,
		Environment:           t.Environment,
		LastValidatedAt:       now,
	}
}
