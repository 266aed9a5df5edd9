package entity

import (
	"regexp"
	"strings"
	"time"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{4,20}$`)

// ReferralCode is the durable record of one code and its attribution
// aggregates. The three purchased sets are monotonic history; a user ID sits
// in at most one active set at a time.
//
// Codes are created out-of-band. This service only mutates usage and
// membership fields and never deletes a code.
type ReferralCode struct {
	Code     string `json:"code" bson:"_id"`
	IsActive bool   `json:"isActive" bson:"isActive"`

	UsedBy []string `json:"usedBy" bson:"usedBy"`

	MonthlyPurchasedBy  []string `json:"monthlyPurchasedBy" bson:"monthlyPurchasedBy"`
	AnnualPurchasedBy   []string `json:"annualPurchasedBy" bson:"annualPurchasedBy"`
	LifetimePurchasedBy []string `json:"lifetimePurchasedBy" bson:"lifetimePurchasedBy"`

	ActiveMonthlySubscriptions  []string `json:"activeMonthlySubscriptions" bson:"activeMonthlySubscriptions"`
	ActiveAnnualSubscriptions   []string `json:"activeAnnualSubscriptions" bson:"activeAnnualSubscriptions"`
	ActiveLifetimeSubscriptions []string `json:"activeLifetimeSubscriptions" bson:"activeLifetimeSubscriptions"`

	// PendingDeviceKeys holds device keys from landing-page visits that have
	// not converted into a claim yet. Cleared when the code is claimed.
	PendingDeviceKeys []string `json:"pendingDeviceKeys,omitempty" bson:"pendingDeviceKeys,omitempty"`

	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty" bson:"lastUsedAt,omitempty"`
	LastPurchaseAt   *time.Time `json:"lastPurchaseAt,omitempty" bson:"lastPurchaseAt,omitempty"`
	LastValidationAt *time.Time `json:"lastValidationAt,omitempty" bson:"lastValidationAt,omitempty"`
}

// NormalizeCode trims and uppercases a raw referral code and checks the
// 4-20 alphanumeric format.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", InvalidArgument("referral code is required")
	}
	if !codePattern.MatchString(code) {
		return "", InvalidArgument("invalid referral code format")
	}
	return code, nil
}

// PurchaserIDs unions the three purchased sets into a deduplicated list of
// sweep candidates.
func (c *ReferralCode) PurchaserIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, set := range [][]string{c.MonthlyPurchasedBy, c.AnnualPurchasedBy, c.LifetimePurchasedBy} {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
