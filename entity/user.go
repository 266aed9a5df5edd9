package entity

import "time"

// User holds the attribution fields of one account. The document lives in
// the users collection keyed by the account ID issued at sign-up; Token is
// the API bearer credential presented by the mobile client.
//
// ReferralCode is set at most once by a successful claim and is immutable
// afterwards. Purchase and subscription fields are maintained by the
// attributor and the reconciler.
type User struct {
	ID    string `json:"id" bson:"_id"`
	Token string `json:"token" bson:"token"`

	ReferralCode          string     `json:"referralCode,omitempty" bson:"referralCode,omitempty"`
	ReferralCodeClaimedAt *time.Time `json:"referralCodeClaimedAt,omitempty" bson:"referralCodeClaimedAt,omitempty"`
	ReferralSource        string     `json:"referralSource,omitempty" bson:"referralSource,omitempty"`

	ReferralCodeUsedForPurchase bool       `json:"referralCodeUsedForPurchase" bson:"referralCodeUsedForPurchase"`
	ReferralPurchaseProductID   string     `json:"referralPurchaseProductID,omitempty" bson:"referralPurchaseProductID,omitempty"`
	ReferralPurchaseDate        *time.Time `json:"referralPurchaseDate,omitempty" bson:"referralPurchaseDate,omitempty"`

	AffiliateGrantedPremium bool       `json:"affiliateGrantedPremium" bson:"affiliateGrantedPremium"`
	AffiliateLinkToken      string     `json:"affiliateLinkToken,omitempty" bson:"affiliateLinkToken,omitempty"`
	AffiliateLinkClaimedAt  *time.Time `json:"affiliateLinkClaimedAt,omitempty" bson:"affiliateLinkClaimedAt,omitempty"`

	SubscriptionStatus *SubscriptionStatus `json:"subscriptionStatus,omitempty" bson:"subscriptionStatus,omitempty"`
}

// HasPremiumFromLink reports whether the user already holds the affiliate
// entitlement granted by this exact link token. Used to skip the redundant
// entitlement write on an idempotent re-claim.
func (u *User) HasPremiumFromLink(token string) bool {
	return u.AffiliateGrantedPremium && u.AffiliateLinkToken == token
}

// TrackedTier classifies the product the user's purchase was last attributed
// to, or TierUnknown when nothing is tracked yet.
func (u *User) TrackedTier() Tier {
	if u.ReferralPurchaseProductID == "" {
		return TierUnknown
	}
	return ParseTier(u.ReferralPurchaseProductID)
}
