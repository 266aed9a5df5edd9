package entity

import "time"

// PendingClaimKind distinguishes what a landing-page visit dropped for the
// device: a referral code or an affiliate link token.
type PendingClaimKind string

const (
	PendingCode PendingClaimKind = "code"
	PendingLink PendingClaimKind = "link"
)

// PendingClaim parks a code or link token between a landing-page visit and
// the app's first launch. Lookup is by exact device key only; matching
// heuristics are deliberately out of scope. Entries expire after 30 days
// and are single-use.
type PendingClaim struct {
	DeviceKey string           `json:"deviceKey" bson:"_id"`
	Kind      PendingClaimKind `json:"kind" bson:"kind"`
	Value     string           `json:"value" bson:"value"`
	Claimed   bool             `json:"claimed" bson:"claimed"`
	SourceIP  string           `json:"sourceIp,omitempty" bson:"sourceIp,omitempty"`
	CreatedAt time.Time        `json:"createdAt" bson:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt" bson:"expiresAt"`
}

// PendingClaimTTL bounds how long a landing-page drop stays claimable.
const PendingClaimTTL = 30 * 24 * time.Hour

func (p *PendingClaim) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
