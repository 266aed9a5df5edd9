package entity

import (
	"regexp"
	"strings"
	"time"
)

var linkTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9]{16,64}$`)

// AffiliateLink is a single-claim token. Once claimed, claimedBy is
// immutable: a re-claim by the same user is an idempotent no-op, a claim by
// anyone else is rejected.
type AffiliateLink struct {
	Token     string     `json:"token" bson:"_id"`
	Claimed   bool       `json:"claimed" bson:"claimed"`
	ClaimedBy string     `json:"claimedBy,omitempty" bson:"claimedBy,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty" bson:"claimedAt,omitempty"`

	// StripeAccountID binds the link owner to a Connect Express account for
	// affiliate payouts. Set lazily by the onboarding flow.
	StripeAccountID string `json:"stripeAccountID,omitempty" bson:"stripeAccountID,omitempty"`

	PendingDeviceKeys []string `json:"pendingDeviceKeys,omitempty" bson:"pendingDeviceKeys,omitempty"`
}

// NormalizeLinkToken trims a raw link token and checks the 16-64
// alphanumeric format. Tokens are case-sensitive.
func NormalizeLinkToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", InvalidArgument("link token is required")
	}
	if !linkTokenPattern.MatchString(token) {
		return "", InvalidArgument("invalid link token format")
	}
	return token, nil
}
