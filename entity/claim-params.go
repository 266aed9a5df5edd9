package entity

import (
	"net/http"
	"refsync/lib/validate"
)

// ClaimCodeParams is the request body for binding a referral code to the
// calling account.
type ClaimCodeParams struct {
	ReferralCode string `json:"referralCode" validate:"required"`
	Source       string `json:"source" validate:"omitempty"`
}

func (p *ClaimCodeParams) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

// ClaimLinkParams is the request body for claiming an affiliate link.
type ClaimLinkParams struct {
	LinkToken string `json:"linkToken" validate:"required"`
}

func (p *ClaimLinkParams) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

// PendingStoreParams is the unauthenticated landing-page drop.
type PendingStoreParams struct {
	ReferralCode string `json:"referralCode" validate:"omitempty"`
	LinkToken    string `json:"linkToken" validate:"omitempty"`
	DeviceKey    string `json:"deviceKey" validate:"required,min=8,max=128"`
}

func (p *PendingStoreParams) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

// PendingFetchParams asks for the pending claim parked for a device.
type PendingFetchParams struct {
	DeviceKey string `json:"deviceKey" validate:"required,min=8,max=128"`
}

func (p *PendingFetchParams) Bind(_ *http.Request) error {
	return validate.Struct(p)
}

// ClaimResult is the outcome of a code or link claim.
type ClaimResult struct {
	ReferralCode   string `json:"referralCode,omitempty"`
	LinkToken      string `json:"linkToken,omitempty"`
	AlreadyClaimed bool   `json:"alreadyClaimed"`
	PremiumGranted bool   `json:"premiumGranted,omitempty"`
}

// PendingResult reports whether a device had a parked code or link and, if
// not, why.
type PendingResult struct {
	Found        bool             `json:"found"`
	Kind         PendingClaimKind `json:"kind,omitempty"`
	ReferralCode string           `json:"referralCode,omitempty"`
	LinkToken    string           `json:"linkToken,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}
