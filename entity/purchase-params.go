package entity

import (
	"net/http"
	"refsync/lib/validate"
)

// PurchaseParams is the request body for attributing a completed purchase to
// the caller's claimed referral code.
type PurchaseParams struct {
	ProductID             string `json:"productID" validate:"required"`
	TransactionID         string `json:"transactionID" validate:"omitempty"`
	OriginalTransactionID string `json:"originalTransactionID" validate:"required"`
	Environment           string `json:"environment" validate:"omitempty,oneof=Production Sandbox"`
}

func (p *PurchaseParams) Bind(_ *http.Request) error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.Environment == "" {
		p.Environment = EnvProduction
	}
	if p.TransactionID == "" {
		p.TransactionID = p.OriginalTransactionID
	}
	return nil
}

// PurchaseResult is the outcome of an attribution attempt. A purchase
// resolved to a different, still-existing account is a success with
// TrackedOnOtherAccount set and no local writes.
type PurchaseResult struct {
	ReferralCode          string `json:"referralCode,omitempty"`
	SubscriptionType      Tier   `json:"subscriptionType,omitempty"`
	AlreadyTracked        bool   `json:"alreadyTracked"`
	TrackedOnOtherAccount bool   `json:"trackedOnOtherAccount"`
	OriginalAccountID     string `json:"originalAccountId,omitempty"`
}
