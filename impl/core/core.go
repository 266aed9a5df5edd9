// Package core is the composition point: it owns the narrow interfaces the
// HTTP handlers consume and fans work out to the claim, attribution and
// reconciliation engines.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"refsync/entity"
	"refsync/internal/appstore"
	"refsync/lib/sl"
)

type AuthService interface {
	UserByToken(ctx context.Context, token string) (*entity.User, error)
}

type ClaimService interface {
	ClaimCode(ctx context.Context, userID, rawCode, source string) (*entity.ClaimResult, error)
	ClaimAffiliateLink(ctx context.Context, userID, rawToken string) (*entity.ClaimResult, error)
	RestorePremium(ctx context.Context, userID string) (*entity.ClaimResult, error)
}

type AttributionService interface {
	AttributePurchase(ctx context.Context, userID string, p *entity.PurchaseParams) (*entity.PurchaseResult, error)
}

type ReconcileService interface {
	ApplyStatus(ctx context.Context, userID string, truth entity.SubscriptionTruth) error
	Reconcile(ctx context.Context, userID string) error
}

// NotificationDecoder verifies and decodes an App Store signedPayload.
type NotificationDecoder interface {
	DecodeNotification(signedPayload string) (*appstore.Notification, error)
}

// StatusProvider backfills a truth tuple when a notification carries no
// transaction info of its own.
type StatusProvider interface {
	GetStatus(ctx context.Context, originalTransactionID, environment string) (*entity.SubscriptionTruth, error)
}

type AffiliatePayouts interface {
	OnboardingLink(ctx context.Context, token string) (string, error)
	DashboardLink(ctx context.Context, token string) (string, error)
}

type Database interface {
	FindUsersByOriginalTransaction(ctx context.Context, originalTransactionID string) ([]*entity.User, error)
	SavePendingClaim(ctx context.Context, pc *entity.PendingClaim) error
	GetPendingClaim(ctx context.Context, deviceKey string) (*entity.PendingClaim, error)
	MarkPendingClaimed(ctx context.Context, deviceKey string) error
	DeletePendingClaim(ctx context.Context, deviceKey string) error
}

type Core struct {
	db       Database
	auth     AuthService
	claims   ClaimService
	attr     AttributionService
	rec      ReconcileService
	decoder  NotificationDecoder
	provider StatusProvider
	payouts  AffiliatePayouts
	log      *slog.Logger
}

func New(db Database, log *slog.Logger) *Core {
	if db == nil {
		panic("database is nil")
	}
	return &Core{
		db:  db,
		log: log.With(sl.Module("core")),
	}
}

func (c *Core) SetAuthService(auth AuthService) { c.auth = auth }

func (c *Core) SetClaimService(claims ClaimService) { c.claims = claims }

func (c *Core) SetAttributionService(a AttributionService) { c.attr = a }

func (c *Core) SetReconcileService(rec ReconcileService) { c.rec = rec }

func (c *Core) SetNotificationDecoder(d NotificationDecoder) { c.decoder = d }

func (c *Core) SetStatusProvider(p StatusProvider) { c.provider = p }

func (c *Core) SetAffiliatePayouts(p AffiliatePayouts) { c.payouts = p }

func (c *Core) AuthenticateByToken(ctx context.Context, token string) (*entity.User, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("auth service not connected")
	}
	return c.auth.UserByToken(ctx, token)
}

func (c *Core) ClaimReferralCode(ctx context.Context, userID string, p *entity.ClaimCodeParams) (*entity.ClaimResult, error) {
	if c.claims == nil {
		return nil, entity.Internal("claim service not connected")
	}
	return c.claims.ClaimCode(ctx, userID, p.ReferralCode, p.Source)
}

func (c *Core) ClaimAffiliateLink(ctx context.Context, userID string, p *entity.ClaimLinkParams) (*entity.ClaimResult, error) {
	if c.claims == nil {
		return nil, entity.Internal("claim service not connected")
	}
	return c.claims.ClaimAffiliateLink(ctx, userID, p.LinkToken)
}

func (c *Core) RestoreAffiliatePremium(ctx context.Context, userID string) (*entity.ClaimResult, error) {
	if c.claims == nil {
		return nil, entity.Internal("claim service not connected")
	}
	return c.claims.RestorePremium(ctx, userID)
}

func (c *Core) TrackPurchase(ctx context.Context, userID string, p *entity.PurchaseParams) (*entity.PurchaseResult, error) {
	if c.attr == nil {
		return nil, entity.Internal("attribution service not connected")
	}
	return c.attr.AttributePurchase(ctx, userID, p)
}

func (c *Core) AffiliateOnboardingLink(ctx context.Context, rawToken string) (string, error) {
	if c.payouts == nil {
		return "", entity.Internal("payout service not connected")
	}
	token, err := entity.NormalizeLinkToken(rawToken)
	if err != nil {
		return "", err
	}
	return c.payouts.OnboardingLink(ctx, token)
}

func (c *Core) AffiliateDashboardLink(ctx context.Context, rawToken string) (string, error) {
	if c.payouts == nil {
		return "", entity.Internal("payout service not connected")
	}
	token, err := entity.NormalizeLinkToken(rawToken)
	if err != nil {
		return "", err
	}
	return c.payouts.DashboardLink(ctx, token)
}

// StorePendingClaim parks a landing-page referral for the device that
// visited. Exactly one of code or link token must be present.
func (c *Core) StorePendingClaim(ctx context.Context, p *entity.PendingStoreParams, sourceIP string) error {
	kind := entity.PendingCode
	var value string
	var err error

	switch {
	case p.ReferralCode != "" && p.LinkToken != "":
		return entity.InvalidArgument("provide either referralCode or linkToken, not both")
	case p.ReferralCode != "":
		value, err = entity.NormalizeCode(p.ReferralCode)
	case p.LinkToken != "":
		kind = entity.PendingLink
		value, err = entity.NormalizeLinkToken(p.LinkToken)
	default:
		return entity.InvalidArgument("referralCode or linkToken is required")
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return c.db.SavePendingClaim(ctx, &entity.PendingClaim{
		DeviceKey: p.DeviceKey,
		Kind:      kind,
		Value:     value,
		SourceIP:  sourceIP,
		CreatedAt: now,
		ExpiresAt: now.Add(entity.PendingClaimTTL),
	})
}

// FetchPendingClaim returns and consumes the claim parked for a device.
// Exact device-key match only.
func (c *Core) FetchPendingClaim(ctx context.Context, p *entity.PendingFetchParams) (*entity.PendingResult, error) {
	pc, err := c.db.GetPendingClaim(ctx, p.DeviceKey)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return &entity.PendingResult{Found: false, Reason: "not_found"}, nil
	}
	if pc.Claimed {
		return &entity.PendingResult{Found: false, Reason: "already_claimed"}, nil
	}
	if pc.Expired(time.Now().UTC()) {
		if err = c.db.DeletePendingClaim(ctx, p.DeviceKey); err != nil {
			c.log.Warn("failed to delete expired pending claim", sl.Err(err))
		}
		return &entity.PendingResult{Found: false, Reason: "expired"}, nil
	}

	if err = c.db.MarkPendingClaimed(ctx, p.DeviceKey); err != nil {
		return nil, err
	}
	result := &entity.PendingResult{Found: true, Kind: pc.Kind}
	if pc.Kind == entity.PendingLink {
		result.LinkToken = pc.Value
	} else {
		result.ReferralCode = pc.Value
	}
	return result, nil
}

// ProcessAppStoreNotification drives the webhook path: verify, decode, and
// reconcile every account tied to the transaction. Errors end here; the
// webhook handler acknowledges receipt regardless so the notifier does not
// retry-storm, and failures surface through logs and the audit trail.
func (c *Core) ProcessAppStoreNotification(ctx context.Context, signedPayload string) {
	if c.decoder == nil || c.rec == nil {
		c.log.Error("notification pipeline not connected")
		return
	}

	n, err := c.decoder.DecodeNotification(signedPayload)
	if err != nil {
		c.log.Error("failed to decode notification", sl.Err(err))
		return
	}
	logger := c.log.With(
		slog.String("type", n.Type),
		slog.String("subtype", n.Subtype),
		slog.String("original_transaction_id", n.OriginalTransactionID),
		slog.String("environment", n.Environment),
	)
	logger.Info("received app store notification")

	truth := n.Truth
	if truth == nil && c.provider != nil {
		truth, err = c.provider.GetStatus(ctx, n.OriginalTransactionID, n.Environment)
		if err != nil {
			logger.Error("failed to fetch status for notification", sl.Err(err))
			return
		}
	}
	if truth == nil {
		logger.Warn("notification resolved to no subscription status")
		return
	}

	users, err := c.db.FindUsersByOriginalTransaction(ctx, n.OriginalTransactionID)
	if err != nil {
		logger.Error("failed to look up users for notification", sl.Err(err))
		return
	}
	if len(users) == 0 {
		logger.Warn("no user found for notification")
		return
	}
	if len(users) > 1 {
		logger.Warn("multiple users share one transaction id",
			slog.Int("count", len(users)))
	}

	for _, user := range users {
		if err = c.rec.ApplyStatus(ctx, user.ID, *truth); err != nil {
			logger.Error("failed to apply status", slog.String("user_id", user.ID), sl.Err(err))
			continue
		}
		if err = c.rec.Reconcile(ctx, user.ID); err != nil {
			logger.Error("failed to reconcile", slog.String("user_id", user.ID), sl.Err(err))
		}
	}
}
