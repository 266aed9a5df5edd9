// Package claim binds referral codes and affiliate links to accounts.
// Every claim is at-most-once per resource and idempotent for the same
// claimant: mobile clients retry network calls blindly, so a repeated claim
// must succeed without a second mutation.
package claim

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"refsync/entity"
	"refsync/lib/sl"
)

// Store is the slice of the attribution store the claim engine needs. All
// multi-document work happens inside Transaction; a business-rule error
// returned from the callback aborts with no partial effect.
type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetUser(ctx context.Context, userID string) (*entity.User, error)
	GetReferralCode(ctx context.Context, code string) (*entity.ReferralCode, error)
	GetAffiliateLink(ctx context.Context, token string) (*entity.AffiliateLink, error)
	SetUserClaim(ctx context.Context, userID, code, source string, at time.Time) error
	MarkCodeUsed(ctx context.Context, code, userID string, at time.Time) error
	ClearCodePending(ctx context.Context, code string) error
	ClaimLink(ctx context.Context, token, userID string, at time.Time) error
	GrantAffiliatePremium(ctx context.Context, userID, token string, status entity.SubscriptionStatus, at time.Time) error
	FindLinkClaimedBy(ctx context.Context, userID string) (*entity.AffiliateLink, error)
}

type Engine struct {
	db  Store
	log *slog.Logger
}

func New(db Store, log *slog.Logger) *Engine {
	return &Engine{
		db:  db,
		log: log.With(sl.Module("claim")),
	}
}

const defaultSource = "manual_entry"

// ClaimCode binds a referral code to the user, once. Re-claiming the same
// code succeeds with AlreadyClaimed; a user who already holds a different
// code is rejected with already-exists.
func (e *Engine) ClaimCode(ctx context.Context, userID, rawCode, source string) (*entity.ClaimResult, error) {
	code, err := entity.NormalizeCode(rawCode)
	if err != nil {
		return nil, err
	}
	if source == "" {
		source = defaultSource
	}

	var result *entity.ClaimResult
	err = e.db.Transaction(ctx, func(ctx context.Context) error {
		rc, err := e.db.GetReferralCode(ctx, code)
		if err != nil {
			return err
		}
		if rc == nil {
			return entity.NotFound("referral code not found")
		}
		if !rc.IsActive {
			return entity.FailedPrecondition("referral code is not active")
		}

		user, err := e.db.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user != nil && user.ReferralCode != "" {
			if strings.EqualFold(user.ReferralCode, code) {
				result = &entity.ClaimResult{ReferralCode: code, AlreadyClaimed: true}
				return e.db.ClearCodePending(ctx, code)
			}
			return entity.AlreadyExists("user already has a referral code")
		}

		now := time.Now().UTC()
		if err = e.db.SetUserClaim(ctx, userID, code, source, now); err != nil {
			return err
		}
		if err = e.db.MarkCodeUsed(ctx, code, userID, now); err != nil {
			return err
		}
		result = &entity.ClaimResult{ReferralCode: code, AlreadyClaimed: false}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("referral code claimed",
		slog.String("code", code),
		slog.String("user_id", userID),
		slog.Bool("already_claimed", result.AlreadyClaimed),
	)
	return result, nil
}

// ClaimAffiliateLink claims a single-use link and grants the non-expiring
// premium entitlement. A re-claim by the link's own claimant is a no-op;
// the entitlement write is skipped when the user already holds it from this
// exact token, so blind retries stay cheap.
func (e *Engine) ClaimAffiliateLink(ctx context.Context, userID, rawToken string) (*entity.ClaimResult, error) {
	token, err := entity.NormalizeLinkToken(rawToken)
	if err != nil {
		return nil, err
	}

	var result *entity.ClaimResult
	err = e.db.Transaction(ctx, func(ctx context.Context) error {
		link, err := e.db.GetAffiliateLink(ctx, token)
		if err != nil {
			return err
		}
		if link == nil {
			return entity.NotFound("affiliate link not found")
		}

		if link.Claimed {
			if link.ClaimedBy != userID {
				return entity.FailedPrecondition("affiliate link has already been claimed")
			}
			// Same claimant retrying. The initial transactional read above
			// is the only validation this branch performs.
			result = &entity.ClaimResult{LinkToken: token, AlreadyClaimed: true, PremiumGranted: true}
			return nil
		}

		user, err := e.db.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		hasPremium := user != nil && user.HasPremiumFromLink(token)

		now := time.Now().UTC()
		if err = e.db.ClaimLink(ctx, token, userID, now); err != nil {
			return err
		}
		if !hasPremium {
			if err = e.db.GrantAffiliatePremium(ctx, userID, token, affiliateStatus(token, now), now); err != nil {
				return err
			}
		}
		result = &entity.ClaimResult{LinkToken: token, AlreadyClaimed: hasPremium, PremiumGranted: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("affiliate link claimed",
		sl.Secret("token", token),
		slog.String("user_id", userID),
		slog.Bool("already_claimed", result.AlreadyClaimed),
	)
	return result, nil
}

// RestorePremium re-grants the affiliate entitlement to a user who claimed
// a link from a previous install. not-found when no link was ever claimed
// by this account.
func (e *Engine) RestorePremium(ctx context.Context, userID string) (*entity.ClaimResult, error) {
	link, err := e.db.FindLinkClaimedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, entity.NotFound("no claimed affiliate link for user")
	}

	user, err := e.db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil && user.HasPremiumFromLink(link.Token) {
		return &entity.ClaimResult{LinkToken: link.Token, AlreadyClaimed: true, PremiumGranted: true}, nil
	}

	now := time.Now().UTC()
	if err = e.db.GrantAffiliatePremium(ctx, userID, link.Token, affiliateStatus(link.Token, now), now); err != nil {
		return nil, err
	}
	e.log.Info("affiliate premium restored",
		sl.Secret("token", link.Token),
		slog.String("user_id", userID),
	)
	return &entity.ClaimResult{LinkToken: link.Token, AlreadyClaimed: false, PremiumGranted: true}, nil
}

func affiliateStatus(token string, now time.Time) entity.SubscriptionStatus {
	return entity.SubscriptionStatus{
		OriginalTransactionID: "affiliate_" + token,
		TransactionID:         "affiliate_" + token,
		ProductID:             entity.AffiliateProductID,
		IsActive:              true,
		AutoRenews:            false,
		Environment:           entity.EnvProduction,
		LastValidatedAt:       now,
	}
}
