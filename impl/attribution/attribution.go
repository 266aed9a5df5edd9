// Package attribution records that a completed purchase should be credited
// to the buyer's claimed referral code, exactly once per (user, product).
//
// The operation is a two-phase protocol. The precondition-check phase runs
// the cross-account collision query, which the store cannot execute inside
// a transaction. The commit phase re-reads every touched document inside
// one transaction before writing, so the window between the phases cannot
// produce a double attribution: a stale precondition result either commits
// an idempotent write or loses the transaction race and is retried by the
// caller.
package attribution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"refsync/entity"
	"refsync/lib/sl"
)

type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	GetUser(ctx context.Context, userID string) (*entity.User, error)
	GetReferralCode(ctx context.Context, code string) (*entity.ReferralCode, error)
	FindUsersByOriginalTransaction(ctx context.Context, originalTransactionID string) ([]*entity.User, error)
	RecordPurchase(ctx context.Context, userID, productID string, status entity.SubscriptionStatus, at time.Time) error
	ApplyMembership(ctx context.Context, mu *entity.MembershipUpdate, at time.Time) error
}

// Identity answers whether an account still exists in the authentication
// system. It is the only collaborator that can distinguish an orphaned
// account from an active collision.
type Identity interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

type Engine struct {
	db       Store
	identity Identity
	log      *slog.Logger
}

func New(db Store, identity Identity, log *slog.Logger) *Engine {
	return &Engine{
		db:       db,
		identity: identity,
		log:      log.With(sl.Module("attribution")),
	}
}

// orphan is a deleted account still occupying a code's active set. Its
// cleanup rides in the commit-phase transaction.
type orphan struct {
	userID string
	code   string
	tier   entity.Tier
}

// AttributePurchase credits a purchase to the caller's claimed referral
// code. Safe to retry blindly: a repeat of the same product is an
// idempotent alreadyTracked success.
func (e *Engine) AttributePurchase(ctx context.Context, userID string, p *entity.PurchaseParams) (*entity.PurchaseResult, error) {
	if p.ProductID == "" || p.OriginalTransactionID == "" {
		return nil, entity.InvalidArgument("productID and originalTransactionID are required")
	}

	other, orphans, err := e.checkCollisions(ctx, userID, p.OriginalTransactionID)
	if err != nil {
		return nil, err
	}
	if other != nil {
		e.log.Info("purchase tracked on another account",
			slog.String("user_id", userID),
			slog.String("original_account", other.OriginalAccountID),
			slog.String("original_transaction_id", p.OriginalTransactionID),
		)
		return other, nil
	}

	return e.commit(ctx, userID, p, orphans)
}

// checkCollisions is the non-transactional precondition phase: find any
// other account holding the same originalTransactionID.
//
// An account that still exists owns the subscription; the purchase is
// reported as tracked there and nothing is written locally. An account the
// identity provider no longer knows is orphaned and queued for cleanup.
// Any other identity failure fails closed: stealing an active subscription
// is worse than asking the client to retry.
func (e *Engine) checkCollisions(ctx context.Context, userID, originalTransactionID string) (*entity.PurchaseResult, []orphan, error) {
	existing, err := e.db.FindUsersByOriginalTransaction(ctx, originalTransactionID)
	if err != nil {
		return nil, nil, err
	}

	var orphans []orphan
	for _, u := range existing {
		if u.ID == userID {
			continue
		}
		exists, err := e.identity.UserExists(ctx, u.ID)
		if err != nil {
			e.log.Warn("identity lookup failed, rejecting transfer",
				slog.String("existing_user", u.ID), sl.Err(err))
			return nil, nil, entity.AlreadyExists("this subscription is already associated with another account")
		}
		if exists {
			// Sandbox environments legitimately reuse Apple IDs across
			// accounts; the authoritative webhook corrects the original
			// account later.
			return &entity.PurchaseResult{
				TrackedOnOtherAccount: true,
				OriginalAccountID:     u.ID,
			}, nil, nil
		}
		e.log.Info("original account deleted, allowing transfer",
			slog.String("orphaned_user", u.ID),
			slog.String("new_user", userID),
		)
		orphans = append(orphans, orphan{
			userID: u.ID,
			code:   strings.ToUpper(u.ReferralCode),
			tier:   u.TrackedTier(),
		})
	}
	return nil, orphans, nil
}

// commit is the transactional phase: orphan cleanup, precondition re-reads
// against current state, then the attribution writes.
func (e *Engine) commit(ctx context.Context, userID string, p *entity.PurchaseParams, orphans []orphan) (*entity.PurchaseResult, error) {
	var result *entity.PurchaseResult
	err := e.db.Transaction(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()

		for _, o := range orphans {
			if o.code == "" {
				continue
			}
			rc, err := e.db.GetReferralCode(ctx, o.code)
			if err != nil {
				return err
			}
			if rc == nil {
				continue
			}
			mu := entity.NewMembershipUpdate(o.code)
			// Purchase history stays; only the active membership goes.
			mu.RemoveActive(o.tier, o.userID)
			if err = e.db.ApplyMembership(ctx, mu, now); err != nil {
				return err
			}
		}

		user, err := e.db.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil || user.ReferralCode == "" {
			return entity.FailedPrecondition("user has no referral code")
		}
		code := strings.ToUpper(user.ReferralCode)

		rc, err := e.db.GetReferralCode(ctx, code)
		if err != nil {
			return err
		}
		if rc == nil {
			return entity.NotFound("referral code not found")
		}

		if user.ReferralPurchaseProductID == p.ProductID {
			result = &entity.PurchaseResult{ReferralCode: code, AlreadyTracked: true}
			return nil
		}

		tier := entity.ParseTier(p.ProductID)
		if !tier.Valid() {
			return entity.InvalidArgument("invalid product type")
		}

		mu := entity.NewMembershipUpdate(code)
		mu.MoveActive(user.TrackedTier(), tier, userID)
		mu.AddPurchased(tier, userID)
		mu.AddActive(tier, userID)
		mu.StampLastPurchase = true
		if err = e.db.ApplyMembership(ctx, mu, now); err != nil {
			return err
		}

		transactionID := p.TransactionID
		if transactionID == "" {
			transactionID = p.OriginalTransactionID
		}
		status := entity.SubscriptionStatus{
			OriginalTransactionID: p.OriginalTransactionID,
			TransactionID:         transactionID,
			ProductID:             p.ProductID,
			IsActive:              true, // optimistic; the reconciler corrects it
			Environment:           p.Environment,
			LastValidatedAt:       now,
		}
		if err = e.db.RecordPurchase(ctx, userID, p.ProductID, status, now); err != nil {
			return err
		}

		result = &entity.PurchaseResult{
			ReferralCode:     code,
			SubscriptionType: tier,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("referral purchase attributed",
		slog.String("user_id", userID),
		slog.String("code", result.ReferralCode),
		slog.String("product_id", p.ProductID),
		slog.Bool("already_tracked", result.AlreadyTracked),
	)
	return result, nil
}
