// Package reconcile corrects stored subscription and membership state to
// match authoritative truth delivered by the App Store webhook or fetched
// by the validation sweep.
//
// Both callers may deliver the same truth repeatedly and out of order, so
// every mutation here is a set union, a set removal, or an idempotent field
// overwrite. This path uses one batched write instead of a transaction: it
// is itself the periodic corrective mechanism and tolerates eventual
// consistency.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"refsync/entity"
	"refsync/lib/sl"
)

type Store interface {
	GetUser(ctx context.Context, userID string) (*entity.User, error)
	SetSubscriptionStatus(ctx context.Context, userID string, status entity.SubscriptionStatus) error
	UpdateTrackedProduct(ctx context.Context, userID, productID string, at time.Time) error
	ApplyMembership(ctx context.Context, mu *entity.MembershipUpdate, at time.Time) error
}

type Engine struct {
	db  Store
	log *slog.Logger
}

func New(db Store, log *slog.Logger) *Engine {
	return &Engine{
		db:  db,
		log: log.With(sl.Module("reconcile")),
	}
}

// ApplyStatus overwrites the user's stored subscription state with an
// authoritative tuple. Callers follow up with Reconcile to fold the change
// into the referral code aggregates.
func (e *Engine) ApplyStatus(ctx context.Context, userID string, truth entity.SubscriptionTruth) error {
	return e.db.SetSubscriptionStatus(ctx, userID, truth.Status(time.Now().UTC()))
}

// Reconcile folds the user's current subscription state into their referral
// code's membership sets. No-op when the user has no code or no
// subscription state.
func (e *Engine) Reconcile(ctx context.Context, userID string) error {
	user, err := e.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.ReferralCode == "" || user.SubscriptionStatus == nil {
		return nil
	}

	status := user.SubscriptionStatus
	tier := entity.ParseTier(status.ProductID)
	if !tier.Valid() {
		e.log.Warn("unknown product id, skipping reconciliation",
			slog.String("user_id", userID),
			slog.String("product_id", status.ProductID),
		)
		return nil
	}

	code := strings.ToUpper(user.ReferralCode)
	now := time.Now().UTC()

	mu := entity.NewMembershipUpdate(code)
	mu.MoveActive(user.TrackedTier(), tier, userID)
	if status.IsActive {
		mu.AddActive(tier, userID)
	} else {
		mu.RemoveActive(tier, userID)
	}
	// Purchase history is monotonic regardless of current activity.
	mu.AddPurchased(tier, userID)
	mu.StampLastValidation = true

	if err = e.db.ApplyMembership(ctx, mu, now); err != nil {
		return err
	}

	if user.ReferralPurchaseProductID != status.ProductID {
		e.log.Info("tracked product changed",
			slog.String("user_id", userID),
			slog.String("from", user.ReferralPurchaseProductID),
			slog.String("to", status.ProductID),
		)
		if err = e.db.UpdateTrackedProduct(ctx, userID, status.ProductID, now); err != nil {
			return err
		}
	}

	e.log.Debug("reconciled membership",
		slog.String("user_id", userID),
		slog.String("code", code),
		slog.String("tier", string(tier)),
		slog.Bool("active", status.IsActive),
	)
	return nil
}
