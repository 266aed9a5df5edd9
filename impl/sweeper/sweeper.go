// Package sweeper is the daily batch job that re-validates every attributed
// subscription against the authoritative provider and feeds the results
// through the reconciler. Webhooks are the primary signal; the sweep is the
// backstop that catches anything they missed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"refsync/entity"
	"refsync/lib/retry"
	"refsync/lib/sl"
)

type Store interface {
	AllReferralCodes(ctx context.Context) ([]*entity.ReferralCode, error)
	GetUser(ctx context.Context, userID string) (*entity.User, error)
	ClearValidationFailure(ctx context.Context, userID string) error
	RecordValidationFailure(ctx context.Context, failure entity.ValidationFailure) error
	SaveValidationRun(ctx context.Context, run *entity.ValidationRun) error
	SaveValidationAlert(ctx context.Context, alert *entity.ValidationAlert) error
}

// StatusProvider fetches authoritative subscription truth. A nil truth with
// nil error means the provider has no record: a refunded or deleted
// subscription, which is not a failure.
type StatusProvider interface {
	GetStatus(ctx context.Context, originalTransactionID, environment string) (*entity.SubscriptionTruth, error)
}

type Reconciler interface {
	ApplyStatus(ctx context.Context, userID string, truth entity.SubscriptionTruth) error
	Reconcile(ctx context.Context, userID string) error
}

const (
	lookupTimeout = 30 * time.Second

	userMaxRetries   = 3
	userInitialDelay = 2 * time.Second

	jobMaxRetries   = 2
	jobInitialDelay = 5 * time.Second

	highErrorRatePct    = 10.0
	maxFailedIDs        = 100
	maxPersistentIDs    = 50
	persistentThreshold = 3
)

type Sweeper struct {
	db       Store
	provider StatusProvider
	rec      Reconciler
	log      *slog.Logger
}

func New(db Store, provider StatusProvider, rec Reconciler, log *slog.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		provider: provider,
		rec:      rec,
		log:      log.With(sl.Module("sweeper")),
	}
}

// Run executes one full sweep, retrying the whole job on retryable
// infrastructure errors. Per-user failures are absorbed inside the run and
// never bubble up here.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := retry.Do(ctx, retry.Policy{
		MaxRetries:   jobMaxRetries,
		InitialDelay: jobInitialDelay,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.runOnce(ctx)
	})
	return err
}

func (s *Sweeper) runOnce(ctx context.Context) error {
	s.log.Info("starting subscription validation sweep")

	codes, err := s.db.AllReferralCodes(ctx)
	if err != nil {
		return err
	}

	var validated, failed int
	var failedIDs, persistentIDs []string

	for _, code := range codes {
		for _, userID := range code.PurchaserIDs() {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			_, err := retry.Do(ctx, retry.Policy{
				MaxRetries:   userMaxRetries,
				InitialDelay: userInitialDelay,
			}, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, s.validateUser(ctx, userID)
			})
			if err == nil {
				validated++
				if clearErr := s.db.ClearValidationFailure(ctx, userID); clearErr != nil {
					s.log.Warn("failed to clear validation errors",
						slog.String("user_id", userID), sl.Err(clearErr))
				}
				continue
			}

			failed++
			failedIDs = append(failedIDs, userID)
			if s.recordFailure(ctx, userID, err) >= persistentThreshold {
				persistentIDs = append(persistentIDs, userID)
			}
		}
	}

	s.report(ctx, len(codes), validated, failed, failedIDs, persistentIDs)
	return nil
}

// validateUser fetches authoritative truth for one user and reconciles it.
// Nothing to validate is success; an absent provider record is success too.
func (s *Sweeper) validateUser(ctx context.Context, userID string) error {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.SubscriptionStatus == nil || user.SubscriptionStatus.OriginalTransactionID == "" {
		return nil
	}

	environment := user.SubscriptionStatus.Environment
	if environment == "" {
		environment = entity.EnvProduction
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	truth, err := s.provider.GetStatus(lookupCtx, user.SubscriptionStatus.OriginalTransactionID, environment)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("validation timeout after %s", lookupTimeout)
	}
	if err != nil {
		return err
	}
	if truth == nil {
		s.log.Warn("no subscription status at provider",
			slog.String("user_id", userID),
			slog.String("original_transaction_id", user.SubscriptionStatus.OriginalTransactionID),
		)
		return nil
	}

	if err = s.rec.ApplyStatus(ctx, userID, *truth); err != nil {
		return err
	}
	return s.rec.Reconcile(ctx, userID)
}

// recordFailure writes the failure bookkeeping and returns the user's
// consecutive failure count including this one. Tracking errors are logged,
// never propagated: a broken audit trail must not break the sweep.
func (s *Sweeper) recordFailure(ctx context.Context, userID string, cause error) int {
	originalTransactionID := "unknown"
	previousFailures := 0
	if user, err := s.db.GetUser(ctx, userID); err == nil && user != nil && user.SubscriptionStatus != nil {
		if user.SubscriptionStatus.OriginalTransactionID != "" {
			originalTransactionID = user.SubscriptionStatus.OriginalTransactionID
		}
		previousFailures = user.SubscriptionStatus.ValidationFailureCount
	}

	failure := entity.ValidationFailure{
		UserID:                userID,
		OriginalTransactionID: originalTransactionID,
		ErrorMessage:          cause.Error(),
		ErrorCode:             errorCode(cause),
		Retryable:             retry.RetryableError(cause),
		Timestamp:             time.Now().UTC(),
	}
	if err := s.db.RecordValidationFailure(ctx, failure); err != nil {
		s.log.Error("failed to track validation failure",
			slog.String("user_id", userID), sl.Err(err))
	}

	s.log.Error("subscription validation failed after retries",
		slog.String("user_id", userID),
		slog.String("original_transaction_id", originalTransactionID),
		slog.Bool("retryable", failure.Retryable),
		slog.Int("failure_count", previousFailures+1),
		sl.Err(cause),
	)
	return previousFailures + 1
}

func (s *Sweeper) report(ctx context.Context, totalCodes, validated, failed int, failedIDs, persistentIDs []string) {
	total := validated + failed
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total) * 100
	}
	highErrorRate := total > 0 && errorRate > highErrorRatePct

	run := &entity.ValidationRun{
		ID:                       uuid.NewString(),
		TotalCodes:               totalCodes,
		Validated:                validated,
		Errors:                   failed,
		ErrorRate:                errorRate,
		HighErrorRate:            highErrorRate,
		FailedUserIDs:            capped(failedIDs, maxFailedIDs),
		PersistentFailureUserIDs: capped(persistentIDs, maxPersistentIDs),
		Timestamp:                time.Now().UTC(),
	}

	s.log.Info("validation sweep complete",
		slog.Int("total_codes", totalCodes),
		slog.Int("validated", validated),
		slog.Int("errors", failed),
		slog.Float64("error_rate", errorRate),
	)

	if highErrorRate {
		// Error level so the alert handler mirrors it to the operator chat.
		s.log.Error("high validation error rate",
			slog.Float64("error_rate", errorRate),
			slog.Int("errors", failed),
			slog.Int("total", total),
		)
		alert := &entity.ValidationAlert{
			Type:            entity.AlertHighErrorRate,
			ErrorRate:       errorRate,
			ErrorCount:      failed,
			TotalValidation: total,
			Timestamp:       time.Now().UTC(),
		}
		if err := s.db.SaveValidationAlert(ctx, alert); err != nil {
			s.log.Error("failed to store error-rate alert", sl.Err(err))
		}
	}

	if len(persistentIDs) > 0 {
		s.log.Warn("users with persistent validation failures",
			slog.Int("count", len(persistentIDs)),
		)
		alert := &entity.ValidationAlert{
			Type:      entity.AlertPersistentFailures,
			UserIDs:   capped(persistentIDs, maxPersistentIDs),
			Timestamp: time.Now().UTC(),
		}
		if err := s.db.SaveValidationAlert(ctx, alert); err != nil {
			s.log.Error("failed to store persistent-failure alert", sl.Err(err))
		}
	}

	if err := s.db.SaveValidationRun(ctx, run); err != nil {
		// The sweep itself succeeded; a lost summary is operator-visible
		// only through logs.
		s.log.Error("failed to store validation run summary", sl.Err(err))
	}
}

func errorCode(err error) string {
	if code := retry.CodeOf(err); code != 0 {
		return fmt.Sprintf("%d", code)
	}
	return "UNKNOWN"
}

func capped(ids []string, max int) []string {
	if len(ids) > max {
		return ids[:max]
	}
	return ids
}
