package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refsync/entity"
)

type fakeStore struct {
	codes    []*entity.ReferralCode
	codesErr error
	users    map[string]*entity.User

	cleared  []string
	failures []entity.ValidationFailure
	runs     []*entity.ValidationRun
	alerts   []*entity.ValidationAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*entity.User)}
}

func (f *fakeStore) AllReferralCodes(_ context.Context) ([]*entity.ReferralCode, error) {
	return f.codes, f.codesErr
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*entity.User, error) {
	return f.users[userID], nil
}

func (f *fakeStore) ClearValidationFailure(_ context.Context, userID string) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeStore) RecordValidationFailure(_ context.Context, failure entity.ValidationFailure) error {
	f.failures = append(f.failures, failure)
	return nil
}

func (f *fakeStore) SaveValidationRun(_ context.Context, run *entity.ValidationRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) SaveValidationAlert(_ context.Context, alert *entity.ValidationAlert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

type fakeProvider struct {
	truths map[string]*entity.SubscriptionTruth
	errs   map[string]error
}

func (f *fakeProvider) GetStatus(_ context.Context, otid, _ string) (*entity.SubscriptionTruth, error) {
	if err := f.errs[otid]; err != nil {
		return nil, err
	}
	return f.truths[otid], nil
}

type fakeReconciler struct {
	applied    []string
	reconciled []string
}

func (f *fakeReconciler) ApplyStatus(_ context.Context, userID string, _ entity.SubscriptionTruth) error {
	f.applied = append(f.applied, userID)
	return nil
}

func (f *fakeReconciler) Reconcile(_ context.Context, userID string) error {
	f.reconciled = append(f.reconciled, userID)
	return nil
}

func testSweeper(db Store, p StatusProvider, r Reconciler) *Sweeper {
	return New(db, p, r, slog.New(slog.DiscardHandler))
}

func subscribedUser(id, otid string) *entity.User {
	return &entity.User{
		ID:           id,
		ReferralCode: "FIT2024",
		SubscriptionStatus: &entity.SubscriptionStatus{
			OriginalTransactionID: otid,
			ProductID:             "com.fithub.premium.monthly",
		},
	}
}

func TestRunValidatesAllPurchasers(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"u1", "u2"}},
	}
	db.users["u1"] = subscribedUser("u1", "tx1")
	db.users["u2"] = subscribedUser("u2", "tx2")
	provider := &fakeProvider{truths: map[string]*entity.SubscriptionTruth{
		"tx1": {OriginalTransactionID: "tx1", ProductID: "com.fithub.premium.monthly", IsActive: true},
		"tx2": {OriginalTransactionID: "tx2", ProductID: "com.fithub.premium.monthly", IsActive: false},
	}}
	rec := &fakeReconciler{}

	require.NoError(t, testSweeper(db, provider, rec).Run(context.Background()))

	assert.ElementsMatch(t, []string{"u1", "u2"}, rec.applied)
	assert.ElementsMatch(t, []string{"u1", "u2"}, rec.reconciled)
	assert.ElementsMatch(t, []string{"u1", "u2"}, db.cleared)

	require.Len(t, db.runs, 1)
	run := db.runs[0]
	assert.Equal(t, 1, run.TotalCodes)
	assert.Equal(t, 2, run.Validated)
	assert.Zero(t, run.Errors)
	assert.False(t, run.HighErrorRate)
	assert.NotEmpty(t, run.ID)
}

func TestRunSkipsUsersWithNothingToValidate(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"missing", "nostatus"}},
	}
	db.users["nostatus"] = &entity.User{ID: "nostatus", ReferralCode: "FIT2024"}
	provider := &fakeProvider{}
	rec := &fakeReconciler{}

	require.NoError(t, testSweeper(db, provider, rec).Run(context.Background()))

	assert.Empty(t, rec.applied)
	require.Len(t, db.runs, 1)
	assert.Equal(t, 2, db.runs[0].Validated)
}

func TestRunAbsentProviderRecordIsSuccess(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"u1"}},
	}
	db.users["u1"] = subscribedUser("u1", "tx1")
	provider := &fakeProvider{} // no record for tx1
	rec := &fakeReconciler{}

	require.NoError(t, testSweeper(db, provider, rec).Run(context.Background()))

	assert.Empty(t, rec.applied)
	assert.Equal(t, []string{"u1"}, db.cleared)
	assert.Zero(t, db.runs[0].Errors)
}

func TestRunSurvivesPerUserFailure(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"bad"}, AnnualPurchasedBy: []string{"good"}},
	}
	db.users["bad"] = subscribedUser("bad", "txbad")
	db.users["good"] = subscribedUser("good", "txgood")
	provider := &fakeProvider{
		truths: map[string]*entity.SubscriptionTruth{
			"txgood": {OriginalTransactionID: "txgood", ProductID: "com.fithub.premium.yearly", IsActive: true},
		},
		errs: map[string]error{"txbad": errors.New("invalid signature")},
	}
	rec := &fakeReconciler{}

	require.NoError(t, testSweeper(db, provider, rec).Run(context.Background()))

	assert.Equal(t, []string{"good"}, rec.applied)
	require.Len(t, db.failures, 1)
	failure := db.failures[0]
	assert.Equal(t, "bad", failure.UserID)
	assert.Equal(t, "txbad", failure.OriginalTransactionID)
	assert.False(t, failure.Retryable)

	run := db.runs[0]
	assert.Equal(t, 1, run.Validated)
	assert.Equal(t, 1, run.Errors)
	assert.Equal(t, []string{"bad"}, run.FailedUserIDs)
}

func TestRunHighErrorRateAlert(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"u1", "u2"}},
	}
	db.users["u1"] = subscribedUser("u1", "tx1")
	db.users["u2"] = subscribedUser("u2", "tx2")
	provider := &fakeProvider{errs: map[string]error{
		"tx1": errors.New("invalid signature"),
		"tx2": errors.New("invalid signature"),
	}}

	require.NoError(t, testSweeper(db, provider, &fakeReconciler{}).Run(context.Background()))

	run := db.runs[0]
	assert.True(t, run.HighErrorRate)
	assert.InDelta(t, 100.0, run.ErrorRate, 0.01)

	require.Len(t, db.alerts, 1)
	assert.Equal(t, entity.AlertHighErrorRate, db.alerts[0].Type)
	assert.Equal(t, 2, db.alerts[0].ErrorCount)
}

func TestRunPersistentFailureAlert(t *testing.T) {
	db := newFakeStore()
	db.codes = []*entity.ReferralCode{
		{Code: "FIT2024", MonthlyPurchasedBy: []string{"stuck", "fresh", "ok"}},
	}
	stuck := subscribedUser("stuck", "txstuck")
	stuck.SubscriptionStatus.ValidationFailureCount = 2 // third strike this run
	db.users["stuck"] = stuck
	db.users["fresh"] = subscribedUser("fresh", "txfresh")
	db.users["ok"] = subscribedUser("ok", "txok")
	provider := &fakeProvider{
		truths: map[string]*entity.SubscriptionTruth{
			"txok": {OriginalTransactionID: "txok", ProductID: "com.fithub.premium.monthly", IsActive: true},
		},
		errs: map[string]error{
			"txstuck": errors.New("invalid signature"),
			"txfresh": errors.New("invalid signature"),
		},
	}

	require.NoError(t, testSweeper(db, provider, &fakeReconciler{}).Run(context.Background()))

	run := db.runs[0]
	assert.ElementsMatch(t, []string{"stuck", "fresh"}, run.FailedUserIDs)
	assert.Equal(t, []string{"stuck"}, run.PersistentFailureUserIDs)

	var persistent *entity.ValidationAlert
	for _, a := range db.alerts {
		if a.Type == entity.AlertPersistentFailures {
			persistent = a
		}
	}
	require.NotNil(t, persistent)
	assert.Equal(t, []string{"stuck"}, persistent.UserIDs)
}

func TestRunStoreFailurePropagates(t *testing.T) {
	db := newFakeStore()
	db.codesErr = errors.New("database offline")

	err := testSweeper(db, &fakeProvider{}, &fakeReconciler{}).Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, db.runs)
}
