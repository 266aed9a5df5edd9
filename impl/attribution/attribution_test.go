package attribution

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refsync/entity"
)

type fakeStore struct {
	users map[string]*entity.User
	codes map[string]*entity.ReferralCode

	memberships []*entity.MembershipUpdate
	purchases   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*entity.User),
		codes: make(map[string]*entity.ReferralCode),
	}
}

func (f *fakeStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*entity.User, error) {
	return f.users[userID], nil
}

func (f *fakeStore) GetReferralCode(_ context.Context, code string) (*entity.ReferralCode, error) {
	return f.codes[code], nil
}

func (f *fakeStore) FindUsersByOriginalTransaction(_ context.Context, otid string) ([]*entity.User, error) {
	var found []*entity.User
	for _, u := range f.users {
		if u.SubscriptionStatus != nil && u.SubscriptionStatus.OriginalTransactionID == otid {
			found = append(found, u)
		}
	}
	return found, nil
}

func (f *fakeStore) RecordPurchase(_ context.Context, userID, productID string, status entity.SubscriptionStatus, at time.Time) error {
	u := f.users[userID]
	u.ReferralCodeUsedForPurchase = true
	u.ReferralPurchaseProductID = productID
	u.ReferralPurchaseDate = &at
	u.SubscriptionStatus = &status
	f.purchases++
	return nil
}

func (f *fakeStore) ApplyMembership(_ context.Context, mu *entity.MembershipUpdate, _ time.Time) error {
	f.memberships = append(f.memberships, mu)
	return nil
}

// lastMembership returns the most recent staged update, or fails the test.
func (f *fakeStore) lastMembership(t *testing.T) *entity.MembershipUpdate {
	t.Helper()
	require.NotEmpty(t, f.memberships)
	return f.memberships[len(f.memberships)-1]
}

type fakeIdentity struct {
	exists map[string]bool
	err    error
}

func (f *fakeIdentity) UserExists(_ context.Context, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.exists[userID], nil
}

func testEngine(db Store, id Identity) *Engine {
	return New(db, id, slog.New(slog.DiscardHandler))
}

func params(productID, otid string) *entity.PurchaseParams {
	return &entity.PurchaseParams{
		ProductID:             productID,
		OriginalTransactionID: otid,
		Environment:           entity.EnvProduction,
	}
}

func TestAttributePurchase(t *testing.T) {
	db := newFakeStore()
	db.users["u1"] = &entity.User{ID: "u1", ReferralCode: "FIT2024"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{})

	result, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)
	assert.Equal(t, "FIT2024", result.ReferralCode)
	assert.Equal(t, entity.TierMonthly, result.SubscriptionType)
	assert.False(t, result.AlreadyTracked)

	mu := db.lastMembership(t)
	assert.Equal(t, []string{"u1"}, mu.Adds()["monthlyPurchasedBy"])
	assert.Equal(t, []string{"u1"}, mu.Adds()["activeMonthlySubscriptions"])
	assert.True(t, mu.StampLastPurchase)

	user := db.users["u1"]
	assert.True(t, user.ReferralCodeUsedForPurchase)
	assert.Equal(t, "1000000123", user.SubscriptionStatus.OriginalTransactionID)
	assert.True(t, user.SubscriptionStatus.IsActive)
}

func TestAttributePurchaseIdempotent(t *testing.T) {
	db := newFakeStore()
	db.users["u1"] = &entity.User{ID: "u1", ReferralCode: "FIT2024"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{})

	_, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)

	result, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)
	assert.True(t, result.AlreadyTracked)
	assert.Equal(t, 1, db.purchases)
}

func TestAttributePurchaseTierUpgrade(t *testing.T) {
	db := newFakeStore()
	db.users["u1"] = &entity.User{ID: "u1", ReferralCode: "FIT2024"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{})

	_, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)

	result, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.yearly", "1000000123"))
	require.NoError(t, err)
	assert.Equal(t, entity.TierYearly, result.SubscriptionType)

	mu := db.lastMembership(t)
	assert.Equal(t, []string{"u1"}, mu.Pulls()["activeMonthlySubscriptions"])
	assert.Equal(t, []string{"u1"}, mu.Adds()["activeAnnualSubscriptions"])
	// purchase history keeps the monthly record
	assert.Empty(t, mu.Pulls()["monthlyPurchasedBy"])
}

func TestAttributePurchaseCollisionLiveAccount(t *testing.T) {
	db := newFakeStore()
	db.users["original"] = &entity.User{
		ID:           "original",
		ReferralCode: "FIT2024",
		SubscriptionStatus: &entity.SubscriptionStatus{
			OriginalTransactionID: "1000000123",
		},
	}
	db.users["u2"] = &entity.User{ID: "u2", ReferralCode: "OTHER99"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	db.codes["OTHER99"] = &entity.ReferralCode{Code: "OTHER99", IsActive: true}
	engine := testEngine(db, &fakeIdentity{exists: map[string]bool{"original": true}})

	result, err := engine.AttributePurchase(context.Background(), "u2", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)
	assert.True(t, result.TrackedOnOtherAccount)
	assert.Equal(t, "original", result.OriginalAccountID)
	// nothing written for the caller
	assert.Zero(t, db.purchases)
	assert.Empty(t, db.memberships)
}

func TestAttributePurchaseOrphanTransfer(t *testing.T) {
	db := newFakeStore()
	db.users["ghost"] = &entity.User{
		ID:                        "ghost",
		ReferralCode:              "old1234",
		ReferralPurchaseProductID: "com.fithub.premium.monthly",
		SubscriptionStatus: &entity.SubscriptionStatus{
			OriginalTransactionID: "1000000123",
		},
	}
	db.users["u2"] = &entity.User{ID: "u2", ReferralCode: "FIT2024"}
	db.codes["OLD1234"] = &entity.ReferralCode{Code: "OLD1234", IsActive: true}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{exists: map[string]bool{}})

	result, err := engine.AttributePurchase(context.Background(), "u2", params("com.fithub.premium.monthly", "1000000123"))
	require.NoError(t, err)
	assert.False(t, result.TrackedOnOtherAccount)
	assert.Equal(t, "FIT2024", result.ReferralCode)

	// first update removes the ghost from the old code's active set only
	require.Len(t, db.memberships, 2)
	cleanup := db.memberships[0]
	assert.Equal(t, "OLD1234", cleanup.Code)
	assert.Equal(t, []string{"ghost"}, cleanup.Pulls()["activeMonthlySubscriptions"])
	assert.Empty(t, cleanup.Pulls()["monthlyPurchasedBy"])
}

func TestAttributePurchaseIdentityFailureFailsClosed(t *testing.T) {
	db := newFakeStore()
	db.users["original"] = &entity.User{
		ID: "original",
		SubscriptionStatus: &entity.SubscriptionStatus{
			OriginalTransactionID: "1000000123",
		},
	}
	db.users["u2"] = &entity.User{ID: "u2", ReferralCode: "FIT2024"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{err: errors.New("identity unavailable")})

	_, err := engine.AttributePurchase(context.Background(), "u2", params("com.fithub.premium.monthly", "1000000123"))
	require.Error(t, err)
	assert.Equal(t, entity.KindAlreadyExists, entity.KindOf(err))
	assert.Zero(t, db.purchases)
}

func TestAttributePurchaseNoReferralCode(t *testing.T) {
	db := newFakeStore()
	db.users["u1"] = &entity.User{ID: "u1"}
	engine := testEngine(db, &fakeIdentity{})

	_, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.premium.monthly", "1000000123"))
	require.Error(t, err)
	assert.Equal(t, entity.KindFailedPrecondition, entity.KindOf(err))
}

func TestAttributePurchaseUnknownProduct(t *testing.T) {
	db := newFakeStore()
	db.users["u1"] = &entity.User{ID: "u1", ReferralCode: "FIT2024"}
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db, &fakeIdentity{})

	_, err := engine.AttributePurchase(context.Background(), "u1", params("com.fithub.coaching", "1000000123"))
	require.Error(t, err)
	assert.Equal(t, entity.KindInvalidArgument, entity.KindOf(err))
}

func TestAttributePurchaseMissingArguments(t *testing.T) {
	engine := testEngine(newFakeStore(), &fakeIdentity{})

	_, err := engine.AttributePurchase(context.Background(), "u1", &entity.PurchaseParams{ProductID: "x"})
	require.Error(t, err)
	assert.Equal(t, entity.KindInvalidArgument, entity.KindOf(err))
}
