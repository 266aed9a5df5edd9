package claim

import (
	"context"
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
	links map[string]*entity.AffiliateLink

	claimsSet      int
	grantsSet      int
	pendingCleared int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*entity.User),
		codes: make(map[string]*entity.ReferralCode),
		links: make(map[string]*entity.AffiliateLink),
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

func (f *fakeStore) GetAffiliateLink(_ context.Context, token string) (*entity.AffiliateLink, error) {
	return f.links[token], nil
}

func (f *fakeStore) SetUserClaim(_ context.Context, userID, code, source string, at time.Time) error {
	u := f.users[userID]
	if u == nil {
		u = &entity.User{ID: userID}
		f.users[userID] = u
	}
	u.ReferralCode = code
	u.ReferralSource = source
	u.ReferralCodeClaimedAt = &at
	f.claimsSet++
	return nil
}

func (f *fakeStore) MarkCodeUsed(_ context.Context, code, userID string, at time.Time) error {
	rc := f.codes[code]
	rc.UsedBy = append(rc.UsedBy, userID)
	rc.LastUsedAt = &at
	rc.PendingDeviceKeys = nil
	return nil
}

func (f *fakeStore) ClearCodePending(_ context.Context, code string) error {
	f.codes[code].PendingDeviceKeys = nil
	f.pendingCleared++
	return nil
}

func (f *fakeStore) ClaimLink(_ context.Context, token, userID string, at time.Time) error {
	l := f.links[token]
	l.Claimed = true
	l.ClaimedBy = userID
	l.ClaimedAt = &at
	return nil
}

func (f *fakeStore) GrantAffiliatePremium(_ context.Context, userID, token string, status entity.SubscriptionStatus, at time.Time) error {
	u := f.users[userID]
	if u == nil {
		u = &entity.User{ID: userID}
		f.users[userID] = u
	}
	u.AffiliateGrantedPremium = true
	u.AffiliateLinkToken = token
	u.SubscriptionStatus = &status
	f.grantsSet++
	return nil
}

func (f *fakeStore) FindLinkClaimedBy(_ context.Context, userID string) (*entity.AffiliateLink, error) {
	for _, l := range f.links {
		if l.ClaimedBy == userID {
			return l, nil
		}
	}
	return nil, nil
}

func testEngine(db Store) *Engine {
	return New(db, slog.New(slog.DiscardHandler))
}

func TestClaimCode(t *testing.T) {
	db := newFakeStore()
	db.codes["FIT2024"] = &entity.ReferralCode{Code: "FIT2024", IsActive: true}
	engine := testEngine(db)

	result, err := engine.ClaimCode(context.Background(), "u1", "fit2024", "")
	require.NoError(t, err)
	assert.Equal(t, "FIT2024", result.ReferralCode)
	assert.False(t, result.AlreadyClaimed)

	user := db.users["u1"]
	assert.Equal(t, "FIT2024", user.ReferralCode)
	assert.Equal(t, "manual_entry", user.ReferralSource)
	assert.Contains(t, db.codes["FIT2024"].UsedBy, "u1")
}

func TestClaimCodeIdempotentRetry(t *testing.T) {
	db := newFakeStore()
	db.codes["FIT2024"] = &entity.ReferralCode{
		Code:              "FIT2024",
		IsActive:          true,
		PendingDeviceKeys: []string{"device1"},
	}
	engine := testEngine(db)

	_, err := engine.ClaimCode(context.Background(), "u1", "FIT2024", "qr_scan")
	require.NoError(t, err)

	result, err := engine.ClaimCode(context.Background(), "u1", "FIT2024", "qr_scan")
	require.NoError(t, err)
	assert.True(t, result.AlreadyClaimed)
	// the retry did not write a second claim
	assert.Equal(t, 1, db.claimsSet)
	assert.Empty(t, db.codes["FIT2024"].PendingDeviceKeys)
}

func TestClaimCodeSecondCodeRejected(t *testing.T) {
	db := newFakeStore()
	db.codes["FIRST99"] = &entity.ReferralCode{Code: "FIRST99", IsActive: true}
	db.codes["SECOND99"] = &entity.ReferralCode{Code: "SECOND99", IsActive: true}
	engine := testEngine(db)

	_, err := engine.ClaimCode(context.Background(), "u1", "FIRST99", "")
	require.NoError(t, err)

	_, err = engine.ClaimCode(context.Background(), "u1", "SECOND99", "")
	require.Error(t, err)
	assert.Equal(t, entity.KindAlreadyExists, entity.KindOf(err))
	assert.Equal(t, "FIRST99", db.users["u1"].ReferralCode)
}

func TestClaimCodeNotFound(t *testing.T) {
	engine := testEngine(newFakeStore())

	_, err := engine.ClaimCode(context.Background(), "u1", "MISSING1", "")
	require.Error(t, err)
	assert.Equal(t, entity.KindNotFound, entity.KindOf(err))
}

func TestClaimCodeInactive(t *testing.T) {
	db := newFakeStore()
	db.codes["RETIRED1"] = &entity.ReferralCode{Code: "RETIRED1", IsActive: false}
	engine := testEngine(db)

	_, err := engine.ClaimCode(context.Background(), "u1", "RETIRED1", "")
	require.Error(t, err)
	assert.Equal(t, entity.KindFailedPrecondition, entity.KindOf(err))
}

func TestClaimCodeInvalidFormat(t *testing.T) {
	engine := testEngine(newFakeStore())

	_, err := engine.ClaimCode(context.Background(), "u1", "x!", "")
	require.Error(t, err)
	assert.Equal(t, entity.KindInvalidArgument, entity.KindOf(err))
}

const testToken = "aBcDeF1234567890"

func TestClaimAffiliateLink(t *testing.T) {
	db := newFakeStore()
	db.links[testToken] = &entity.AffiliateLink{Token: testToken}
	engine := testEngine(db)

	result, err := engine.ClaimAffiliateLink(context.Background(), "u1", testToken)
	require.NoError(t, err)
	assert.True(t, result.PremiumGranted)
	assert.False(t, result.AlreadyClaimed)

	link := db.links[testToken]
	assert.True(t, link.Claimed)
	assert.Equal(t, "u1", link.ClaimedBy)

	user := db.users["u1"]
	assert.True(t, user.AffiliateGrantedPremium)
	assert.Equal(t, "affiliate_"+testToken, user.SubscriptionStatus.OriginalTransactionID)
	assert.Equal(t, entity.AffiliateProductID, user.SubscriptionStatus.ProductID)
	assert.True(t, user.SubscriptionStatus.IsActive)
	assert.False(t, user.SubscriptionStatus.AutoRenews)
}

func TestClaimAffiliateLinkRetryByClaimant(t *testing.T) {
	db := newFakeStore()
	db.links[testToken] = &entity.AffiliateLink{Token: testToken}
	engine := testEngine(db)

	_, err := engine.ClaimAffiliateLink(context.Background(), "u1", testToken)
	require.NoError(t, err)

	result, err := engine.ClaimAffiliateLink(context.Background(), "u1", testToken)
	require.NoError(t, err)
	assert.True(t, result.AlreadyClaimed)
	assert.True(t, result.PremiumGranted)
	assert.Equal(t, 1, db.grantsSet)
}

func TestClaimAffiliateLinkClaimedByOther(t *testing.T) {
	db := newFakeStore()
	db.links[testToken] = &entity.AffiliateLink{Token: testToken, Claimed: true, ClaimedBy: "u1"}
	engine := testEngine(db)

	_, err := engine.ClaimAffiliateLink(context.Background(), "u2", testToken)
	require.Error(t, err)
	assert.Equal(t, entity.KindFailedPrecondition, entity.KindOf(err))
}

func TestRestorePremium(t *testing.T) {
	db := newFakeStore()
	db.links[testToken] = &entity.AffiliateLink{Token: testToken, Claimed: true, ClaimedBy: "u1"}
	db.users["u1"] = &entity.User{ID: "u1"} // entitlement lost with the old install
	engine := testEngine(db)

	result, err := engine.RestorePremium(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, result.PremiumGranted)
	assert.False(t, result.AlreadyClaimed)
	assert.True(t, db.users["u1"].AffiliateGrantedPremium)
}

func TestRestorePremiumAlreadyHeld(t *testing.T) {
	db := newFakeStore()
	db.links[testToken] = &entity.AffiliateLink{Token: testToken, Claimed: true, ClaimedBy: "u1"}
	db.users["u1"] = &entity.User{ID: "u1", AffiliateGrantedPremium: true, AffiliateLinkToken: testToken}
	engine := testEngine(db)

	result, err := engine.RestorePremium(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyClaimed)
	assert.Zero(t, db.grantsSet)
}

func TestRestorePremiumNoLink(t *testing.T) {
	engine := testEngine(newFakeStore())

	_, err := engine.RestorePremium(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, entity.KindNotFound, entity.KindOf(err))
}
