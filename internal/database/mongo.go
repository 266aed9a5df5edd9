package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"refsync/entity"
	"refsync/internal/config"
)

const (
	collectionUsers              = "users"
	collectionReferralCodes      = "referralCodes"
	collectionAffiliateLinks     = "affiliateLinks"
	collectionPendingClaims      = "pendingClaims"
	collectionValidationFailures = "validationFailures"
	collectionValidationRuns     = "validationRuns"
	collectionValidationAlerts   = "validationAlerts"
)

// MongoDB is the attribution store. Unlike a plain key-value wrapper it
// keeps one connected client for its lifetime: session transactions require
// operations to run against the same topology.
type MongoDB struct {
	client   *mongo.Client
	database string
}

func NewMongoClient(ctx context.Context, conf *config.Config) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, fmt.Errorf("mongodb disabled in config")
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return &MongoDB{
		client:   client,
		database: conf.Mongo.Database,
	}, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) col(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

// Transaction runs fn inside a snapshot-isolated multi-document transaction.
// Every operation issued with the callback's context joins the transaction;
// a write conflict aborts the whole callback and the driver retries
// transient transaction errors from scratch. Business-rule errors returned
// by fn abort with no partial effect.
func (m *MongoDB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongodb session: %w", err)
	}
	defer session.EndSession(ctx)

	txOptions := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, txOptions)
	return err
}

func (m *MongoDB) findError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	return fmt.Errorf("mongodb find: %w", err)
}

// GetUser loads a user document, or nil when the account has no document
// yet (a fresh install may claim a code before anything else is written).
func (m *MongoDB) GetUser(ctx context.Context, userID string) (*entity.User, error) {
	var user entity.User
	err := m.col(collectionUsers).FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, m.findError(err)
	}
	return &user, nil
}

// GetUserByToken resolves an API bearer token to its account.
func (m *MongoDB) GetUserByToken(ctx context.Context, token string) (*entity.User, error) {
	var user entity.User
	err := m.col(collectionUsers).FindOne(ctx, bson.D{{Key: "token", Value: token}}).Decode(&user)
	if err != nil {
		return nil, fmt.Errorf("mongodb find user by token: %w", err)
	}
	return &user, nil
}

func (m *MongoDB) GetReferralCode(ctx context.Context, code string) (*entity.ReferralCode, error) {
	var rc entity.ReferralCode
	err := m.col(collectionReferralCodes).FindOne(ctx, bson.D{{Key: "_id", Value: code}}).Decode(&rc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, m.findError(err)
	}
	return &rc, nil
}

func (m *MongoDB) GetAffiliateLink(ctx context.Context, token string) (*entity.AffiliateLink, error) {
	var link entity.AffiliateLink
	err := m.col(collectionAffiliateLinks).FindOne(ctx, bson.D{{Key: "_id", Value: token}}).Decode(&link)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, m.findError(err)
	}
	return &link, nil
}

// SetUserClaim binds a referral code to the user. Upsert, because the claim
// may be the first write the account ever sees.
func (m *MongoDB) SetUserClaim(ctx context.Context, userID, code, source string, at time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "referralCode", Value: code},
		{Key: "referralCodeClaimedAt", Value: at},
		{Key: "referralSource", Value: source},
	}}}
	opts := options.Update().SetUpsert(true)
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update, opts)
	return err
}

// MarkCodeUsed records a successful claim on the code document and clears
// any pending device bookkeeping that pointed at it.
func (m *MongoDB) MarkCodeUsed(ctx context.Context, code, userID string, at time.Time) error {
	update := bson.D{
		{Key: "$addToSet", Value: bson.D{{Key: "usedBy", Value: userID}}},
		{Key: "$set", Value: bson.D{{Key: "lastUsedAt", Value: at}}},
		{Key: "$unset", Value: bson.D{{Key: "pendingDeviceKeys", Value: ""}}},
	}
	_, err := m.col(collectionReferralCodes).UpdateByID(ctx, code, update)
	return err
}

// ClearCodePending drops pending device bookkeeping from a code without
// touching usage fields. Used by the idempotent re-claim branch.
func (m *MongoDB) ClearCodePending(ctx context.Context, code string) error {
	update := bson.D{{Key: "$unset", Value: bson.D{{Key: "pendingDeviceKeys", Value: ""}}}}
	_, err := m.col(collectionReferralCodes).UpdateByID(ctx, code, update)
	return err
}

// ClaimLink marks an affiliate link claimed. claimedBy is written exactly
// once; callers guarantee the link was unclaimed inside the same
// transaction.
func (m *MongoDB) ClaimLink(ctx context.Context, token, userID string, at time.Time) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "claimed", Value: true},
			{Key: "claimedBy", Value: userID},
			{Key: "claimedAt", Value: at},
		}},
		{Key: "$unset", Value: bson.D{{Key: "pendingDeviceKeys", Value: ""}}},
	}
	_, err := m.col(collectionAffiliateLinks).UpdateByID(ctx, token, update)
	return err
}

// GrantAffiliatePremium writes the non-expiring affiliate entitlement onto
// the user.
func (m *MongoDB) GrantAffiliatePremium(ctx context.Context, userID, token string, status entity.SubscriptionStatus, at time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "affiliateGrantedPremium", Value: true},
		{Key: "affiliateLinkToken", Value: token},
		{Key: "affiliateLinkClaimedAt", Value: at},
		{Key: "subscriptionStatus", Value: status},
	}}}
	opts := options.Update().SetUpsert(true)
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update, opts)
	return err
}

// FindLinkClaimedBy returns the affiliate link this user claimed, if any.
func (m *MongoDB) FindLinkClaimedBy(ctx context.Context, userID string) (*entity.AffiliateLink, error) {
	filter := bson.D{{Key: "claimed", Value: true}, {Key: "claimedBy", Value: userID}}
	var link entity.AffiliateLink
	err := m.col(collectionAffiliateLinks).FindOne(ctx, filter).Decode(&link)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, m.findError(err)
	}
	return &link, nil
}

func (m *MongoDB) SetLinkStripeAccount(ctx context.Context, token, accountID string) error {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "stripeAccountID", Value: accountID}}}}
	_, err := m.col(collectionAffiliateLinks).UpdateByID(ctx, token, update)
	return err
}

// FindUsersByOriginalTransaction is the cross-account collision query. It
// cannot run inside a transaction, which is why the attributor performs it
// as a separate precondition-check phase.
func (m *MongoDB) FindUsersByOriginalTransaction(ctx context.Context, originalTransactionID string) ([]*entity.User, error) {
	filter := bson.D{{Key: "subscriptionStatus.originalTransactionID", Value: originalTransactionID}}
	cursor, err := m.col(collectionUsers).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find by transaction: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*entity.User
	if err = cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("mongodb decode users: %w", err)
	}
	return users, nil
}

// RecordPurchase stamps the attribution fields and the optimistic
// subscription status on the user.
func (m *MongoDB) RecordPurchase(ctx context.Context, userID, productID string, status entity.SubscriptionStatus, at time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "referralCodeUsedForPurchase", Value: true},
		{Key: "referralPurchaseDate", Value: at},
		{Key: "referralPurchaseProductID", Value: productID},
		{Key: "subscriptionStatus", Value: status},
	}}}
	opts := options.Update().SetUpsert(true)
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update, opts)
	return err
}

// ApplyMembership applies one accumulated set of unions and removals to a
// referral code document as a single write. Safe to repeat.
func (m *MongoDB) ApplyMembership(ctx context.Context, mu *entity.MembershipUpdate, at time.Time) error {
	if mu.Empty() {
		return nil
	}

	var update bson.D

	adds := bson.D{}
	for field, ids := range mu.Adds() {
		if len(ids) > 0 {
			adds = append(adds, bson.E{Key: field, Value: bson.D{{Key: "$each", Value: ids}}})
		}
	}
	if len(adds) > 0 {
		update = append(update, bson.E{Key: "$addToSet", Value: adds})
	}

	pulls := bson.D{}
	for field, ids := range mu.Pulls() {
		if len(ids) > 0 {
			pulls = append(pulls, bson.E{Key: field, Value: bson.D{{Key: "$in", Value: ids}}})
		}
	}
	if len(pulls) > 0 {
		update = append(update, bson.E{Key: "$pull", Value: pulls})
	}

	stamps := bson.D{}
	if mu.StampLastPurchase {
		stamps = append(stamps, bson.E{Key: "lastPurchaseAt", Value: at})
	}
	if mu.StampLastValidation {
		stamps = append(stamps, bson.E{Key: "lastValidationAt", Value: at})
	}
	if len(stamps) > 0 {
		update = append(update, bson.E{Key: "$set", Value: stamps})
	}

	_, err := m.col(collectionReferralCodes).UpdateByID(ctx, mu.Code, update)
	return err
}

// SetSubscriptionStatus overwrites the user's subscription state with an
// authoritative tuple. Idempotent field overwrite, never an increment.
func (m *MongoDB) SetSubscriptionStatus(ctx context.Context, userID string, status entity.SubscriptionStatus) error {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "subscriptionStatus", Value: status}}}}
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update)
	return err
}

// UpdateTrackedProduct moves the user's tracked attribution product after a
// tier change observed during reconciliation.
func (m *MongoDB) UpdateTrackedProduct(ctx context.Context, userID, productID string, at time.Time) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "referralPurchaseProductID", Value: productID},
		{Key: "referralPurchaseDate", Value: at},
	}}}
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update)
	return err
}

// ClearValidationFailure removes the sweep failure bookkeeping after a
// successful validation.
func (m *MongoDB) ClearValidationFailure(ctx context.Context, userID string) error {
	update := bson.D{{Key: "$unset", Value: bson.D{
		{Key: "subscriptionStatus.lastValidationError", Value: ""},
		{Key: "subscriptionStatus.lastValidationErrorAt", Value: ""},
		{Key: "subscriptionStatus.validationFailureCount", Value: ""},
	}}}
	_, err := m.col(collectionUsers).UpdateByID(ctx, userID, update)
	return err
}

// RecordValidationFailure stamps the failure on the user and appends an
// audit entry. The counter is the one deliberate increment in this store:
// it tracks consecutive failures, not a contended aggregate.
func (m *MongoDB) RecordValidationFailure(ctx context.Context, failure entity.ValidationFailure) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "subscriptionStatus.lastValidationError", Value: failure.ErrorMessage},
			{Key: "subscriptionStatus.lastValidationErrorAt", Value: failure.Timestamp},
		}},
		{Key: "$inc", Value: bson.D{{Key: "subscriptionStatus.validationFailureCount", Value: 1}}},
	}
	if _, err := m.col(collectionUsers).UpdateByID(ctx, failure.UserID, update); err != nil {
		return err
	}
	_, err := m.col(collectionValidationFailures).InsertOne(ctx, failure)
	return err
}

// AllReferralCodes enumerates every code document for the validation sweep.
func (m *MongoDB) AllReferralCodes(ctx context.Context) ([]*entity.ReferralCode, error) {
	cursor, err := m.col(collectionReferralCodes).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongodb find codes: %w", err)
	}
	defer cursor.Close(ctx)

	var codes []*entity.ReferralCode
	if err = cursor.All(ctx, &codes); err != nil {
		return nil, fmt.Errorf("mongodb decode codes: %w", err)
	}
	return codes, nil
}

func (m *MongoDB) SaveValidationRun(ctx context.Context, run *entity.ValidationRun) error {
	_, err := m.col(collectionValidationRuns).InsertOne(ctx, run)
	return err
}

func (m *MongoDB) SaveValidationAlert(ctx context.Context, alert *entity.ValidationAlert) error {
	_, err := m.col(collectionValidationAlerts).InsertOne(ctx, alert)
	return err
}

// SavePendingClaim parks a landing-page drop for a device. Repeat visits
// from the same device overwrite the previous drop.
func (m *MongoDB) SavePendingClaim(ctx context.Context, pc *entity.PendingClaim) error {
	filter := bson.D{{Key: "_id", Value: pc.DeviceKey}}
	opts := options.Replace().SetUpsert(true)
	_, err := m.col(collectionPendingClaims).ReplaceOne(ctx, filter, pc, opts)
	return err
}

func (m *MongoDB) GetPendingClaim(ctx context.Context, deviceKey string) (*entity.PendingClaim, error) {
	var pc entity.PendingClaim
	err := m.col(collectionPendingClaims).FindOne(ctx, bson.D{{Key: "_id", Value: deviceKey}}).Decode(&pc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, m.findError(err)
	}
	return &pc, nil
}

func (m *MongoDB) MarkPendingClaimed(ctx context.Context, deviceKey string) error {
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "claimed", Value: true}}}}
	_, err := m.col(collectionPendingClaims).UpdateByID(ctx, deviceKey, update)
	return err
}

func (m *MongoDB) DeletePendingClaim(ctx context.Context, deviceKey string) error {
	_, err := m.col(collectionPendingClaims).DeleteOne(ctx, bson.D{{Key: "_id", Value: deviceKey}})
	return err
}
