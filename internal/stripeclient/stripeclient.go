// Package stripeclient handles the Stripe Connect side of the affiliate
// program: creating Express accounts for link owners and minting onboarding
// and dashboard URLs. Thin pass-through over the Stripe API; payout logic
// lives entirely on Stripe's side.
package stripeclient

import (
	"context"
	"log/slog"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"refsync/entity"
	"refsync/internal/config"
	"refsync/lib/sl"
)

type Database interface {
	GetAffiliateLink(ctx context.Context, token string) (*entity.AffiliateLink, error)
	SetLinkStripeAccount(ctx context.Context, token, accountID string) error
}

type StripeClient struct {
	sc         *client.API
	db         Database
	refreshURL string
	returnURL  string
	log        *slog.Logger
}

func New(conf *config.Config, logger *slog.Logger) *StripeClient {
	sc := &client.API{}
	sc.Init(conf.Stripe.APIKey, nil)
	return &StripeClient{
		sc:         sc,
		refreshURL: conf.Stripe.RefreshURL,
		returnURL:  conf.Stripe.ReturnURL,
		log:        logger.With(sl.Module("stripe")),
	}
}

func (s *StripeClient) SetDatabase(db Database) {
	s.db = db
}

// OnboardingLink returns a fresh account-link URL for the affiliate behind
// the token, creating the Express account on first use. Account links
// expire quickly, so a new one is minted on every call.
func (s *StripeClient) OnboardingLink(ctx context.Context, token string) (string, error) {
	link, err := s.db.GetAffiliateLink(ctx, token)
	if err != nil {
		return "", err
	}
	if link == nil {
		return "", entity.NotFound("affiliate link not found")
	}

	accountID := link.StripeAccountID
	if accountID == "" {
		params := &stripe.AccountParams{
			Type: stripe.String(string(stripe.AccountTypeExpress)),
		}
		params.Context = ctx
		params.AddMetadata("affiliate_link", token)
		account, err := s.sc.Accounts.New(params)
		if err != nil {
			return "", s.parseErr(err)
		}
		accountID = account.ID
		if err = s.db.SetLinkStripeAccount(ctx, token, accountID); err != nil {
			return "", err
		}
		s.log.Info("created affiliate express account",
			sl.Secret("token", token),
			slog.String("account_id", accountID),
		)
	}

	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(s.refreshURL),
		ReturnURL:  stripe.String(s.returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	accountLink, err := s.sc.AccountLinks.New(params)
	if err != nil {
		return "", s.parseErr(err)
	}
	return accountLink.URL, nil
}

// DashboardLink returns an Express dashboard login URL for an onboarded
// affiliate.
func (s *StripeClient) DashboardLink(ctx context.Context, token string) (string, error) {
	link, err := s.db.GetAffiliateLink(ctx, token)
	if err != nil {
		return "", err
	}
	if link == nil {
		return "", entity.NotFound("affiliate link not found")
	}
	if link.StripeAccountID == "" {
		return "", entity.FailedPrecondition("affiliate has not completed onboarding")
	}

	params := &stripe.LoginLinkParams{
		Account: stripe.String(link.StripeAccountID),
	}
	params.Context = ctx
	loginLink, err := s.sc.LoginLinks.New(params)
	if err != nil {
		return "", s.parseErr(err)
	}
	return loginLink.URL, nil
}
