// Package appstore talks to the App Store Server API and verifies signed
// payloads from App Store Server Notifications. It is the authoritative
// subscription-status provider for the reconciler and the sweep.
package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"refsync/entity"
	"refsync/internal/config"
	"refsync/lib/retry"
	"refsync/lib/sl"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	tokenAudience = "appstoreconnect-v1"
	tokenLifetime = 20 * time.Minute

	statusActive = 1
)

type Client struct {
	http     *http.Client
	key      *ecdsa.PrivateKey
	keyID    string
	issuerID string
	bundleID string
	verifier *Verifier
	log      *slog.Logger
}

func NewClient(conf *config.Config, verifier *Verifier, logger *slog.Logger) (*Client, error) {
	keyData, err := os.ReadFile(conf.AppStore.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		key:      key,
		keyID:    conf.AppStore.KeyID,
		issuerID: conf.AppStore.IssuerID,
		bundleID: conf.AppStore.BundleID,
		verifier: verifier,
		log:      logger.With(sl.Module("appstore")),
	}, nil
}

func parsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}
	return key, nil
}

// token mints a short-lived ES256 bearer token for the App Store Server
// API.
func (c *Client) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"aud": tokenAudience,
		"bid": c.bundleID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = c.keyID
	return t.SignedString(c.key)
}

func baseURL(environment string) string {
	if environment == entity.EnvSandbox {
		return sandboxBaseURL
	}
	return productionBaseURL
}

type statusResponse struct {
	Data []struct {
		LastTransactions []struct {
			OriginalTransactionID string `json:"originalTransactionId"`
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
			SignedRenewalInfo     string `json:"signedRenewalInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// GetStatus fetches all subscription statuses for a transaction and
// resolves the entry matching the requested ID into an authoritative truth
// tuple. Returns (nil, nil) when the provider has no record.
func (c *Client) GetStatus(ctx context.Context, originalTransactionID, environment string) (*entity.SubscriptionTruth, error) {
	bearer, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("mint api token: %w", err)
	}

	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", baseURL(environment), originalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscription status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &retry.CodedError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("subscription status request failed: %s", string(body)),
		}
	}

	var status statusResponse
	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	for _, group := range status.Data {
		for _, last := range group.LastTransactions {
			if last.OriginalTransactionID != originalTransactionID {
				continue
			}
			return c.resolveTruth(originalTransactionID, last.Status, last.SignedTransactionInfo, last.SignedRenewalInfo)
		}
	}

	c.log.Warn("no matching transaction in status response",
		slog.String("original_transaction_id", originalTransactionID))
	return nil, nil
}

// resolveTruth decodes the matched transaction's signed payloads into a
// truth tuple.
func (c *Client) resolveTruth(originalTransactionID string, status int, signedTransaction, signedRenewal string) (*entity.SubscriptionTruth, error) {
	if signedTransaction == "" {
		return nil, nil
	}
	tx, err := c.verifier.DecodeTransaction(signedTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode transaction info: %w", err)
	}

	truth := &entity.SubscriptionTruth{
		OriginalTransactionID: originalTransactionID,
		TransactionID:         tx.TransactionID,
		ProductID:             tx.ProductID,
		IsActive:              status == statusActive,
		Environment:           normalizeEnvironment(tx.Environment),
	}
	if tx.ExpiresDate > 0 {
		expires := time.UnixMilli(tx.ExpiresDate).UTC()
		truth.ExpiresAt = &expires
	}

	if signedRenewal != "" {
		renewal, err := c.verifier.DecodeRenewal(signedRenewal)
		if err != nil {
			c.log.Warn("could not decode renewal info", sl.Err(err))
		} else {
			truth.AutoRenews = renewal.AutoRenewStatus == 1
		}
	}
	return truth, nil
}

func normalizeEnvironment(env string) string {
	if env == entity.EnvSandbox {
		return entity.EnvSandbox
	}
	return entity.EnvProduction
}
