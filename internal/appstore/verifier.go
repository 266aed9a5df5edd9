package appstore

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"refsync/entity"
	"refsync/internal/config"
	"refsync/lib/sl"
)

// Verifier checks the x5c certificate chain on signed App Store payloads
// against the Apple root pool and decodes the claims. Without a configured
// root pool it falls back to unverified decoding, which is acceptable only
// in local development.
type Verifier struct {
	roots *x509.CertPool
	log   *slog.Logger
}

func NewVerifier(conf *config.Config, logger *slog.Logger) (*Verifier, error) {
	v := &Verifier{log: logger.With(sl.Module("appstore.verifier"))}
	if conf.AppStore.RootCertPath == "" {
		v.log.Warn("no root certificate configured, signed payloads are decoded unverified")
		return v, nil
	}

	data, err := os.ReadFile(conf.AppStore.RootCertPath)
	if err != nil {
		return nil, fmt.Errorf("read root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		// Apple ships the root as raw DER.
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("parse root certificate: %w", err)
		}
		pool.AddCert(cert)
	}
	v.roots = pool
	return v, nil
}

type TransactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	ExpiresDate           int64  `json:"expiresDate"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

type RenewalClaims struct {
	AutoRenewStatus  int    `json:"autoRenewStatus"`
	AutoRenewProduct string `json:"autoRenewProductId"`
	Environment      string `json:"environment"`
	jwt.RegisteredClaims
}

type NotificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	Data             struct {
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
	Summary struct {
		OriginalTransactionID string `json:"originalTransactionId"`
	} `json:"summary"`
	jwt.RegisteredClaims
}

// Notification is a decoded, verified App Store Server Notification. Truth
// is nil when the payload carried no transaction info.
type Notification struct {
	Type                  string
	Subtype               string
	Environment           string
	OriginalTransactionID string
	Truth                 *entity.SubscriptionTruth
}

func (v *Verifier) DecodeTransaction(signed string) (*TransactionClaims, error) {
	claims := &TransactionClaims{}
	if err := v.decode(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) DecodeRenewal(signed string) (*RenewalClaims, error) {
	claims := &RenewalClaims{}
	if err := v.decode(signed, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeNotification verifies and flattens a signedPayload into the
// status tuple the reconciler consumes.
func (v *Verifier) DecodeNotification(signedPayload string) (*Notification, error) {
	claims := &NotificationClaims{}
	if err := v.decode(signedPayload, claims); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}

	n := &Notification{
		Type:                  claims.NotificationType,
		Subtype:               claims.Subtype,
		Environment:           normalizeEnvironment(claims.Data.Environment),
		OriginalTransactionID: claims.Summary.OriginalTransactionID,
	}

	if claims.Data.SignedTransactionInfo != "" {
		tx, err := v.DecodeTransaction(claims.Data.SignedTransactionInfo)
		if err != nil {
			return nil, fmt.Errorf("decode transaction info: %w", err)
		}
		if n.OriginalTransactionID == "" {
			n.OriginalTransactionID = tx.OriginalTransactionID
			if n.OriginalTransactionID == "" {
				n.OriginalTransactionID = tx.TransactionID
			}
		}
		truth := &entity.SubscriptionTruth{
			OriginalTransactionID: n.OriginalTransactionID,
			TransactionID:         tx.TransactionID,
			ProductID:             tx.ProductID,
			IsActive:              true,
			Environment:           normalizeEnvironment(tx.Environment),
		}
		if tx.ExpiresDate > 0 {
			expires := time.UnixMilli(tx.ExpiresDate).UTC()
			truth.ExpiresAt = &expires
			truth.IsActive = expires.After(time.Now())
		}
		if claims.Data.SignedRenewalInfo != "" {
			if renewal, err := v.DecodeRenewal(claims.Data.SignedRenewalInfo); err == nil {
				truth.AutoRenews = renewal.AutoRenewStatus == 1
			} else {
				v.log.Warn("could not decode renewal info", sl.Err(err))
			}
		}
		n.Truth = truth
	}

	if n.OriginalTransactionID == "" {
		return nil, fmt.Errorf("notification carries no original transaction id")
	}
	return n, nil
}

// decode parses a JWS, verifying its x5c chain when a root pool is
// configured. Apple signs with ES256; expiry claims are absent on these
// payloads, so only the signature and chain are checked.
func (v *Verifier) decode(signed string, claims jwt.Claims) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	if v.roots == nil {
		_, _, err := parser.ParseUnverified(signed, claims)
		return err
	}

	_, err := parser.ParseWithClaims(signed, claims, func(token *jwt.Token) (interface{}, error) {
		chain, err := certificateChain(token)
		if err != nil {
			return nil, err
		}
		if err = v.verifyChain(chain); err != nil {
			return nil, err
		}
		return chain[0].PublicKey, nil
	})
	return err
}

// certificateChain extracts the x5c header: leaf first, then
// intermediates.
func certificateChain(token *jwt.Token) ([]*x509.Certificate, error) {
	raw, ok := token.Header["x5c"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("missing x5c header")
	}
	chain := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("malformed x5c entry")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func (v *Verifier) verifyChain(chain []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
	})
	if err != nil {
		return fmt.Errorf("certificate chain: %w", err)
	}
	return nil
}
