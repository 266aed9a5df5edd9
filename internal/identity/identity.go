// Package identity asks the account service whether a user still exists.
// The attributor uses the answer to tell an orphaned account apart from an
// active cross-account collision, and fails closed on anything ambiguous.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"refsync/internal/config"
	"refsync/lib/sl"
)

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	log     *slog.Logger
}

func New(conf *config.Config, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: conf.Identity.BaseURL,
		apiKey:  conf.Identity.APIKey,
		log:     logger.With(sl.Module("identity")),
	}
}

// UserExists reports whether the account is known to the identity service.
// A definitive not-found is (false, nil); any other failure is an error so
// the caller can refuse to act on uncertain information.
func (c *Client) UserExists(ctx context.Context, userID string) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("identity service not configured")
	}

	url := fmt.Sprintf("%s/v1/accounts/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("identity lookup: unexpected status %d", resp.StatusCode)
	}
}
