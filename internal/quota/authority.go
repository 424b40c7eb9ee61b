package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/vastrel/credpool/internal/config"
)

// Usage is the authoritative figure for one account, independent of the
// local sliding-window approximation.
type Usage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// UsageAuthority is the system of record for billing-grade quota.
type UsageAuthority interface {
	FetchUsage(ctx context.Context, externalID, window string) (Usage, error)
}

// AdminAPIClient fetches authoritative usage from the upstream admin API.
// A client-side rate limiter keeps reconciliation sweeps polite.
type AdminAPIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewAdminAPIClient(cfg config.AuthorityConfig) *AdminAPIClient {
	return &AdminAPIClient{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

func (c *AdminAPIClient) FetchUsage(ctx context.Context, externalID, window string) (Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Usage{}, err
	}

	endpoint := fmt.Sprintf("%s/v1/usage/%s?window=%s", c.baseURL, url.PathEscape(externalID), url.QueryEscape(window))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("usage authority returned status %d", resp.StatusCode)
	}

	var usage Usage
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		return Usage{}, fmt.Errorf("failed to decode usage response: %w", err)
	}

	return usage, nil
}
