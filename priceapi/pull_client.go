package priceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openenergy/tariffsync/errkind"
)

const (
	pullTimeout   = 30 * time.Second
	maxRetries    = 3
	backoffBase   = 2 * time.Second
)

// PullClient is the REST price producer (spec.md §4.1 "Pull producer").
type PullClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewPullClient builds a client bound to baseURL (no trailing slash),
// authenticating with a bearer token.
func NewPullClient(baseURL, token string) *PullClient {
	return &PullClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: pullTimeout},
	}
}

// ListSites returns the account's sites.
func (c *PullClient) ListSites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.getJSON(ctx, "/sites", &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// GetCurrentPrices returns both channels at CurrentInterval kind.
func (c *PullClient) GetCurrentPrices(ctx context.Context, siteID string) ([]PriceInterval, error) {
	var entries []wirePriceEntry
	path := fmt.Sprintf("/sites/%s/prices/current", siteID)
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return nil, err
	}
	return decodeEntries(entries), nil
}

// GetForecast returns the union of Actual/Current/Forecast intervals over
// the requested window at the requested resolution.
func (c *PullClient) GetForecast(ctx context.Context, siteID string, startDate, endDate time.Time, resolutionMinutes int) ([]PriceInterval, error) {
	path := fmt.Sprintf("/sites/%s/prices?startDate=%s&endDate=%s&resolution=%d",
		siteID, startDate.Format("2006-01-02"), endDate.Format("2006-01-02"), resolutionMinutes)
	var entries []wirePriceEntry
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return nil, err
	}
	return decodeEntries(entries), nil
}

func decodeEntries(entries []wirePriceEntry) []PriceInterval {
	out := make([]PriceInterval, 0, len(entries))
	for _, e := range entries {
		nemTime, err := time.Parse(time.RFC3339, e.NemTime)
		if err != nil {
			continue
		}
		iv := PriceInterval{
			NemTime:       nemTime,
			Duration:      time.Duration(e.Duration) * time.Minute,
			ChannelType:   ChannelType(e.ChannelType),
			Kind:          IntervalKind(e.Type),
			PerKwh:        e.PerKwh,
			AdvancedPrice: e.AdvancedPrice,
		}.NormalizeSign()
		out = append(out, iv)
	}
	return out
}

// getJSON performs a GET with the retry policy of spec.md §4.1: exponential
// backoff (2s, 4s, 8s) for transient classes, no retry for other 4xx,
// three retries by default.
func (c *PullClient) getJSON(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	backoff := backoffBase
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.doGet(ctx, path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errkind.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("priceapi: exhausted retries for %s: %w", path, lastErr)
}

func (c *PullClient) doGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("priceapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("priceapi: request %s: %w", path, errkind.ErrTransientHTTP)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("priceapi: read body: %w", errkind.ErrParseError)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("priceapi: decode %s: %w", path, errkind.ErrParseError)
		}
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("priceapi: %s status %d: %w", path, resp.StatusCode, errkind.ErrTransientHTTP)
	case resp.StatusCode == http.StatusBadGateway, resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("priceapi: %s status %d: %w", path, resp.StatusCode, errkind.ErrTransientHTTP)
	case resp.StatusCode >= 400:
		return fmt.Errorf("priceapi: %s status %d: %w", path, resp.StatusCode, errkind.ErrClientError)
	default:
		return fmt.Errorf("priceapi: %s unexpected status %d", path, resp.StatusCode)
	}
}
