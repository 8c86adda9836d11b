// Package wholesale implements the public NEM wholesale summary and
// pre-dispatch forecast client (ambient detail of C1, spec.md §4.1/§4.10),
// grounded on entsoe/api_client.go's GET+timeout+decode shape.
package wholesale

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	summaryTimeout    = 15 * time.Second
	predispatchTimeout = 15 * time.Second

	defaultSummaryURL     = "https://visualisations.aemo.com.au/aemo/apps/api/report/ELEC_NEM_SUMMARY"
	defaultPredispatchDir = "https://nemweb.com.au/Reports/Current/Predispatch_Reports/"
)

// RegionSummary is the {price, status, timestamp} summary for one NEM
// region (spec.md §6).
type RegionSummary struct {
	Region      string
	PriceMWh    float64
	PriceStatus string
	Timestamp   time.Time
}

// Client is the public, unauthenticated wholesale data client.
type Client struct {
	summaryURL     string
	predispatchDir string
	http           *http.Client
	predispatch    predispatchCache
}

// NewClient builds a client against the default AEMO endpoints. Callers
// in other NEM-adjacent markets can override the URLs via NewClientWithURLs.
func NewClient() *Client {
	return NewClientWithURLs(defaultSummaryURL, defaultPredispatchDir)
}

// NewClientWithURLs builds a client against custom endpoints (used by tests).
func NewClientWithURLs(summaryURL, predispatchDir string) *Client {
	return &Client{
		summaryURL:     summaryURL,
		predispatchDir: predispatchDir,
		http:           &http.Client{Timeout: summaryTimeout},
	}
}

type summaryEnvelope struct {
	ElecNEMSummary []summaryRow `json:"ELEC_NEM_SUMMARY"`
}

type summaryRow struct {
	RegionID      string  `json:"REGIONID"`
	Price         float64 `json:"PRICE,string"`
	PriceStatus   string  `json:"PRICE_STATUS"`
	TotalDemand   float64 `json:"TOTALDEMAND,string"`
	SettlementDate string `json:"SETTLEMENTDATE"`
}

// GetRegionSummary fetches the current dispatch price for region (e.g.
// "NSW1", "QLD1"), with no authentication and a 15s timeout.
func (c *Client) GetRegionSummary(ctx context.Context, region string) (RegionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.summaryURL, nil)
	if err != nil {
		return RegionSummary{}, fmt.Errorf("wholesale: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return RegionSummary{}, fmt.Errorf("wholesale: request summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RegionSummary{}, fmt.Errorf("wholesale: summary status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RegionSummary{}, fmt.Errorf("wholesale: read summary body: %w", err)
	}

	var env summaryEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return RegionSummary{}, fmt.Errorf("wholesale: decode summary: %w", err)
	}

	for _, row := range env.ElecNEMSummary {
		if row.RegionID != region {
			continue
		}
		ts, _ := time.Parse("2006-01-02T15:04:05", row.SettlementDate)
		return RegionSummary{
			Region:      row.RegionID,
			PriceMWh:    row.Price,
			PriceStatus: row.PriceStatus,
			Timestamp:   ts,
		}, nil
	}
	return RegionSummary{}, fmt.Errorf("wholesale: region %s not found in summary", region)
}
