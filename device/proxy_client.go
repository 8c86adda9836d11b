package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/openenergy/tariffsync/errkind"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
)

// ProxyClient is the proxy-service backend (e.g. a managed API gateway in
// front of the vendor API): same surface as DirectClient but with a
// static API key and no token refresh, grounded on the original
// TeslemetryAPIClient.
type ProxyClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *log.Logger
}

// NewProxyClient builds a client against baseURL, authenticated with a
// static bearer API key.
func NewProxyClient(baseURL, apiKey string, logger *log.Logger) *ProxyClient {
	if logger == nil {
		logger = log.Default()
	}
	return &ProxyClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{}, logger: logger}
}

func (c *ProxyClient) do(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("device: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("device: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("device: request %s %s: %w", method, path, errkind.ErrTransientHTTP)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("device: read body: %w", errkind.ErrParseError)
	}
	return resp, raw, nil
}

func (c *ProxyClient) TestConnection(ctx context.Context) Result {
	resp, raw, err := c.do(ctx, http.MethodGet, "/api/1/products", nil, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *ProxyClient) ListEnergySites(ctx context.Context) ([]string, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, "/api/1/products", nil, lightTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device: list sites status %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response []map[string]interface{} `json:"response"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("device: decode products: %w", errkind.ErrParseError)
	}
	var sites []string
	for _, p := range data.Response {
		if id, ok := p["energy_site_id"]; ok {
			sites = append(sites, fmt.Sprintf("%v", id))
		}
	}
	return sites, nil
}

func (c *ProxyClient) GetSiteStatus(ctx context.Context, siteID string) (SiteStatus, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/live_status", siteID), nil, lightTimeout)
	if err != nil {
		return SiteStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return SiteStatus{}, fmt.Errorf("device: site status %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			SolarPower   float64 `json:"solar_power"`
			BatteryPower float64 `json:"battery_power"`
			LoadPower    float64 `json:"load_power"`
			GridPower    float64 `json:"grid_status_power"`
			Percentage   float64 `json:"percentage_charged"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return SiteStatus{}, fmt.Errorf("device: decode site status: %w", errkind.ErrParseError)
	}
	return SiteStatus{
		SolarPowerW:   data.Response.SolarPower,
		BatteryPowerW: data.Response.BatteryPower,
		LoadPowerW:    data.Response.LoadPower,
		GridPowerW:    data.Response.GridPower,
		BatterySOC:    data.Response.Percentage,
	}, nil
}

func (c *ProxyClient) GetSiteInfo(ctx context.Context, siteID string) (SiteInfo, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
	if err != nil {
		return SiteInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return SiteInfo{}, fmt.Errorf("device: site info %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			InstallationTimeZone        string  `json:"installation_time_zone"`
			CustomerPreferredExportRule *string `json:"customer_preferred_export_rule"`
			Components                  struct {
				NonExportConfigured *bool `json:"non_export_configured"`
			} `json:"components"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return SiteInfo{}, fmt.Errorf("device: decode site info: %w", errkind.ErrParseError)
	}
	info := SiteInfo{
		InstallationTimeZone: data.Response.InstallationTimeZone,
		NonExportConfigured:  data.Response.Components.NonExportConfigured,
	}
	if data.Response.CustomerPreferredExportRule != nil {
		rule := policy.ExportRule(*data.Response.CustomerPreferredExportRule)
		info.PreferredExportRule = &rule
	}
	return info, nil
}

func (c *ProxyClient) GetCurrentTariff(ctx context.Context, siteID string) (*tariff.TariffDocument, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device: site info %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			TOUSettings struct {
				TariffContentV2 json.RawMessage `json:"tariff_content_v2"`
			} `json:"tou_settings"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("device: decode site info: %w", errkind.ErrParseError)
	}
	if len(data.Response.TOUSettings.TariffContentV2) == 0 {
		return nil, fmt.Errorf("device: site %s has no tariff_content_v2 set", siteID)
	}
	var doc tariff.TariffDocument
	if err := json.Unmarshal(data.Response.TOUSettings.TariffContentV2, &doc); err != nil {
		return nil, fmt.Errorf("device: decode tariff_content_v2: %w", errkind.ErrParseError)
	}
	return &doc, nil
}

func (c *ProxyClient) SetTariff(ctx context.Context, siteID string, doc *tariff.TariffDocument) Result {
	body := map[string]interface{}{"tou_settings": map[string]interface{}{"tariff_content_v2": doc}}
	resp, raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/time_of_use_settings", siteID), body, writeTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *ProxyClient) SetOperationMode(ctx context.Context, siteID string, mode policy.OperationMode) Result {
	body := map[string]interface{}{"default_real_mode": string(mode)}
	resp, raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/operation", siteID), body, writeTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *ProxyClient) GetOperationMode(ctx context.Context, siteID string) (policy.OperationMode, error) {
	resp, raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device: get operation mode %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			DefaultRealMode string `json:"default_real_mode"`
		} `json:"response"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("device: decode operation mode: %w", errkind.ErrParseError)
	}
	return policy.OperationMode(data.Response.DefaultRealMode), nil
}

func (c *ProxyClient) GetGridExportRule(ctx context.Context, siteID string, cachedFallback policy.ExportRule) (policy.ExportRule, error) {
	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return cachedFallback, err
	}
	return DeriveExportRule(info, cachedFallback), nil
}

func (c *ProxyClient) SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) Result {
	body := map[string]interface{}{"customer_preferred_export_rule": string(rule)}
	resp, raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/grid_import_export", siteID), body, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *ProxyClient) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) Result {
	body := map[string]interface{}{"disallow_charge_from_grid_with_solar_installed": !enabled}
	resp, raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/grid_import_export", siteID), body, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

var _ Controller = (*ProxyClient)(nil)
