package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/openenergy/tariffsync/errkind"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
)

const (
	lightTimeout = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// TokenRefreshFunc persists newly-issued tokens; a function-valued field
// rather than inherited behavior (spec.md §9 "Multiple device backends
// via an abstract class").
type TokenRefreshFunc func(accessToken, refreshToken string, expiresIn int)

// DirectClient is the vendor-direct backend, with OAuth token refresh on
// 401, grounded on the original FleetAPIClient.
type DirectClient struct {
	baseURL      string
	authURL      string
	tokenURL     string
	clientID     string
	clientSecret string

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	onRefresh    TokenRefreshFunc

	http   *http.Client
	logger *log.Logger
}

// NewDirectClient builds a client against the given base/token URLs.
func NewDirectClient(baseURL, authURL, tokenURL, accessToken, refreshToken, clientID, clientSecret string, onRefresh TokenRefreshFunc, logger *log.Logger) *DirectClient {
	if logger == nil {
		logger = log.Default()
	}
	return &DirectClient{
		baseURL:      baseURL,
		authURL:      authURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		onRefresh:    onRefresh,
		http:         &http.Client{},
		logger:       logger,
	}
}

// refreshAccessToken implements spec.md §4.2's token refresh: POST the
// refresh grant, update in-memory tokens, invoke the persistence callback.
// Serialized per client with a mutex to prevent concurrent refresh storms
// (spec.md §5).
func (c *DirectClient) refreshAccessToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refreshToken == "" {
		return fmt.Errorf("device: no refresh token available: %w", errkind.ErrAuthExpired)
	}
	if c.clientID == "" {
		return fmt.Errorf("device: no client id configured for refresh: %w", errkind.ErrAuthExpired)
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     c.clientID,
		"refresh_token": c.refreshToken,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("device: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device: refresh request: %w", errkind.ErrTransientHTTP)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device: refresh failed with status %d: %w", resp.StatusCode, errkind.ErrAuthExpired)
	}

	var data struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("device: decode refresh response: %w", errkind.ErrParseError)
	}

	c.accessToken = data.AccessToken
	if data.RefreshToken != "" {
		c.refreshToken = data.RefreshToken
	}
	expiresIn := data.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 28800
	}

	c.logger.Printf("device: refreshed access token")
	if c.onRefresh != nil {
		c.onRefresh(c.accessToken, c.refreshToken, expiresIn)
	}
	return nil
}

func (c *DirectClient) headers() http.Header {
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", "application/json")
	return h
}

// doWithRefresh performs method/path with body, retrying once after a
// token refresh on 401, per spec.md §4.2.
func (c *DirectClient) doWithRefresh(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (*http.Response, []byte, error) {
	resp, raw, err := c.doOnce(ctx, method, path, body, timeout)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Printf("device: access token expired, refreshing")
		if refreshErr := c.refreshAccessToken(ctx); refreshErr != nil {
			return resp, raw, refreshErr
		}
		resp, raw, err = c.doOnce(ctx, method, path, body, timeout)
	}
	return resp, raw, err
}

func (c *DirectClient) doOnce(ctx context.Context, method, path string, body interface{}, timeout time.Duration) (*http.Response, []byte, error) {
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
	req.Header = c.headers()

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

// envelope is the {"response": ...} wrapper the wire format uses, with
// structural success detection per spec.md §4.2: a 200 with
// response.result == false is a failure.
type envelope struct {
	Response json.RawMessage `json:"response"`
}

type resultBody struct {
	Result *bool  `json:"result"`
	Reason string `json:"reason"`
}

func checkResult(status int, raw []byte) Result {
	if status != http.StatusOK {
		return Result{OK: false, Reason: fmt.Sprintf("status %d", status)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Response) == 0 {
		return Result{OK: true}
	}
	var rb resultBody
	if err := json.Unmarshal(env.Response, &rb); err == nil && rb.Result != nil && !*rb.Result {
		return Result{OK: false, Reason: rb.Reason}
	}
	return Result{OK: true}
}

func (c *DirectClient) TestConnection(ctx context.Context) Result {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, "/api/1/products", nil, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *DirectClient) ListEnergySites(ctx context.Context) ([]string, error) {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, "/api/1/products", nil, lightTimeout)
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

func (c *DirectClient) GetSiteStatus(ctx context.Context, siteID string) (SiteStatus, error) {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/live_status", siteID), nil, lightTimeout)
	if err != nil {
		return SiteStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return SiteStatus{}, fmt.Errorf("device: site status %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			SolarPower  float64 `json:"solar_power"`
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

func (c *DirectClient) GetSiteInfo(ctx context.Context, siteID string) (SiteInfo, error) {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
	if err != nil {
		return SiteInfo{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return SiteInfo{}, fmt.Errorf("device: site info %d: %w", resp.StatusCode, errkind.ErrClientError)
	}
	var data struct {
		Response struct {
			InstallationTimeZone       string `json:"installation_time_zone"`
			CustomerPreferredExportRule *string `json:"customer_preferred_export_rule"`
			Components                 struct {
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

func (c *DirectClient) GetCurrentTariff(ctx context.Context, siteID string) (*tariff.TariffDocument, error) {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
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

func (c *DirectClient) SetTariff(ctx context.Context, siteID string, doc *tariff.TariffDocument) Result {
	body := map[string]interface{}{"tou_settings": map[string]interface{}{"tariff_content_v2": doc}}
	resp, raw, err := c.doWithRefresh(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/time_of_use_settings", siteID), body, writeTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *DirectClient) SetOperationMode(ctx context.Context, siteID string, mode policy.OperationMode) Result {
	body := map[string]interface{}{"default_real_mode": string(mode)}
	resp, raw, err := c.doWithRefresh(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/operation", siteID), body, writeTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

func (c *DirectClient) GetOperationMode(ctx context.Context, siteID string) (policy.OperationMode, error) {
	resp, raw, err := c.doWithRefresh(ctx, http.MethodGet, fmt.Sprintf("/api/1/energy_sites/%s/site_info", siteID), nil, lightTimeout)
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

func (c *DirectClient) GetGridExportRule(ctx context.Context, siteID string, cachedFallback policy.ExportRule) (policy.ExportRule, error) {
	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return cachedFallback, err
	}
	return DeriveExportRule(info, cachedFallback), nil
}

func (c *DirectClient) SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) Result {
	body := map[string]interface{}{"customer_preferred_export_rule": string(rule)}
	resp, raw, err := c.doWithRefresh(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/grid_import_export", siteID), body, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

// SetGridChargingEnabled writes the inverted wire field per spec.md §4.2:
// disallow_charge_from_grid_with_solar_installed = !enabled.
func (c *DirectClient) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) Result {
	body := map[string]interface{}{"disallow_charge_from_grid_with_solar_installed": !enabled}
	resp, raw, err := c.doWithRefresh(ctx, http.MethodPost, fmt.Sprintf("/api/1/energy_sites/%s/grid_import_export", siteID), body, lightTimeout)
	if err != nil {
		return Result{OK: false, Reason: err.Error()}
	}
	return checkResult(resp.StatusCode, raw)
}

var _ Controller = (*DirectClient)(nil)
