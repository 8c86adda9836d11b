package curtail

import (
	"context"
	"testing"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
)

type fakeController struct {
	setCalls     int
	exportRule   policy.ExportRule
	getRuleErr   error
}

func (f *fakeController) TestConnection(ctx context.Context) device.Result { return device.Result{OK: true} }
func (f *fakeController) ListEnergySites(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeController) GetSiteStatus(ctx context.Context, siteID string) (device.SiteStatus, error) {
	return device.SiteStatus{}, nil
}
func (f *fakeController) GetSiteInfo(ctx context.Context, siteID string) (device.SiteInfo, error) {
	return device.SiteInfo{}, nil
}
func (f *fakeController) GetCurrentTariff(ctx context.Context, siteID string) (*tariff.TariffDocument, error) {
	return nil, nil
}
func (f *fakeController) SetTariff(ctx context.Context, siteID string, doc *tariff.TariffDocument) device.Result {
	return device.Result{OK: true}
}
func (f *fakeController) SetOperationMode(ctx context.Context, siteID string, mode policy.OperationMode) device.Result {
	return device.Result{OK: true}
}
func (f *fakeController) GetOperationMode(ctx context.Context, siteID string) (policy.OperationMode, error) {
	return policy.ModeAutonomous, nil
}
func (f *fakeController) GetGridExportRule(ctx context.Context, siteID string, cachedFallback policy.ExportRule) (policy.ExportRule, error) {
	if f.getRuleErr != nil {
		return cachedFallback, f.getRuleErr
	}
	return f.exportRule, nil
}
func (f *fakeController) SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) device.Result {
	f.setCalls++
	f.exportRule = rule
	return device.Result{OK: true}
}
func (f *fakeController) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) device.Result {
	return device.Result{OK: true}
}

var _ device.Controller = (*fakeController)(nil)

func newTestUser(rule policy.ExportRule) *policy.UserPolicy {
	return &policy.UserPolicy{
		Email:                     "test@example.com",
		SiteID:                    "site1",
		SolarCurtailmentEnabled:   true,
		CurtailmentThresholdCents: 1.0,
		CurrentExportRule:         rule,
	}
}

// E5: curtailment on negative-credit feed-in.
func TestEvaluateUser_NegativeCreditTriggersNever(t *testing.T) {
	u := newTestUser(policy.ExportBatteryOK)
	fc := &fakeController{exportRule: policy.ExportBatteryOK}
	c := New(nil, func(string) device.Controller { return fc }, nil)

	c.EvaluateUser(context.Background(), u, -0.5) // sign-normalized: consumer would pay 0.5c to export

	if fc.setCalls != 1 {
		t.Fatalf("setCalls = %d, want 1", fc.setCalls)
	}
	if u.CurrentExportRule != policy.ExportNever {
		t.Errorf("CurrentExportRule = %s, want never", u.CurrentExportRule)
	}
}

// Idempotence: calling twice without a price change makes at most one
// setGridExportRule call across both invocations.
func TestEvaluateUser_Idempotent(t *testing.T) {
	u := newTestUser(policy.ExportBatteryOK)
	fc := &fakeController{exportRule: policy.ExportBatteryOK}
	c := New(nil, func(string) device.Controller { return fc }, nil)

	c.EvaluateUser(context.Background(), u, 0.5)
	c.EvaluateUser(context.Background(), u, 0.5)

	if fc.setCalls != 1 {
		t.Fatalf("setCalls = %d, want 1 across two invocations", fc.setCalls)
	}
}

func TestEvaluateUser_RestoresBatteryOK(t *testing.T) {
	u := newTestUser(policy.ExportNever)
	fc := &fakeController{exportRule: policy.ExportNever}
	c := New(nil, func(string) device.Controller { return fc }, nil)

	c.EvaluateUser(context.Background(), u, 5.0) // healthy export price

	if fc.setCalls != 1 {
		t.Fatalf("setCalls = %d, want 1", fc.setCalls)
	}
	if u.CurrentExportRule != policy.ExportBatteryOK {
		t.Errorf("CurrentExportRule = %s, want battery_ok", u.CurrentExportRule)
	}
}

func TestEvaluateUser_SkipsUncredentialed(t *testing.T) {
	u := &policy.UserPolicy{SolarCurtailmentEnabled: true} // no Email/SiteID
	fc := &fakeController{}
	c := New(nil, func(string) device.Controller { return fc }, nil)

	c.EvaluateUser(context.Background(), u, 0.5)

	if fc.setCalls != 0 {
		t.Errorf("expected no device calls for uncredentialed user, got %d", fc.setCalls)
	}
}
