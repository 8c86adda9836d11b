package demand

import (
	"context"
	"testing"
	"time"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
)

type fakeController struct {
	setCalls []bool // argument history of SetGridChargingEnabled
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
	return cachedFallback, nil
}
func (f *fakeController) SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) device.Result {
	return device.Result{OK: true}
}
func (f *fakeController) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) device.Result {
	f.setCalls = append(f.setCalls, enabled)
	return device.Result{OK: true}
}

var _ device.Controller = (*fakeController)(nil)

func newDemandUser() *policy.UserPolicy {
	return &policy.UserPolicy{
		Email: "test@example.com", SiteID: "site1",
		DemandChargesEnabled:  true,
		DemandPeakStartHour:   16,
		DemandPeakEndHour:     20,
		InstallationTimeZone:  "UTC",
	}
}

func TestInPeakWindow_SimpleRange(t *testing.T) {
	u := newDemandUser()
	inWindow := time.Date(2026, 7, 31, 17, 0, 0, 0, time.UTC)
	outsideWindow := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	if !inPeakWindow(inWindow, u) {
		t.Error("expected 17:00 to be inside a 16:00-20:00 peak window")
	}
	if inPeakWindow(outsideWindow, u) {
		t.Error("expected 10:00 to be outside a 16:00-20:00 peak window")
	}
}

func TestInPeakWindow_MidnightCrossing(t *testing.T) {
	u := newDemandUser()
	u.DemandPeakStartHour = 22
	u.DemandPeakEndHour = 6

	lateNight := time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	if !inPeakWindow(lateNight, u) {
		t.Error("expected 23:00 to be inside a 22:00-06:00 peak window")
	}
	if !inPeakWindow(earlyMorning, u) {
		t.Error("expected 03:00 to be inside a 22:00-06:00 peak window")
	}
	if inPeakWindow(midday, u) {
		t.Error("expected 12:00 to be outside a 22:00-06:00 peak window")
	}
}

func TestInPeakWindow_WeekdayMask(t *testing.T) {
	u := newDemandUser()
	u.DemandWeekdayMask = 1 << uint(time.Monday) // only Mondays are peak

	monday := time.Date(2026, 8, 3, 17, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 8, 4, 17, 0, 0, 0, time.UTC)

	if !inPeakWindow(monday, u) {
		t.Error("expected Monday to be a peak day")
	}
	if inPeakWindow(tuesday, u) {
		t.Error("expected Tuesday to be excluded by the weekday mask")
	}
}

func TestTick_DisablesGridChargingInPeakWindow(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newDemandUser()
	repo.Put(u)
	fc := &fakeController{}
	c := New(repo, func(string) device.Controller { return fc }, nil)

	c.Tick(context.Background(), time.Date(2026, 7, 31, 17, 0, 0, 0, time.UTC))

	if len(fc.setCalls) != 1 || fc.setCalls[0] != false {
		t.Fatalf("expected one SetGridChargingEnabled(false) call, got %v", fc.setCalls)
	}
	if !u.GridChargingDisabledForDemand {
		t.Error("expected GridChargingDisabledForDemand = true")
	}
}

func TestTick_IdempotentAcrossTicks(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newDemandUser()
	repo.Put(u)
	fc := &fakeController{}
	c := New(repo, func(string) device.Controller { return fc }, nil)

	peak := time.Date(2026, 7, 31, 17, 0, 0, 0, time.UTC)
	c.Tick(context.Background(), peak)
	c.Tick(context.Background(), peak.Add(time.Minute))

	if len(fc.setCalls) != 1 {
		t.Fatalf("expected exactly 1 device call across two identical ticks, got %d", len(fc.setCalls))
	}
}

func TestTick_ReenablesOutsidePeakWindow(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newDemandUser()
	u.GridChargingDisabledForDemand = true
	repo.Put(u)
	fc := &fakeController{}
	c := New(repo, func(string) device.Controller { return fc }, nil)

	c.Tick(context.Background(), time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC))

	if len(fc.setCalls) != 1 || fc.setCalls[0] != true {
		t.Fatalf("expected one SetGridChargingEnabled(true) call, got %v", fc.setCalls)
	}
	if u.GridChargingDisabledForDemand {
		t.Error("expected GridChargingDisabledForDemand = false")
	}
}
