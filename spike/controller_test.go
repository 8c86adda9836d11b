package spike

import (
	"context"
	"testing"
	"time"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
	"github.com/openenergy/tariffsync/wholesale"
)

type fakePrices struct {
	priceMWh float64
	err      error
}

func (f *fakePrices) GetRegionSummary(ctx context.Context, region string) (wholesale.RegionSummary, error) {
	if f.err != nil {
		return wholesale.RegionSummary{}, f.err
	}
	return wholesale.RegionSummary{Region: region, PriceMWh: f.priceMWh}, nil
}

type fakeDevice struct {
	status         device.SiteStatus
	currentTariff  *tariff.TariffDocument
	operationMode  policy.OperationMode
	modeHistory    []policy.OperationMode
	tariffHistory  []*tariff.TariffDocument
	setTariffFails bool
}

func (f *fakeDevice) TestConnection(ctx context.Context) device.Result { return device.Result{OK: true} }
func (f *fakeDevice) ListEnergySites(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeDevice) GetSiteStatus(ctx context.Context, siteID string) (device.SiteStatus, error) {
	return f.status, nil
}
func (f *fakeDevice) GetSiteInfo(ctx context.Context, siteID string) (device.SiteInfo, error) {
	return device.SiteInfo{}, nil
}
func (f *fakeDevice) GetCurrentTariff(ctx context.Context, siteID string) (*tariff.TariffDocument, error) {
	return f.currentTariff, nil
}
func (f *fakeDevice) SetTariff(ctx context.Context, siteID string, doc *tariff.TariffDocument) device.Result {
	if f.setTariffFails {
		return device.Result{OK: false, Reason: "upload failed"}
	}
	f.tariffHistory = append(f.tariffHistory, doc)
	return device.Result{OK: true}
}
func (f *fakeDevice) SetOperationMode(ctx context.Context, siteID string, mode policy.OperationMode) device.Result {
	f.operationMode = mode
	f.modeHistory = append(f.modeHistory, mode)
	return device.Result{OK: true}
}
func (f *fakeDevice) GetOperationMode(ctx context.Context, siteID string) (policy.OperationMode, error) {
	return f.operationMode, nil
}
func (f *fakeDevice) GetGridExportRule(ctx context.Context, siteID string, cachedFallback policy.ExportRule) (policy.ExportRule, error) {
	return cachedFallback, nil
}
func (f *fakeDevice) SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) device.Result {
	return device.Result{OK: true}
}
func (f *fakeDevice) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) device.Result {
	return device.Result{OK: true}
}

var _ device.Controller = (*fakeDevice)(nil)

func newController(repo policy.Repository, fd *fakeDevice, priceMWh float64) *Controller {
	c := New(repo, func(string) device.Controller { return fd }, &fakePrices{priceMWh: priceMWh}, tariff.BuildPolicy{
		UtilityName: "Test Utility", PlanCode: "TEST", PlanName: "Test Plan", Currency: "AUD",
	}, nil)
	c.enterSettle = time.Millisecond
	c.exitSettle = time.Millisecond
	return c
}

func newSpikeUser() *policy.UserPolicy {
	return &policy.UserPolicy{
		Email: "test@example.com", SiteID: "site1",
		SpikeEnabled: true, SpikeRegion: "NSW1", SpikeThresholdMWh: 300.0,
		CurrentExportRule: policy.ExportBatteryOK,
	}
}

// E4: a spike above threshold enters spike mode and uploads a spike tariff.
func TestTick_EntersSpikeModeAboveThreshold(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newSpikeUser()
	repo.Put(u)
	fd := &fakeDevice{operationMode: policy.ModeSelfConsumption, currentTariff: &tariff.TariffDocument{Code: "DEFAULT"}}

	c := newController(repo, fd, 500.0)
	c.Tick(context.Background())

	if !u.InSpikeMode {
		t.Fatal("expected InSpikeMode = true")
	}
	if len(fd.tariffHistory) != 1 {
		t.Fatalf("expected 1 spike tariff upload, got %d", len(fd.tariffHistory))
	}
	if u.SavedTariffID == "" {
		t.Error("expected a backup tariff id to be saved")
	}
	if fd.modeHistory[len(fd.modeHistory)-1] != policy.ModeAutonomous {
		t.Errorf("expected force-refresh to end in autonomous mode, got %s", fd.modeHistory[len(fd.modeHistory)-1])
	}
}

func TestTick_SkipsUploadWhenBatteryAlreadyExporting(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newSpikeUser()
	repo.Put(u)
	fd := &fakeDevice{
		status:        device.SiteStatus{SolarPowerW: 0, LoadPowerW: 0, BatteryPowerW: 500},
		currentTariff: &tariff.TariffDocument{Code: "DEFAULT"},
	}

	c := newController(repo, fd, 500.0)
	c.Tick(context.Background())

	if !u.InSpikeMode {
		t.Fatal("expected InSpikeMode = true even when upload is skipped")
	}
	if len(fd.tariffHistory) != 0 {
		t.Errorf("expected no spike tariff upload, got %d", len(fd.tariffHistory))
	}
}

func TestTick_ExitsSpikeModeBelowThreshold(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newSpikeUser()
	u.InSpikeMode = true
	u.PreSpikeOperationMode = policy.ModeBackup
	savedDoc := &tariff.TariffDocument{Code: "RESTORE"}
	id, _ := repo.PutSavedTariff(&policy.SavedTariff{SiteID: "site1", IsDefault: true, Document: savedDoc})
	u.SavedTariffID = id
	repo.Put(u)

	fd := &fakeDevice{operationMode: policy.ModeAutonomous}
	c := newController(repo, fd, 50.0)
	c.Tick(context.Background())

	if u.InSpikeMode {
		t.Fatal("expected InSpikeMode = false after restore")
	}
	if len(fd.tariffHistory) != 1 || fd.tariffHistory[0].Code != "RESTORE" {
		t.Fatalf("expected the saved tariff to be re-uploaded, got %+v", fd.tariffHistory)
	}
	// Exactly self_consumption (to apply the saved tariff) then the
	// pre-spike mode: no intermediate force-refresh toggle on exit.
	wantModes := []policy.OperationMode{policy.ModeSelfConsumption, policy.ModeBackup}
	if len(fd.modeHistory) != len(wantModes) {
		t.Fatalf("modeHistory = %v, want %v", fd.modeHistory, wantModes)
	}
	for i, m := range wantModes {
		if fd.modeHistory[i] != m {
			t.Errorf("modeHistory[%d] = %s, want %s", i, fd.modeHistory[i], m)
		}
	}
}

// Test-mode users are never automatically restored (spec.md §4.7): no
// hysteresis band exists either, so a price oscillating exactly at the
// threshold will flap in and out of spike mode every tick for non-test
// users. That is documented behavior, not a bug this controller papers over.
func TestTick_TestModeSkipsAutomaticRestore(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newSpikeUser()
	u.InSpikeMode = true
	u.SpikeTestMode = true
	id, _ := repo.PutSavedTariff(&policy.SavedTariff{SiteID: "site1", IsDefault: true, Document: &tariff.TariffDocument{Code: "RESTORE"}})
	u.SavedTariffID = id
	repo.Put(u)

	fd := &fakeDevice{}
	c := newController(repo, fd, 50.0)
	c.Tick(context.Background())

	if !u.InSpikeMode {
		t.Error("expected test-mode user to remain in spike mode")
	}
	if len(fd.tariffHistory) != 0 {
		t.Error("expected no tariff upload while in test mode")
	}
}

func TestTick_SkipsSyncEnabledUsers(t *testing.T) {
	repo := policy.NewInMemoryRepository()
	u := newSpikeUser()
	u.SyncEnabled = true // policy_conflict: spike and sync are mutually exclusive
	repo.Put(u)
	fd := &fakeDevice{}

	c := newController(repo, fd, 500.0)
	c.Tick(context.Background())

	if u.InSpikeMode {
		t.Error("expected sync-enabled user to be skipped by spike detection")
	}
}
