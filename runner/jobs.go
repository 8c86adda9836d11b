package runner

import (
	"context"
	"log"
	"time"

	"github.com/openenergy/tariffsync/curtail"
	"github.com/openenergy/tariffsync/demand"
	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/spike"
	"github.com/openenergy/tariffsync/syncexec"
	"github.com/openenergy/tariffsync/syncstate"
)

// BuildJobs assembles the six-entry job table of spec.md §4.9. feedInPrice
// resolves the current feed-in cents/kWh for the curtailment fallback
// (normally sourced from the same push/pull price data the sync executor
// uses); it may return ok=false when no price is currently known.
func BuildJobs(
	repo policy.Repository,
	clients func(siteID string) device.Controller,
	executor *syncexec.Executor,
	coordinator *syncstate.Coordinator,
	curtailCtrl *curtail.Controller,
	spikeCtrl *spike.Controller,
	demandCtrl *demand.Controller,
	history policy.HistorySink,
	feedInPrice func() (cents float64, ok bool),
	logger *log.Logger,
) []Job {
	if logger == nil {
		logger = log.Default()
	}
	if history == nil {
		history = policy.NoopSink{}
	}

	fiveMin := 5 * time.Minute
	oneMin := time.Minute

	return []Job{
		{
			Name:     "sync_tou",
			Interval: fiveMin,
			Offset:   time.Minute, // minute%5==1, second=0
			Run: func(ctx context.Context) {
				if coordinator.IsPeriodClaimed(time.Now()) {
					return
				}
				executor.SyncAll(ctx)
			},
		},
		{
			Name:     "solar_curtailment",
			Interval: fiveMin,
			Offset:   time.Minute,
			Run: func(ctx context.Context) {
				cents, ok := feedInPrice()
				if !ok {
					return
				}
				curtailCtrl.EvaluateAll(ctx, cents)
			},
		},
		{
			Name:     "save_price_history",
			Interval: fiveMin,
			Offset:   time.Minute,
			Run: func(ctx context.Context) {
				savePriceHistory(ctx, repo, history, feedInPrice, logger)
			},
		},
		{
			Name:     "save_energy_usage",
			Interval: oneMin,
			Offset:   0,
			Run: func(ctx context.Context) {
				saveEnergyUsage(ctx, repo, clients, history, logger)
			},
		},
		{
			Name:     "monitor_spike",
			Interval: oneMin,
			Offset:   35 * time.Second,
			Run: func(ctx context.Context) {
				spikeCtrl.Tick(ctx)
			},
		},
		{
			Name:     "demand_grid_charging",
			Interval: oneMin,
			Offset:   45 * time.Second,
			Run: func(ctx context.Context) {
				demandCtrl.Tick(ctx, time.Now())
			},
		},
	}
}

// savePriceHistory persists the most recently observed general/feed-in
// price for every site, an external-sink detail spec.md §4.9 marks
// out-of-scope for the core but still schedules.
func savePriceHistory(ctx context.Context, repo policy.Repository, history policy.HistorySink, feedInPrice func() (float64, bool), logger *log.Logger) {
	cents, ok := feedInPrice()
	if !ok {
		return
	}
	now := time.Now()
	for _, u := range repo.ListActive() {
		if !u.Credentialed() {
			continue
		}
		u.Lock()
		siteID := u.SiteID
		u.Unlock()
		if err := history.SavePriceSample(siteID, "feedIn", cents, now); err != nil {
			logger.Printf("runner: save_price_history failed for site %s: %v", siteID, err)
		}
	}
}

// saveEnergyUsage polls each site's live status and persists a sample.
func saveEnergyUsage(ctx context.Context, repo policy.Repository, clients func(siteID string) device.Controller, history policy.HistorySink, logger *log.Logger) {
	now := time.Now()
	for _, u := range repo.ListActive() {
		if !u.Credentialed() {
			continue
		}
		u.Lock()
		siteID := u.SiteID
		u.Unlock()

		ctrl := clients(siteID)
		if ctrl == nil {
			continue
		}
		status, err := ctrl.GetSiteStatus(ctx, siteID)
		if err != nil {
			logger.Printf("runner: save_energy_usage failed to read site status for %s: %v", siteID, err)
			continue
		}
		if err := history.SaveEnergyUsage(siteID, status.SolarPowerW, status.BatteryPowerW, status.LoadPowerW, status.GridPowerW, status.BatterySOC, now); err != nil {
			logger.Printf("runner: save_energy_usage failed to persist for %s: %v", siteID, err)
		}
	}
}
