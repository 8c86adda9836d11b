// Package syncexec implements the sync executor (C5): the per-user pipeline
// that turns a price forecast into a published device tariff. Grounded on
// original_source/app/tasks.py's _sync_all_users_internal, shared by both
// the websocket-triggered and cron-fallback call paths exactly as the
// original does.
package syncexec

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/priceapi"
	"github.com/openenergy/tariffsync/tariff"
)

const (
	forecastWindow     = 48 * time.Hour
	forecastResolution = 30 // minutes
	maxCurrentAge      = 60 * time.Second
)

// ForecastSource is the subset of priceapi.PullClient the executor needs.
type ForecastSource interface {
	GetCurrentPrices(ctx context.Context, siteID string) ([]priceapi.PriceInterval, error)
	GetForecast(ctx context.Context, siteID string, startDate, endDate time.Time, resolutionMinutes int) ([]priceapi.PriceInterval, error)
}

// PushSource is the subset of priceapi.PushClient the executor needs.
type PushSource interface {
	GetLatestPrices(maxAge time.Duration) (general, feedIn priceapi.PriceInterval, ok bool)
}

// Executor runs the six-step sync pipeline for one or all users.
type Executor struct {
	repo    policy.Repository
	clients func(siteID string) device.Controller
	pull    ForecastSource
	push    PushSource // optional: nil means REST-only
	logger  *log.Logger
}

// New builds a sync executor. push may be nil if no websocket producer is
// configured, in which case every sync uses the REST fallback path.
func New(repo policy.Repository, clients func(siteID string) device.Controller, pull ForecastSource, push PushSource, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{repo: repo, clients: clients, pull: pull, push: push, logger: logger}
}

// SyncAll runs the pipeline for every sync-enabled user; used by the
// sync_tou cron-fallback job.
func (e *Executor) SyncAll(ctx context.Context) {
	for _, u := range e.repo.ListActive() {
		e.SyncUser(ctx, u)
	}
}

// SyncUser runs the pipeline for a single user; used by both the
// websocket-triggered path (after syncstate.Coordinator delivers a
// payload) and the cron fallback.
func (e *Executor) SyncUser(ctx context.Context, u *policy.UserPolicy) {
	u.Lock()
	enabled := u.SyncEnabled
	siteID := u.SiteID
	forecastType := u.ForecastType
	u.Unlock()

	if !u.Credentialed() || !enabled {
		return
	}

	ctrl := e.clients(siteID)
	if ctrl == nil {
		e.logger.Printf("syncexec: no device controller configured for site %s", siteID)
		return
	}

	current, err := e.resolveCurrentActual(ctx, siteID)
	if err != nil {
		e.logger.Printf("syncexec: site %s proceeding without current-interval override: %v", siteID, err)
	}

	now := time.Now()
	forecast, err := e.pull.GetForecast(ctx, siteID, now, now.Add(forecastWindow), forecastResolution)
	if err != nil {
		e.recordFailure(u, fmt.Sprintf("forecast fetch failed: %v", err))
		e.logger.Printf("syncexec: site %s failed to fetch forecast: %v", siteID, err)
		return
	}

	deviceTZ, buildPolicy := e.resolveDeviceContext(ctx, u, ctrl, siteID, forecastType)

	doc, err := tariff.Build(forecast, current, buildPolicy, deviceTZ, now, e.logger)
	if err != nil {
		e.recordFailure(u, fmt.Sprintf("tariff build failed: %v", err))
		e.logger.Printf("syncexec: site %s failed to build tariff: %v", siteID, err)
		return
	}

	hash, err := tariff.CanonicalHash(doc)
	if err != nil {
		e.logger.Printf("syncexec: site %s failed to hash tariff: %v", siteID, err)
		return
	}

	u.Lock()
	unchanged := hash == u.LastTariffHash
	u.Unlock()
	if unchanged {
		e.logger.Printf("syncexec: site %s tariff unchanged, skipping publish", siteID)
		u.Lock()
		u.LastUpdateStatus = "unchanged"
		u.Unlock()
		return
	}

	result := ctrl.SetTariff(ctx, siteID, doc)
	if !result.OK {
		e.recordFailure(u, fmt.Sprintf("device rejected tariff: %s", result.Reason))
		e.logger.Printf("syncexec: site %s failed to publish tariff: %s", siteID, result.Reason)
		return
	}

	u.Lock()
	u.LastTariffHash = hash
	u.LastUpdateTime = time.Now()
	u.LastUpdateStatus = "synced"
	u.Unlock()
	e.logger.Printf("syncexec: site %s published tariff hash=%s", siteID, hash)
}

func (e *Executor) recordFailure(u *policy.UserPolicy, reason string) {
	u.Lock()
	u.LastUpdateStatus = reason
	u.Unlock()
}

// resolveCurrentActual implements step 1: prefer the websocket's
// cached sample if fresh, otherwise fall back to a REST current-prices
// call (spec.md §4.5 step 1).
func (e *Executor) resolveCurrentActual(ctx context.Context, siteID string) (*tariff.CurrentActualPair, error) {
	if e.push != nil {
		if general, feedIn, ok := e.push.GetLatestPrices(maxCurrentAge); ok {
			return &tariff.CurrentActualPair{
				HasGeneral:    true,
				GeneralPerKwh: general.PerKwh,
				HasFeedIn:     true,
				FeedInPerKwh:  feedIn.PerKwh,
			}, nil
		}
	}

	entries, err := e.pull.GetCurrentPrices(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("syncexec: REST fallback for current prices: %w", err)
	}

	pair := &tariff.CurrentActualPair{}
	for _, iv := range entries {
		switch iv.ChannelType {
		case priceapi.ChannelGeneral:
			pair.HasGeneral = true
			pair.GeneralPerKwh = iv.PerKwh
		case priceapi.ChannelFeedIn:
			pair.HasFeedIn = true
			pair.FeedInPerKwh = iv.PerKwh
		}
	}
	return pair, nil
}

// resolveDeviceContext fetches the device's installation timezone (cached
// on the user after first read, per spec.md §4.2) and assembles the
// tariff.BuildPolicy from the user's demand-charge configuration.
func (e *Executor) resolveDeviceContext(ctx context.Context, u *policy.UserPolicy, ctrl device.Controller, siteID string, forecastType priceapi.ForecastType) (*time.Location, tariff.BuildPolicy) {
	u.Lock()
	tzName := u.InstallationTimeZone
	u.Unlock()

	if tzName == "" {
		info, err := ctrl.GetSiteInfo(ctx, siteID)
		if err == nil && info.InstallationTimeZone != "" {
			tzName = info.InstallationTimeZone
			u.Lock()
			u.InstallationTimeZone = tzName
			u.Unlock()
		} else {
			e.logger.Printf("syncexec: site %s failed to resolve installation timezone, defaulting to UTC", siteID)
		}
	}

	loc := time.UTC
	if tzName != "" {
		if l, err := time.LoadLocation(tzName); err == nil {
			loc = l
		}
	}

	u.Lock()
	defer u.Unlock()
	return loc, tariff.BuildPolicy{
		ForecastType:            forecastType,
		DemandChargesEnabled:    u.DemandChargesEnabled,
		DemandChargeRate:        u.DemandChargeRate,
		DemandChargeApplyToBuy:  u.DemandChargeApplyTo == policy.DemandApplyBuy || u.DemandChargeApplyTo == policy.DemandApplyBoth,
		DemandChargeApplyToSell: u.DemandChargeApplyTo == policy.DemandApplySell || u.DemandChargeApplyTo == policy.DemandApplyBoth,
		DemandPeakStartHour:     u.DemandPeakStartHour,
		DemandPeakStartMinute:   u.DemandPeakStartMinute,
		DemandPeakEndHour:       u.DemandPeakEndHour,
		DemandPeakEndMinute:     u.DemandPeakEndMinute,
		DemandWeekdayMask:       u.DemandWeekdayMask,
		UtilityName:             "Unknown",
		PlanCode:                "SYNCED",
		PlanName:                "Synced Tariff",
		Currency:                "AUD",
		DailySupplyCharge:       u.DemandDailySupplyCents / 100.0,
	}
}
