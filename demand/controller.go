// Package demand implements the demand-period controller (C8): watches
// the wall clock and toggles the device's grid-charging allowance inside
// the user's configured peak window. Grounded structurally on
// tariff.buildDemandRates's midnight-crossing window arithmetic, reused
// here against the live clock instead of the 48-bucket forecast.
package demand

import (
	"context"
	"log"
	"time"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
)

// Controller runs the peak-window check for every demand-charge-enabled
// user.
type Controller struct {
	repo    policy.Repository
	clients func(siteID string) device.Controller
	logger  *log.Logger
}

// New builds a demand-period controller.
func New(repo policy.Repository, clients func(siteID string) device.Controller, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{repo: repo, clients: clients, logger: logger}
}

// Tick runs the peak-window check for every user, the demand_grid_charging
// job of spec.md §4.9, fired every minute at second=45.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	for _, u := range c.repo.ListActive() {
		c.evaluateUser(ctx, u, now)
	}
}

// inPeakWindow implements spec.md §4.8: is now (already in the device's
// local timezone) inside the user's configured peak window, honoring a
// midnight-crossing range and the weekday mask.
func inPeakWindow(now time.Time, u *policy.UserPolicy) bool {
	dayBit := uint8(1) << uint(now.Weekday())
	if u.DemandWeekdayMask != 0 && u.DemandWeekdayMask&dayBit == 0 {
		return false
	}

	startMinutes := u.DemandPeakStartHour*60 + u.DemandPeakStartMinute
	endMinutes := u.DemandPeakEndHour*60 + u.DemandPeakEndMinute
	nowMinutes := now.Hour()*60 + now.Minute()

	if endMinutes <= startMinutes {
		return nowMinutes >= startMinutes || nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes && nowMinutes < endMinutes
}

func (c *Controller) evaluateUser(ctx context.Context, u *policy.UserPolicy, now time.Time) {
	if !u.Credentialed() {
		return
	}
	u.Lock()
	enabled := u.DemandChargesEnabled
	siteID := u.SiteID
	tz := u.InstallationTimeZone
	currentlyDisabled := u.GridChargingDisabledForDemand
	u.Unlock()

	if !enabled {
		return
	}

	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	u.Lock()
	inPeak := inPeakWindow(now.In(loc), u)
	u.Unlock()

	wantDisabled := inPeak
	if wantDisabled == currentlyDisabled {
		return // idempotent: already in the desired state
	}

	ctrl := c.clients(siteID)
	if ctrl == nil {
		c.logger.Printf("demand: no device controller configured for site %s", siteID)
		return
	}

	// The wire field is "disallow_charge_from_grid_with_solar_installed":
	// SetGridChargingEnabled(enabled=true) allows grid charging, so peak
	// windows call it with enabled=false.
	result := ctrl.SetGridChargingEnabled(ctx, siteID, !wantDisabled)
	if !result.OK {
		c.logger.Printf("demand: site %s failed to set grid charging allowance: %s", siteID, result.Reason)
		return
	}

	u.Lock()
	u.GridChargingDisabledForDemand = wantDisabled
	u.Unlock()
	c.logger.Printf("demand: site %s grid-charging-disabled -> %v (peak window)", siteID, wantDisabled)
}
