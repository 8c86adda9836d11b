// Package curtail implements the solar-export curtailment controller (C6):
// watches feed-in price, toggles the device's export rule. Grounded on
// original_source/app/tasks.py's solar_curtailment_check and structurally
// on scheduler/miners.go's per-user threshold-vs-price decision loop.
package curtail

import (
	"context"
	"log"

	"github.com/openenergy/tariffsync/device"
	"github.com/openenergy/tariffsync/policy"
)

// Controller evaluates the curtailment policy for every credentialed,
// curtailment-enabled user.
type Controller struct {
	repo    policy.Repository
	clients func(siteID string) device.Controller
	logger  *log.Logger
}

// New builds a curtailment controller. clients resolves a siteID to the
// device.Controller that should be used for it.
func New(repo policy.Repository, clients func(siteID string) device.Controller, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{repo: repo, clients: clients, logger: logger}
}

// desiredRule implements spec.md §4.6's policy. feedInPerKwhCents is the
// feed-in price after priceapi's ingest sign normalization (positive =
// credit), so it already is the export earnings: if those would be below
// the user's threshold, force "never"; otherwise restore "battery_ok" if
// currently "never".
func desiredRule(feedInPerKwhCents float64, thresholdCents float64, current policy.ExportRule) policy.ExportRule {
	exportEarnings := feedInPerKwhCents
	if exportEarnings < thresholdCents {
		return policy.ExportNever
	}
	if current == policy.ExportNever {
		return policy.ExportBatteryOK
	}
	return current
}

// EvaluateAll runs the curtailment check for every user, used by both the
// push trigger path and the cron fallback.
func (c *Controller) EvaluateAll(ctx context.Context, feedInPerKwhCents float64) {
	for _, u := range c.repo.ListActive() {
		c.evaluateUser(ctx, u, feedInPerKwhCents)
	}
}

// EvaluateUser runs the curtailment check for a single user; used by the
// push path, which already knows which site the update concerns.
func (c *Controller) EvaluateUser(ctx context.Context, u *policy.UserPolicy, feedInPerKwhCents float64) {
	c.evaluateUser(ctx, u, feedInPerKwhCents)
}

func (c *Controller) evaluateUser(ctx context.Context, u *policy.UserPolicy, feedInPerKwhCents float64) {
	if !u.Credentialed() {
		return
	}
	u.Lock()
	enabled := u.SolarCurtailmentEnabled
	threshold := u.CurtailmentThresholdCents
	current := u.CurrentExportRule
	siteID := u.SiteID
	u.Unlock()

	if !enabled {
		return
	}
	if threshold == 0 {
		threshold = 1.0 // spec.md open question default
	}

	ctrl := c.clients(siteID)
	if ctrl == nil {
		c.logger.Printf("curtail: no device controller configured for site %s", siteID)
		return
	}

	// Read current export rule with the VPP-derivation and cached-fallback
	// rules of §4.2.
	liveRule, err := ctrl.GetGridExportRule(ctx, siteID, current)
	if err == nil {
		current = liveRule
	}

	want := desiredRule(feedInPerKwhCents, threshold, current)
	if want == current {
		return // idempotent: no action in the desired state
	}

	result := ctrl.SetGridExportRule(ctx, siteID, want)
	if !result.OK {
		c.logger.Printf("curtail: failed to set export rule for site %s: %s", siteID, result.Reason)
		return
	}

	u.Lock()
	u.CurrentExportRule = want
	u.Unlock()
	c.logger.Printf("curtail: site %s export rule %s -> %s (feedIn=%.2fc/kWh)", siteID, current, want, feedInPerKwhCents)
}
