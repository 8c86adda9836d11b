// Package device implements the uniform battery/site controller contract
// (C2): two HTTPS+JSON backends (a direct vendor API and a proxy
// service) sharing one interface, grounded on the original
// FleetAPIClient/TeslemetryAPIClient (app/api_clients.py).
package device

import (
	"context"

	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/tariff"
)

// Result is the structured, idempotent-friendly outcome every operation
// returns (spec.md §4.2 "{ok, reason?}").
type Result struct {
	OK     bool
	Reason string
}

// SiteStatus is the live power-flow/battery-level snapshot (spec.md §6
// "live_status").
type SiteStatus struct {
	SolarPowerW  float64
	BatteryPowerW float64
	LoadPowerW    float64
	GridPowerW    float64
	BatterySOC    float64
}

// SiteInfo carries the device's timezone and current tariff, cached by
// the caller after first read since the timezone never changes during a
// run (spec.md §4.2).
type SiteInfo struct {
	InstallationTimeZone string
	CurrentTariff        *tariff.TariffDocument
	NonExportConfigured  *bool // present only on some firmwares
	PreferredExportRule  *policy.ExportRule
}

// Controller is the sealed interface both backends implement (spec.md §9
// "a sealed interface DeviceController with two implementations").
type Controller interface {
	TestConnection(ctx context.Context) Result
	ListEnergySites(ctx context.Context) ([]string, error)
	GetSiteStatus(ctx context.Context, siteID string) (SiteStatus, error)
	GetSiteInfo(ctx context.Context, siteID string) (SiteInfo, error)
	GetCurrentTariff(ctx context.Context, siteID string) (*tariff.TariffDocument, error)
	SetTariff(ctx context.Context, siteID string, doc *tariff.TariffDocument) Result
	SetOperationMode(ctx context.Context, siteID string, mode policy.OperationMode) Result
	GetOperationMode(ctx context.Context, siteID string) (policy.OperationMode, error)
	GetGridExportRule(ctx context.Context, siteID string, cachedFallback policy.ExportRule) (policy.ExportRule, error)
	SetGridExportRule(ctx context.Context, siteID string, rule policy.ExportRule) Result
	SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) Result
}

// DeriveExportRule implements the VPP-derived rule of spec.md §4.2: when
// the live answer omits customer_preferred_export_rule but reports
// nonExportConfigured, the rule is never when true, battery_ok when
// false. If both are absent the cached fallback is authoritative.
func DeriveExportRule(info SiteInfo, cachedFallback policy.ExportRule) policy.ExportRule {
	if info.PreferredExportRule != nil {
		return *info.PreferredExportRule
	}
	if info.NonExportConfigured != nil {
		if *info.NonExportConfigured {
			return policy.ExportNever
		}
		return policy.ExportBatteryOK
	}
	return cachedFallback
}
