package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/openenergy/tariffsync/policy"
	"github.com/openenergy/tariffsync/priceapi"
)

const shutdownGrace = 10 * time.Second

// userRecord is the on-disk shape of one configured user; it mirrors the
// policy.UserPolicy fields a process admin is expected to set directly
// (spec.md §6's user-administration surface has no HTTP form in this
// engine, so the store is a flat JSON file instead).
type userRecord struct {
	Email                     string  `json:"email"`
	SiteID                    string  `json:"site_id"`
	ForecastType              string  `json:"forecast_type"`
	SolarCurtailmentEnabled   bool    `json:"solar_curtailment_enabled"`
	CurtailmentThresholdCents float64 `json:"curtailment_threshold_cents"`
	SyncEnabled               bool    `json:"sync_enabled"`
	SpikeEnabled              bool    `json:"spike_enabled"`
	SpikeRegion               string  `json:"spike_region"`
	SpikeThresholdMWh         float64 `json:"spike_threshold_mwh"`
	SpikeTestMode             bool    `json:"spike_test_mode"`
	DemandChargesEnabled      bool    `json:"demand_charges_enabled"`
	DemandChargeRate          float64 `json:"demand_charge_rate"`
	DemandChargeApplyTo       string  `json:"demand_charge_apply_to"`
	DemandPeakStartHour       int     `json:"demand_peak_start_hour"`
	DemandPeakStartMinute     int     `json:"demand_peak_start_minute"`
	DemandPeakEndHour         int     `json:"demand_peak_end_hour"`
	DemandPeakEndMinute       int     `json:"demand_peak_end_minute"`
	DemandWeekdayMask         uint8   `json:"demand_weekday_mask"`
	DemandDailySupplyCents    float64 `json:"demand_daily_supply_cents"`
	DemandMonthlySupply       float64 `json:"demand_monthly_supply"`
}

// loadUserPolicies reads filename and populates repo, one UserPolicy per
// record. A missing file is not an error: the process starts with no
// configured users rather than refusing to boot.
func loadUserPolicies(filename string, repo *policy.InMemoryRepository) error {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}

	var records []userRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode %s: %w", filename, err)
	}

	for _, r := range records {
		threshold := r.CurtailmentThresholdCents
		if threshold == 0 {
			threshold = 1.0
		}
		repo.Put(&policy.UserPolicy{
			Email:                     r.Email,
			SiteID:                    r.SiteID,
			ForecastType:              priceapi.ForecastType(defaultString(r.ForecastType, string(priceapi.ForecastPredicted))),
			SolarCurtailmentEnabled:   r.SolarCurtailmentEnabled,
			CurtailmentThresholdCents: threshold,
			SyncEnabled:               r.SyncEnabled,
			SpikeEnabled:              r.SpikeEnabled,
			SpikeRegion:               r.SpikeRegion,
			SpikeThresholdMWh:         r.SpikeThresholdMWh,
			SpikeTestMode:             r.SpikeTestMode,
			DemandChargesEnabled:      r.DemandChargesEnabled,
			DemandChargeRate:          r.DemandChargeRate,
			DemandChargeApplyTo:       policy.DemandApplyTo(defaultString(r.DemandChargeApplyTo, string(policy.DemandApplyBuy))),
			DemandPeakStartHour:       r.DemandPeakStartHour,
			DemandPeakStartMinute:     r.DemandPeakStartMinute,
			DemandPeakEndHour:         r.DemandPeakEndHour,
			DemandPeakEndMinute:       r.DemandPeakEndMinute,
			DemandWeekdayMask:         r.DemandWeekdayMask,
			DemandDailySupplyCents:    r.DemandDailySupplyCents,
			DemandMonthlySupply:       r.DemandMonthlySupply,
		})
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
