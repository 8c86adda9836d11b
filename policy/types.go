// Package policy holds the per-user configuration consumed by the tariff
// builder and the curtailment/spike/demand controllers, and the
// repository interface the core reads and writes it through.
package policy

import (
	"sync"
	"time"

	"github.com/openenergy/tariffsync/priceapi"
	"github.com/openenergy/tariffsync/tariff"
)

// ExportRule mirrors the device's grid export setting.
type ExportRule string

const (
	ExportNever      ExportRule = "never"
	ExportPVOnly     ExportRule = "pv_only"
	ExportBatteryOK  ExportRule = "battery_ok"
)

// OperationMode mirrors the device's operation mode.
type OperationMode string

const (
	ModeSelfConsumption OperationMode = "self_consumption"
	ModeAutonomous       OperationMode = "autonomous"
	ModeBackup           OperationMode = "backup"
)

// DemandApplyTo selects which side of the tariff a demand charge applies to.
type DemandApplyTo string

const (
	DemandApplyBuy  DemandApplyTo = "buy"
	DemandApplySell DemandApplyTo = "sell"
	DemandApplyBoth DemandApplyTo = "both"
)

// UserPolicy is the persistent, per-user configuration described by
// spec.md §3. It is long-lived; callers must hold Lock() for any
// read-modify-write sequence.
type UserPolicy struct {
	mu sync.Mutex

	Email  string
	SiteID string

	ForecastType priceapi.ForecastType

	SolarCurtailmentEnabled   bool
	CurtailmentThresholdCents float64 // default 1.0, per spec.md open question

	SyncEnabled bool

	SpikeEnabled        bool
	SpikeRegion         string
	SpikeThresholdMWh   float64
	SpikeTestMode       bool

	DemandChargesEnabled   bool
	DemandChargeRate       float64
	DemandChargeApplyTo    DemandApplyTo
	DemandPeakStartHour    int
	DemandPeakStartMinute  int
	DemandPeakEndHour      int
	DemandPeakEndMinute    int
	DemandWeekdayMask      uint8 // bit i set => time.Weekday(i) is a peak day
	DemandDailySupplyCents float64
	DemandMonthlySupply    float64
	GridChargingDisabledForDemand bool

	LastTariffHash    string
	CurrentExportRule ExportRule

	InSpikeMode           bool
	SpikeStartTime        time.Time
	SavedTariffID         string
	PreSpikeOperationMode OperationMode

	AEMOLastCheck time.Time
	AEMOLastPrice float64

	LastUpdateTime   time.Time
	LastUpdateStatus string

	InstallationTimeZone string
}

// Lock and Unlock expose the per-user mutex for callers performing a
// read-modify-write, matching spec.md §5's "single mutex per user" rule.
func (p *UserPolicy) Lock()   { p.mu.Lock() }
func (p *UserPolicy) Unlock() { p.mu.Unlock() }

// Credentialed reports whether this user has the minimum configuration
// C5/C6/C7/C8 require to act (spec.md §7 "config_missing").
func (p *UserPolicy) Credentialed() bool {
	return p.Email != "" && p.SiteID != ""
}

// SpikeEligible reports whether this user can be evaluated by C7: spike
// monitoring requires sync to be disabled (spec.md §4.7, §7
// "policy_conflict").
func (p *UserPolicy) SpikeEligible() bool {
	return p.SpikeEnabled && !p.SyncEnabled
}

// SavedTariff is an immutable snapshot of a previously-fetched device
// tariff, used as the post-spike restore target.
type SavedTariff struct {
	ID        string
	SiteID    string
	IsDefault bool
	Document  *tariff.TariffDocument
	SavedAt   time.Time
}
