// Package tariff builds a device-native time-of-use tariff document from a
// price forecast and a user's policy (spec C3).
package tariff

import (
	"fmt"
	"sort"
)

// PeriodKey identifies one of the 48 half-hour buckets of a civil day as
// an integer in [0,47]: hour*2 + (1 if minute>=30 else 0).
type PeriodKey int

// NewPeriodKey builds a PeriodKey from an hour/minute pair, rounding the
// minute down to the enclosing half-hour bucket.
func NewPeriodKey(hour, minute int) PeriodKey {
	half := 0
	if minute >= 30 {
		half = 1
	}
	return PeriodKey(hour*2 + half)
}

// Hour and Minute recover the wall-clock components of the bucket.
func (k PeriodKey) Hour() int   { return int(k) / 2 }
func (k PeriodKey) Minute() int { return (int(k) % 2) * 30 }

// ParsePeriodKey recovers a PeriodKey from its PERIOD_HH_MM wire form, the
// inverse of String, used when reading a tariff back from the device.
func ParsePeriodKey(s string) (PeriodKey, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "PERIOD_%02d_%02d", &h, &m); err != nil {
		return 0, fmt.Errorf("tariff: invalid period key %q: %w", s, err)
	}
	return NewPeriodKey(h, m), nil
}

// String renders the PERIOD_HH_MM wire key.
func (k PeriodKey) String() string {
	return fmt.Sprintf("PERIOD_%02d_%02d", k.Hour(), k.Minute())
}

// AllPeriodKeys returns the 48 keys in order, 00:00 through 23:30.
func AllPeriodKeys() []PeriodKey {
	keys := make([]PeriodKey, 48)
	for i := range keys {
		keys[i] = PeriodKey(i)
	}
	return keys
}

// Less orders two keys by wall-clock time, for deterministic iteration.
func Less(a, b PeriodKey) bool { return a < b }

// sortedKeys is a helper for building deterministic key-ordered output used
// by diagnostics and logging; JSON field order is irrelevant to the wire
// format itself (maps are unordered) but a stable iteration order makes
// logs and golden tests reproducible.
func sortedKeys(m map[PeriodKey]float64) []PeriodKey {
	keys := make([]PeriodKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Charge is a named flat fee, e.g. the daily supply charge.
type Charge struct {
	Name   string
	Amount float64
}

// TOUWindow is a single contiguous time-of-use window within a week,
// expressed with the device's DayOfWeek/Hour/Minute bitmask convention.
// ToDayOfWeek=6 means "applies every day" in the wire format this device
// family uses.
type TOUWindow struct {
	ToDayOfWeek int
	FromHour    int
	FromMinute  int
	ToHour      int
	ToMinute    int
}

// TOUPeriod wraps the (singleton, in practice) list of windows active for
// one PeriodKey.
type TOUPeriod struct {
	Periods []TOUWindow
}

// RateTable is a seasonal {ALL: 0} fallback plus the real per-period rates
// under "Summer" (this device family has a degenerate single season; see
// spec.md §3 "season bounds: degenerate, single year-round season").
type RateTable struct {
	Rates map[PeriodKey]float64
}

// SeasonBounds is the (degenerate, year-round) season window.
type SeasonBounds struct {
	FromMonth int
	ToMonth   int
	FromDay   int
	ToDay     int
	TOUPeriods map[PeriodKey]TOUPeriod
}

// TariffDocument is the output of the tariff builder (C3): 48 buy rates, 48
// sell rates, an optional 48-entry demand-rate table, fixed charges, and
// metadata, all keyed on the 48-bucket grid.
type TariffDocument struct {
	Version  int
	Code     string
	Name     string
	Utility  string
	Currency string

	DailyCharges []Charge

	DemandChargesAll map[string]float64 // {"ALL": rate} when demand charges disabled
	DemandRates      map[PeriodKey]float64
	DemandAppliesBuy bool
	DemandAppliesSell bool

	BuyRate  map[PeriodKey]float64
	SellRate map[PeriodKey]float64

	Summer SeasonBounds
	Winter SeasonBounds

	// Adjustments records every clamp applied in step 6, for diagnostics.
	Adjustments []string
}

// Validate checks the universal invariants from spec.md §8: full bucket
// coverage and the buy/sell restrictions. It returns every
// violation found rather than stopping at the first, since step 9 of the
// builder treats these as warnings, not fatal errors.
func (d *TariffDocument) Validate() []string {
	var problems []string
	for _, k := range AllPeriodKeys() {
		buy, hasBuy := d.BuyRate[k]
		sell, hasSell := d.SellRate[k]
		if !hasBuy || !hasSell {
			problems = append(problems, fmt.Sprintf("%s: missing rate", k))
			continue
		}
		if buy < 0 {
			problems = append(problems, fmt.Sprintf("%s: buy %.4f < 0", k, buy))
		}
		if sell < 0 {
			problems = append(problems, fmt.Sprintf("%s: sell %.4f < 0", k, sell))
		}
		if sell > buy {
			problems = append(problems, fmt.Sprintf("%s: sell %.4f > buy %.4f", k, sell, buy))
		}
	}
	return problems
}

// Stats summarizes buy/sell/margin extremes for the validation log line.
type Stats struct {
	MinBuy, MaxBuy, AvgBuy       float64
	MinSell, MaxSell, AvgSell    float64
	MinMargin, MaxMargin, AvgMargin float64
}

// Summarize computes min/max/avg of buy, sell, and margin (buy-sell) across
// all 48 buckets, for the step-9 log line.
func (d *TariffDocument) Summarize() Stats {
	keys := AllPeriodKeys()
	var s Stats
	n := float64(len(keys))
	for i, k := range keys {
		buy := d.BuyRate[k]
		sell := d.SellRate[k]
		margin := buy - sell
		if i == 0 {
			s.MinBuy, s.MaxBuy = buy, buy
			s.MinSell, s.MaxSell = sell, sell
			s.MinMargin, s.MaxMargin = margin, margin
		}
		if buy < s.MinBuy {
			s.MinBuy = buy
		}
		if buy > s.MaxBuy {
			s.MaxBuy = buy
		}
		if sell < s.MinSell {
			s.MinSell = sell
		}
		if sell > s.MaxSell {
			s.MaxSell = sell
		}
		if margin < s.MinMargin {
			s.MinMargin = margin
		}
		if margin > s.MaxMargin {
			s.MaxMargin = margin
		}
		s.AvgBuy += buy
		s.AvgSell += sell
		s.AvgMargin += margin
	}
	if n > 0 {
		s.AvgBuy /= n
		s.AvgSell /= n
		s.AvgMargin /= n
	}
	return s
}
