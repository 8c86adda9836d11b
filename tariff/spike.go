package tariff

import "time"

// SpikeConfig parameterizes the spike tariff: the sell-rate multiplier and
// window length are empirically-tuned device quirks spec.md calls out as
// open questions, so both are configuration here rather than constants.
type SpikeConfig struct {
	SellMultiplier   float64 // default 3.0
	WindowPeriods    int     // default 4 (two hours at 30-min buckets)
	TypicalBuyRate   float64
	TypicalSellRate  float64
}

// DefaultSpikeConfig returns the defaults spec.md §4.3 step 10 describes.
func DefaultSpikeConfig() SpikeConfig {
	return SpikeConfig{
		SellMultiplier:  3.0,
		WindowPeriods:   4,
		TypicalBuyRate:  0.30,
		TypicalSellRate: 0.08,
	}
}

// BuildSpike constructs the specialized 48-bucket document C7 publishes
// while a wholesale price spike is active: WindowPeriods buckets, starting
// with the current one, carry a high sell rate (SellMultiplier times
// the current wholesale price, converted $/MWh -> $/kWh), all other
// buckets carry typical retail defaults, and buy is uniformly typical.
func BuildSpike(currentWholesalePriceMWh float64, cfg SpikeConfig, policy BuildPolicy, now time.Time, deviceTZ *time.Location) *TariffDocument {
	if deviceTZ == nil {
		deviceTZ = time.UTC
	}
	nowLocal := now.In(deviceTZ)
	startIdx := int(NewPeriodKey(nowLocal.Hour(), nowLocal.Minute()))

	spikeSellRate := round4((currentWholesalePriceMWh / 1000.0) * cfg.SellMultiplier)

	buy := make(map[PeriodKey]float64, 48)
	sell := make(map[PeriodKey]float64, 48)
	for i, k := range AllPeriodKeys() {
		buy[k] = round4(cfg.TypicalBuyRate)
		offset := (i - startIdx + 48) % 48
		if offset < cfg.WindowPeriods {
			sell[k] = spikeSellRate
		} else {
			sell[k] = round4(cfg.TypicalSellRate)
		}
	}

	return &TariffDocument{
		Version:  1,
		Code:     policy.PlanCode,
		Name:     policy.PlanName,
		Utility:  policy.UtilityName,
		Currency: policy.Currency,
		DailyCharges: []Charge{
			{Name: "Daily Supply Charge", Amount: policy.DailySupplyCharge},
		},
		BuyRate:  buy,
		SellRate: sell,
	}
}
