package tariff

import (
	"fmt"
	"log"
	"time"

	"github.com/openenergy/tariffsync/errkind"
	"github.com/openenergy/tariffsync/priceapi"
)

// maxMissingBuckets is the step-7 safety guard: more than this many of the
// 96 buy+sell values unfilled after the rolling-window fallback aborts the
// build entirely.
const maxMissingBuckets = 10

// ForecastType and UserPolicy fields the builder needs; kept minimal and
// local to this package to avoid a dependency cycle with policy (which
// itself may want to import tariff for SavedTariff snapshots).
type BuildPolicy struct {
	ForecastType              priceapi.ForecastType
	DemandChargesEnabled      bool
	DemandChargeRate          float64
	DemandChargeApplyToBuy    bool
	DemandChargeApplyToSell   bool
	DemandPeakStartHour       int
	DemandPeakStartMinute     int
	DemandPeakEndHour         int
	DemandPeakEndMinute       int
	DemandWeekdayMask         uint8 // bit i = weekday time.Weekday(i)
	UtilityName               string
	PlanCode                  string
	PlanName                  string
	Currency                  string
	DailySupplyCharge         float64
}

// Build implements the ten-step algorithm of spec.md §4.3. forecast is the
// 48-hour, 30-minute-resolution window; currentActual, if non-nil, is the
// most recent 5-minute sample pair for the in-progress period.
func Build(forecast []priceapi.PriceInterval, currentActual *CurrentActualPair, policy BuildPolicy, deviceTZ *time.Location, now time.Time, logger *log.Logger) (*TariffDocument, error) {
	if logger == nil {
		logger = log.Default()
	}
	if deviceTZ == nil {
		deviceTZ = time.UTC
	}

	general, feedIn := bucketForecast(forecast, policy.ForecastType, deviceTZ)

	nowLocal := now.In(deviceTZ)
	currentBucket := NewPeriodKey(nowLocal.Hour(), nowLocal.Minute())
	today := nowLocal.Format("2006-01-02")
	tomorrow := nowLocal.AddDate(0, 0, 1).Format("2006-01-02")

	buy := make(map[PeriodKey]float64, 48)
	sell := make(map[PeriodKey]float64, 48)
	missing := 0

	for _, k := range AllPeriodKeys() {
		buyVal, buyOK := assembleBucket(general, k, currentBucket, today, tomorrow)
		sellVal, sellOK := assembleBucket(feedIn, k, currentBucket, today, tomorrow)
		if buyOK {
			buy[k] = buyVal
		} else {
			missing++
		}
		if sellOK {
			sell[k] = sellVal
		} else {
			missing++
		}
	}

	if currentActual != nil {
		if currentActual.HasGeneral {
			v := currentActual.GeneralPerKwh / 100.0
			if v < 0 {
				v = 0
			}
			buy[currentBucket] = round4(v)
		}
		if currentActual.HasFeedIn {
			v := currentActual.FeedInPerKwh / 100.0
			if v < 0 {
				v = 0
			}
			sell[currentBucket] = round4(v)
		}
	}

	var adjustments []string
	for _, k := range AllPeriodKeys() {
		b, hasB := buy[k]
		s, hasS := sell[k]
		if !hasB || !hasS {
			continue
		}
		if b < 0 {
			adjustments = append(adjustments, fmt.Sprintf("%s: clamped buy %.4f to 0", k, b))
			b = 0
		}
		if s < 0 {
			adjustments = append(adjustments, fmt.Sprintf("%s: clamped sell %.4f to 0", k, s))
			s = 0
		}
		if s > b {
			adjustments = append(adjustments, fmt.Sprintf("%s: clamped sell %.4f to buy %.4f", k, s, b))
			s = b
		}
		buy[k] = round4(b)
		sell[k] = round4(s)
	}

	if missing > maxMissingBuckets {
		logger.Printf("tariff: %d of 96 buckets missing after rolling-window fallback, aborting build: %v", missing, errkind.ErrInsufficientData)
		return nil, fmt.Errorf("tariff: %d of 96 buckets missing: %w", missing, errkind.ErrInsufficientData)
	}

	doc := &TariffDocument{
		Version:  1,
		Code:     policy.PlanCode,
		Name:     policy.PlanName,
		Utility:  policy.UtilityName,
		Currency: policy.Currency,
		DailyCharges: []Charge{
			{Name: "Daily Supply Charge", Amount: policy.DailySupplyCharge},
		},
		BuyRate:           buy,
		SellRate:          sell,
		DemandAppliesBuy:  policy.DemandChargeApplyToBuy,
		DemandAppliesSell: policy.DemandChargeApplyToSell,
		Adjustments:       adjustments,
	}

	if policy.DemandChargesEnabled {
		doc.DemandRates = buildDemandRates(policy, now)
	}

	if problems := doc.Validate(); len(problems) > 0 {
		logger.Printf("tariff: validation warnings: %v", problems)
	}
	stats := doc.Summarize()
	logger.Printf("tariff: built buy[min=%.4f max=%.4f avg=%.4f] sell[min=%.4f max=%.4f avg=%.4f] margin[min=%.4f max=%.4f avg=%.4f]",
		stats.MinBuy, stats.MaxBuy, stats.AvgBuy, stats.MinSell, stats.MaxSell, stats.AvgSell, stats.MinMargin, stats.MaxMargin, stats.AvgMargin)

	return doc, nil
}

// CurrentActualPair carries the two 5-minute samples for the in-progress
// market period, used by step 5 of the builder (current-period override).
type CurrentActualPair struct {
	HasGeneral    bool
	GeneralPerKwh float64
	HasFeedIn     bool
	FeedInPerKwh  float64
}

// bucketedPrice holds the accumulated sum/count per (date, bucket) for
// step 3's per-bucket aggregation.
type bucketedPrice struct {
	sum   float64
	count int
}

// bucketForecast implements steps 1-3: select a price per interval, bucket
// by device-local (date, half-hour), and aggregate by mean.
func bucketForecast(forecast []priceapi.PriceInterval, forecastType priceapi.ForecastType, deviceTZ *time.Location) (general, feedIn map[string]*bucketedPrice) {
	general = map[string]*bucketedPrice{}
	feedIn = map[string]*bucketedPrice{}

	for _, iv := range forecast {
		price, ok := selectPrice(iv, forecastType)
		if !ok {
			continue
		}
		localStart := iv.StartTime().In(deviceTZ)
		k := NewPeriodKey(localStart.Hour(), localStart.Minute())
		dateKey := fmt.Sprintf("%s|%s", localStart.Format("2006-01-02"), k.String())

		dollars := price / 100.0

		var target map[string]*bucketedPrice
		switch iv.ChannelType {
		case priceapi.ChannelGeneral:
			target = general
		case priceapi.ChannelFeedIn:
			target = feedIn
		default:
			continue
		}
		bp, exists := target[dateKey]
		if !exists {
			bp = &bucketedPrice{}
			target[dateKey] = bp
		}
		bp.sum += dollars
		bp.count++
	}
	return general, feedIn
}

// selectPrice implements step 1's price-selection precedence.
func selectPrice(iv priceapi.PriceInterval, forecastType priceapi.ForecastType) (float64, bool) {
	switch iv.Kind {
	case priceapi.KindForecast:
		if iv.AdvancedPrice == nil {
			return 0, false
		}
		v, ok := iv.AdvancedPrice.Lookup(forecastType)
		if !ok {
			return 0, false
		}
		return v, true
	case priceapi.KindCurrent:
		if iv.AdvancedPrice != nil {
			if v, ok := iv.AdvancedPrice.Lookup(forecastType); ok {
				return v, true
			}
		}
		return iv.PerKwh, true
	case priceapi.KindActual:
		return iv.PerKwh, true
	default:
		return 0, false
	}
}

// assembleBucket implements step 4's rolling-window lookup for one
// PeriodKey: tomorrow's forecast for buckets strictly before currentBucket,
// today's forecast otherwise, with a same-day fallback if the preferred
// date's bucket is absent.
func assembleBucket(buckets map[string]*bucketedPrice, k PeriodKey, currentBucket PeriodKey, today, tomorrow string) (float64, bool) {
	preferred := tomorrow
	if k >= currentBucket {
		preferred = today
	}

	if bp, ok := buckets[preferred+"|"+k.String()]; ok && bp.count > 0 {
		return bp.sum / float64(bp.count), true
	}
	if bp, ok := buckets[today+"|"+k.String()]; ok && bp.count > 0 {
		return bp.sum / float64(bp.count), true
	}
	return 0, false
}

// buildDemandRates implements step 8: peak rate inside the configured
// window, honoring a midnight-crossing range and the weekday mask (mask
// bit unset for now's weekday means the whole day is off-peak, matching
// demand.inPeakWindow's convention that a zero mask means every day).
// This builder emits a flat peak/off-peak split; a shoulder rate is
// scoped out of this expansion since UserPolicy carries a single
// DemandChargeRate (see DESIGN.md's open-question decisions for why a
// three-tier rate schema wasn't added).
func buildDemandRates(policy BuildPolicy, now time.Time) map[PeriodKey]float64 {
	rates := make(map[PeriodKey]float64, 48)

	dayBit := uint8(1) << uint(now.Weekday())
	if policy.DemandWeekdayMask != 0 && policy.DemandWeekdayMask&dayBit == 0 {
		for _, k := range AllPeriodKeys() {
			rates[k] = 0
		}
		return rates
	}

	startMinutes := policy.DemandPeakStartHour*60 + policy.DemandPeakStartMinute
	endMinutes := policy.DemandPeakEndHour*60 + policy.DemandPeakEndMinute
	crossesMidnight := endMinutes <= startMinutes

	for _, k := range AllPeriodKeys() {
		periodMinutes := k.Hour()*60 + k.Minute()
		inWindow := false
		if crossesMidnight {
			inWindow = periodMinutes >= startMinutes || periodMinutes < endMinutes
		} else {
			inWindow = periodMinutes >= startMinutes && periodMinutes < endMinutes
		}
		if inWindow {
			rates[k] = policy.DemandChargeRate
		} else {
			rates[k] = 0
		}
	}
	return rates
}
