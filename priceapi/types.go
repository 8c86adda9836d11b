// Package priceapi defines the price interval data model and the two
// concrete producers (push and pull) that feed the sync engine.
package priceapi

import "time"

// ChannelType identifies the metering direction a PriceInterval describes.
type ChannelType string

const (
	ChannelGeneral ChannelType = "general" // import
	ChannelFeedIn  ChannelType = "feedIn"  // export
)

// IntervalKind is the temporal status of a PriceInterval.
type IntervalKind string

const (
	KindActual   IntervalKind = "ActualInterval"
	KindCurrent  IntervalKind = "CurrentInterval"
	KindForecast IntervalKind = "ForecastInterval"
)

// ForecastType selects which column of an AdvancedPrice a UserPolicy wants.
type ForecastType string

const (
	ForecastPredicted ForecastType = "predicted"
	ForecastLow       ForecastType = "low"
	ForecastHigh      ForecastType = "high"
)

// AdvancedPrice is the {predicted, low, high} triple attached to
// ForecastInterval (always) and the opening minutes of CurrentInterval
// (sometimes). It is absent for far-future forecasts.
type AdvancedPrice struct {
	Predicted float64
	Low       float64
	High      float64
}

// Lookup returns the value for the requested forecast type. ok is false
// only if ft is not one of the three known types.
func (a AdvancedPrice) Lookup(ft ForecastType) (float64, bool) {
	switch ft {
	case ForecastPredicted:
		return a.Predicted, true
	case ForecastLow:
		return a.Low, true
	case ForecastHigh:
		return a.High, true
	default:
		return 0, false
	}
}

// PriceInterval is one half-hour or five-minute market sample.
//
// Sign convention on the wire: feedIn prices are negative when the
// consumer is paid to export. NormalizeSign below adopts the device's
// "positive = credit" convention; callers must invoke it exactly once per
// interval, at ingest.
type PriceInterval struct {
	NemTime       time.Time // absolute end-of-interval timestamp, with offset
	Duration      time.Duration
	ChannelType   ChannelType
	Kind          IntervalKind
	PerKwh        float64 // cents/kWh; feedIn is sign-normalized at ingest (positive = credit)
	AdvancedPrice *AdvancedPrice
}

// NormalizeSign returns a copy of the interval with PerKwh and every
// AdvancedPrice value negated for feedIn intervals; the AdvancedPrice is
// replaced, not modified through the shared pointer. It must be applied
// exactly once, at ingest.
func (p PriceInterval) NormalizeSign() PriceInterval {
	if p.ChannelType == ChannelFeedIn {
		p.PerKwh = -p.PerKwh
		if p.AdvancedPrice != nil {
			p.AdvancedPrice = &AdvancedPrice{
				Predicted: -p.AdvancedPrice.Predicted,
				Low:       -p.AdvancedPrice.Low,
				High:      -p.AdvancedPrice.High,
			}
		}
	}
	return p
}

// StartTime is the interval's start, computed from the provider's
// end-of-interval timestamp and duration (spec §4.3 step 2).
func (p PriceInterval) StartTime() time.Time {
	return p.NemTime.Add(-p.Duration)
}

// Site is the minimal site identity the core needs from the administrative
// surface (§6: users are looked up by email, sites by id).
type Site struct {
	ID     string
	NMI    string
	Status string
}
