package tariff

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// wireRateTable is the {"ALL": {"rates": {...}}} shape shared by demand and
// energy charges.
type wireRateTable struct {
	Rates map[string]float64 `json:"rates"`
}

type wireTOUWindow struct {
	ToDayOfWeek int `json:"toDayOfWeek"`
	FromHour    int `json:"fromHour,omitempty"`
	FromMinute  int `json:"fromMinute,omitempty"`
	ToHour      int `json:"toHour,omitempty"`
	ToMinute    int `json:"toMinute,omitempty"`
}

type wireTOUPeriod struct {
	Periods []wireTOUWindow `json:"periods"`
}

type wireSeason struct {
	FromMonth  int                      `json:"fromMonth"`
	ToMonth    int                      `json:"toMonth"`
	FromDay    int                      `json:"fromDay"`
	ToDay      int                      `json:"toDay"`
	TOUPeriods map[string]wireTOUPeriod `json:"tou_periods"`
}

type wireSide struct {
	Version       int                      `json:"version,omitempty"`
	Code          string                   `json:"code,omitempty"`
	Name          string                   `json:"name,omitempty"`
	Utility       string                   `json:"utility,omitempty"`
	Currency      string                   `json:"currency,omitempty"`
	DailyCharges  []Charge                 `json:"daily_charges,omitempty"`
	DemandCharges map[string]wireRateTable `json:"demand_charges"`
	EnergyCharges map[string]wireRateTable `json:"energy_charges"`
	Seasons       map[string]wireSeason    `json:"seasons"`
}

type wireDocument struct {
	wireSide
	SellTariff wireSide `json:"sell_tariff"`
}

func buildSide(d *TariffDocument, rates map[PeriodKey]float64, metadata bool) wireSide {
	energyRates := make(map[string]float64, 48)
	touPeriods := make(map[string]wireTOUPeriod, 48)
	for _, k := range AllPeriodKeys() {
		key := k.String()
		energyRates[key] = round4(rates[k])
		touPeriods[key] = wireTOUPeriod{Periods: []wireTOUWindow{{ToDayOfWeek: 6}}}
	}

	demandSeasonSummer := wireRateTable{Rates: map[string]float64{"ALL": 0}}
	appliesHere := (metadata && d.DemandAppliesBuy) || (!metadata && d.DemandAppliesSell)
	if len(d.DemandRates) > 0 && appliesHere {
		dr := make(map[string]float64, 48)
		for _, k := range AllPeriodKeys() {
			dr[k.String()] = round4(d.DemandRates[k])
		}
		demandSeasonSummer = wireRateTable{Rates: dr}
	}

	side := wireSide{
		DemandCharges: map[string]wireRateTable{
			"ALL":    {Rates: map[string]float64{"ALL": 0}},
			"Summer": demandSeasonSummer,
			"Winter": {Rates: map[string]float64{}},
		},
		EnergyCharges: map[string]wireRateTable{
			"ALL":    {Rates: map[string]float64{"ALL": 0}},
			"Summer": {Rates: energyRates},
			"Winter": {Rates: map[string]float64{}},
		},
		Seasons: map[string]wireSeason{
			"Summer": {
				FromMonth:  1,
				ToMonth:    12,
				FromDay:    1,
				ToDay:      31,
				TOUPeriods: touPeriods,
			},
			"Winter": {TOUPeriods: map[string]wireTOUPeriod{}},
		},
	}
	if metadata {
		side.Version = d.Version
		side.Code = d.Code
		side.Name = d.Name
		side.Utility = d.Utility
		side.Currency = d.Currency
		side.DailyCharges = d.DailyCharges
	}
	return side
}

// MarshalJSON renders the bit-exact wire format spec.md §6 requires,
// mirroring the buy side into energy_charges/demand_charges and the sell
// side into sell_tariff.
func (d *TariffDocument) MarshalJSON() ([]byte, error) {
	wd := wireDocument{
		wireSide:   buildSide(d, d.BuyRate, true),
		SellTariff: buildSide(d, d.SellRate, false),
	}
	return json.Marshal(wd)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// parseSide recovers the 48-bucket rate table and, for the metadata side,
// the document's top-level fields from one wireSide.
func parseSide(s wireSide) (rates map[PeriodKey]float64, demand map[PeriodKey]float64) {
	if season, ok := s.EnergyCharges["Summer"]; ok {
		rates = make(map[PeriodKey]float64, len(season.Rates))
		for k, v := range season.Rates {
			pk, err := ParsePeriodKey(k)
			if err != nil {
				continue
			}
			rates[pk] = v
		}
	}
	if season, ok := s.DemandCharges["Summer"]; ok && len(season.Rates) > 0 {
		demand = make(map[PeriodKey]float64, len(season.Rates))
		for k, v := range season.Rates {
			pk, err := ParsePeriodKey(k)
			if err != nil {
				continue
			}
			demand[pk] = v
		}
	}
	return rates, demand
}

// UnmarshalJSON recovers a TariffDocument from the device's wire format,
// the inverse of MarshalJSON. It is used to read back a device's current
// tariff (e.g. site_info's tariff_content_v2) as a restore snapshot.
func (d *TariffDocument) UnmarshalJSON(data []byte) error {
	var wd wireDocument
	if err := json.Unmarshal(data, &wd); err != nil {
		return fmt.Errorf("tariff: decode wire document: %w", err)
	}

	buyRate, demandRate := parseSide(wd.wireSide)
	sellRate, _ := parseSide(wd.SellTariff)

	d.Version = wd.Version
	d.Code = wd.Code
	d.Name = wd.Name
	d.Utility = wd.Utility
	d.Currency = wd.Currency
	d.DailyCharges = wd.DailyCharges
	d.BuyRate = buyRate
	d.SellRate = sellRate
	d.DemandRates = demandRate
	d.DemandAppliesBuy = len(demandRate) > 0
	return nil
}

// CanonicalHash returns the MD5 hex digest of the document's canonical
// (key-sorted) JSON form, used by the sync executor for publish-dedupe
// (spec.md §4.5 step 5).
func CanonicalHash(d *TariffDocument) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("tariff: marshal for hash: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("tariff: re-decode for canonicalization: %w", err)
	}
	canonical, err := canonicalJSON(generic)
	if err != nil {
		return "", fmt.Errorf("tariff: canonicalize: %w", err)
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes a decoded JSON value with object keys sorted,
// matching Python's json.dumps(..., sort_keys=True) used by the original
// implementation's get_tariff_hash.
func canonicalJSON(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}
