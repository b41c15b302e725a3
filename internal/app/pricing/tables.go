package pricing

import (
	"math"
	"sort"
	"strings"
)

// ─── Valuation Parameters ───────────────────────────────────────────────────
// Forensic-audit valuation model. Currency values are major units (dollars);
// only the final price is converted to minor units.

// Params holds the model coefficients.
type Params struct {
	ConsumptionCoefficient float64 `toml:"consumption_coefficient"` // cases per person per month
	TargetMarketShare      float64 `toml:"target_market_share"`
	AvgCasePrice           float64 `toml:"avg_case_price"`
	TargetGrossMargin      float64 `toml:"target_gross_margin"`
	BaseBlueSkyMultiple    float64 `toml:"base_blue_sky_multiple"`
	MinPricePerSqMile      float64 `toml:"min_price_per_sq_mile"`
	MinimumLicensingFee    float64 `toml:"minimum_licensing_fee"`
}

// DefaultParams returns the documented model coefficients.
func DefaultParams() Params {
	return Params{
		ConsumptionCoefficient: 0.12,
		TargetMarketShare:      0.02,
		AvgCasePrice:           28.00,
		TargetGrossMargin:      0.35,
		BaseBlueSkyMultiple:    10,
		MinPricePerSqMile:      500,
		MinimumLicensingFee:    5000,
	}
}

// ─── Fee, Tax, Region and Discount Tables ───────────────────────────────────

// FeeSchedule is a region's licensing fee triple.
type FeeSchedule struct {
	Base       float64 `json:"base"`
	Renewal    float64 `json:"renewal"`
	Additional float64 `json:"additional"`
}

// Total is the sum of all three fees.
func (f FeeSchedule) Total() float64 {
	return f.Base + f.Renewal + f.Additional
}

// MacroRegion groups states under one regional multiplier.
type MacroRegion struct {
	Name   string
	Factor float64
	States []string
}

// DiscountTier grants Rate to territories up to MaxSqMiles.
type DiscountTier struct {
	MaxSqMiles float64
	Rate       float64
}

// Tables are the static lookup tables of the pricing model.
type Tables struct {
	Fees          map[string]FeeSchedule // keyed by uppercase region code
	DefaultFees   FeeSchedule
	ExciseTax     map[string]float64 // per-case tax impact keyed by exciseKey(city, region)
	Regions       []MacroRegion      // evaluated in this order
	DiscountTiers []DiscountTier
}

// DefaultTables returns the documented lookup tables.
func DefaultTables() Tables {
	return Tables{
		Fees: map[string]FeeSchedule{
			"CA": {Base: 4500, Renewal: 900, Additional: 600},
			"NY": {Base: 4200, Renewal: 850, Additional: 500},
			"TX": {Base: 3000, Renewal: 600, Additional: 250},
			"FL": {Base: 2800, Renewal: 550, Additional: 300},
			"SC": {Base: 2500, Renewal: 500, Additional: 250},
			"NC": {Base: 2600, Renewal: 500, Additional: 250},
			"GA": {Base: 2700, Renewal: 525, Additional: 275},
			"IL": {Base: 3200, Renewal: 650, Additional: 300},
			"WA": {Base: 3600, Renewal: 700, Additional: 400},
			"CO": {Base: 3100, Renewal: 600, Additional: 350},
			"AZ": {Base: 2650, Renewal: 500, Additional: 200},
			"PA": {Base: 3300, Renewal: 650, Additional: 350},
		},
		DefaultFees: FeeSchedule{Base: 2500, Renewal: 500, Additional: 0},
		ExciseTax: map[string]float64{
			exciseKey("Philadelphia", "PA"):  2.16,
			exciseKey("Seattle", "WA"):       1.75,
			exciseKey("Boulder", "CO"):       0.96,
			exciseKey("Berkeley", "CA"):      0.96,
			exciseKey("San Francisco", "CA"): 0.96,
			exciseKey("Oakland", "CA"):       0.96,
			exciseKey("Albany", "CA"):        0.96,
		},
		Regions: []MacroRegion{
			{Name: "northeast", Factor: 1.10, States: []string{"CT", "DE", "MA", "MD", "ME", "NH", "NJ", "NY", "PA", "RI", "VT", "DC"}},
			{Name: "southeast", Factor: 1.20, States: []string{"AL", "AR", "FL", "GA", "KY", "LA", "MS", "NC", "SC", "TN", "VA", "WV"}},
			{Name: "midwest", Factor: 0.95, States: []string{"IA", "IL", "IN", "KS", "MI", "MN", "MO", "ND", "NE", "OH", "SD", "WI"}},
			{Name: "southwest", Factor: 1.05, States: []string{"AZ", "NM", "OK", "TX"}},
			{Name: "west", Factor: 1.15, States: []string{"AK", "CA", "CO", "HI", "ID", "MT", "NV", "OR", "UT", "WA", "WY"}},
		},
		DiscountTiers: []DiscountTier{
			{MaxSqMiles: 10, Rate: 0},
			{MaxSqMiles: 25, Rate: 0.05},
			{MaxSqMiles: 50, Rate: 0.10},
			{MaxSqMiles: 100, Rate: 0.15},
			{MaxSqMiles: math.Inf(1), Rate: 0.20},
		},
	}
}

// exciseKey normalizes a city+region pair for municipal tax lookup.
func exciseKey(city, region string) string {
	return strings.ToLower(strings.TrimSpace(city)) + "|" + strings.ToLower(strings.TrimSpace(region))
}

// normalizeRegion uppercases a region code.
func normalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}

// licensingFees returns the fee triple for a region, falling back to the default.
func (t *Tables) licensingFees(region string) (FeeSchedule, bool) {
	if f, ok := t.Fees[normalizeRegion(region)]; ok {
		return f, true
	}
	return t.DefaultFees, false
}

// exciseTaxPerCase returns the municipal per-case tax, 0 when unmatched.
func (t *Tables) exciseTaxPerCase(city, region string) float64 {
	if city == "" {
		return 0
	}
	return t.ExciseTax[exciseKey(city, region)]
}

// macroRegion maps a state code (or a macro-region name) to its macro-region.
func (t *Tables) macroRegion(region string) string {
	code := normalizeRegion(region)
	if code == "" {
		return ""
	}
	for _, m := range t.Regions {
		if strings.EqualFold(m.Name, code) {
			return m.Name
		}
		for _, s := range m.States {
			if s == code {
				return m.Name
			}
		}
	}
	return ""
}

// sortedTiers returns a copy of the tiers in ascending threshold order so
// that smaller tiers are never skipped.
func sortedTiers(tiers []DiscountTier) []DiscountTier {
	out := append([]DiscountTier(nil), tiers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MaxSqMiles < out[j].MaxSqMiles })
	return out
}

// volumeDiscount picks the first tier whose MaxSqMiles ≥ area.
// Tiers must already be sorted ascending.
func volumeDiscount(tiers []DiscountTier, area float64) float64 {
	for _, tier := range tiers {
		if tier.MaxSqMiles >= area {
			return tier.Rate
		}
	}
	return 0
}
