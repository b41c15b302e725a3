// Package pricing implements the deterministic territory licensing price
// model: population driven revenue, licensing fees and excise tax, rule
// based multipliers, a per-square-mile floor, volume discounts and a global
// minimum fee.
package pricing

import (
	"math"
	"strings"

	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/validation"
)

// Input describes the territory being priced.
type Input struct {
	TerritoryName   string  `json:"territory_name" validate:"max=200"`
	City            string  `json:"city" validate:"max=100"`
	Region          string  `json:"region" validate:"max=32"`
	Population      int64   `json:"population" validate:"gte=0"`
	AreaSqMiles     float64 `json:"area_sq_miles" validate:"gt=0"`
	Density         float64 `json:"density" validate:"gte=0"` // people per sq mi; 0 derives it
	HighIncomeShare float64 `json:"high_income_share" validate:"gte=0,lte=1"`
	YoungAdultShare float64 `json:"young_adult_share" validate:"gte=0,lte=1"`
	FitnessOriented bool    `json:"fitness_oriented"`
	BottlingPartner bool    `json:"bottling_partner"`
}

// LineItem is one signed component of the final price, in minor units.
type LineItem struct {
	Category    string `json:"category"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Line item categories.
const (
	ItemBaseLicense = "base_license_value"
	ItemDiscount    = "volume_discount"
	ItemFees        = "licensing_fees"
	ItemMinimum     = "minimum_fee_adjustment"
)

// Output is a priced territory with every intermediate value.
type Output struct {
	FinalPrice int64 `json:"final_price"` // minor units

	Density            float64     `json:"density"`
	DensityCategory    string      `json:"density_category"`
	MacroRegion        string      `json:"macro_region,omitempty"`
	AnnualRevenue      float64     `json:"annual_revenue"`
	GrossProfit        float64     `json:"gross_profit"`
	LicensingFees      float64     `json:"licensing_fees"`
	ExciseTaxImpact    float64     `json:"excise_tax_impact"`
	NetValue           float64     `json:"net_value"`
	BlueSkyMultiple    float64     `json:"blue_sky_multiple"`
	Multipliers        Multipliers `json:"multipliers"`
	BasePricePerSqMile float64     `json:"base_price_per_sq_mile"`
	FloorApplied       bool        `json:"floor_applied"`
	TotalBasePrice     float64     `json:"total_base_price"`
	VolumeDiscount     float64     `json:"volume_discount"`
	MinimumApplied     bool        `json:"minimum_applied"`

	AppliedRules []AppliedRule `json:"applied_rules"`
	Breakdown    []LineItem    `json:"breakdown"`
	Rationale    string        `json:"rationale"`
}

// Engine prices territories. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	params Params
	tables Tables
	tiers  []DiscountTier
	rules  []Rule
}

// NewEngine creates a pricing engine. Discount tiers are sorted ascending.
func NewEngine(params Params, tables Tables) *Engine {
	return &Engine{
		params: params,
		tables: tables,
		tiers:  sortedTiers(tables.DiscountTiers),
		rules:  DefaultRules(tables.Regions),
	}
}

// NewDefaultEngine creates an engine with the documented defaults.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultParams(), DefaultTables())
}

// Params returns the engine's coefficients.
func (e *Engine) Params() Params { return e.params }

// Price computes the licensing price. It is pure: identical inputs yield
// bit-identical outputs.
func (e *Engine) Price(in Input) (Output, error) {
	if err := validation.Struct(in); err != nil {
		return Output{}, err
	}
	if math.IsInf(in.AreaSqMiles, 0) {
		return Output{}, domain.Invalid("area_sq_miles", "must be finite")
	}
	if math.IsNaN(in.Density) || math.IsInf(in.Density, 0) {
		return Output{}, domain.Invalid("density", "must be finite")
	}

	p := e.params
	var out Output

	out.Density = in.Density
	if out.Density == 0 {
		out.Density = float64(in.Population) / in.AreaSqMiles
	}
	out.DensityCategory = DensityCategory(out.Density)
	out.MacroRegion = e.tables.macroRegion(in.Region)

	// Revenue and value.
	pop := float64(in.Population)
	out.AnnualRevenue = pop * p.ConsumptionCoefficient * p.TargetMarketShare * p.AvgCasePrice * 12
	out.GrossProfit = out.AnnualRevenue * p.TargetGrossMargin
	fees, _ := e.tables.licensingFees(in.Region)
	out.LicensingFees = fees.Total()
	out.ExciseTaxImpact = pop * p.ConsumptionCoefficient * 12 * e.tables.exciseTaxPerCase(in.City, in.Region)
	out.NetValue = out.GrossProfit - out.LicensingFees - out.ExciseTaxImpact

	// Multipliers.
	mult, applied := EvaluateRules(e.rules, Facts{
		Density:         out.Density,
		HighIncomeShare: in.HighIncomeShare,
		YoungAdultShare: in.YoungAdultShare,
		FitnessOriented: in.FitnessOriented,
		BottlingPartner: in.BottlingPartner,
		MacroRegion:     out.MacroRegion,
	})
	out.Multipliers = mult
	out.AppliedRules = applied
	out.BlueSkyMultiple = p.BaseBlueSkyMultiple * mult.BlueSky

	perSqMile := (out.NetValue / in.AreaSqMiles) * (out.BlueSkyMultiple / 10) *
		mult.Density * mult.Demographic * mult.Regional
	out.BasePricePerSqMile = perSqMile
	if perSqMile < p.MinPricePerSqMile {
		out.BasePricePerSqMile = p.MinPricePerSqMile
		out.FloorApplied = true
	}
	out.TotalBasePrice = out.BasePricePerSqMile * in.AreaSqMiles

	// Discount and minimum.
	out.VolumeDiscount = volumeDiscount(e.tiers, in.AreaSqMiles)
	raw := out.TotalBasePrice*(1-out.VolumeDiscount) + out.LicensingFees
	if raw < p.MinimumLicensingFee {
		out.MinimumApplied = true
		raw = p.MinimumLicensingFee
	}
	out.FinalPrice = toMinor(raw)

	out.Breakdown = e.breakdown(&out, in)
	out.Rationale = rationale(&out, in)
	return out, nil
}

// breakdown splits the final price into line items whose amounts sum exactly
// to FinalPrice. The rounding residual is carried by the discount line (or
// by the minimum-fee adjustment when the minimum applies).
func (e *Engine) breakdown(out *Output, in Input) []LineItem {
	base := toMinor(out.TotalBasePrice)
	fees := toMinor(out.LicensingFees)

	items := []LineItem{
		{Category: ItemBaseLicense, Amount: base, Description: baseDescription(out, in)},
	}

	var discount int64
	if out.MinimumApplied {
		discount = -toMinor(out.TotalBasePrice * out.VolumeDiscount)
	} else {
		discount = out.FinalPrice - base - fees
	}
	items = append(items, LineItem{Category: ItemDiscount, Amount: discount, Description: discountDescription(out.VolumeDiscount, in.AreaSqMiles)})
	items = append(items, LineItem{Category: ItemFees, Amount: fees, Description: "State licensing fees (base, renewal and additional)"})

	if out.MinimumApplied {
		adj := out.FinalPrice - base - discount - fees
		items = append(items, LineItem{
			Category:    ItemMinimum,
			Amount:      adj,
			Description: "Raised to the minimum licensing fee of " + formatMoney(e.params.MinimumLicensingFee),
		})
	}
	return items
}

func baseDescription(out *Output, in Input) string {
	var b strings.Builder
	b.WriteString(formatMoney(out.BasePricePerSqMile))
	b.WriteString(" per sq mi × ")
	b.WriteString(formatFloat(in.AreaSqMiles, 1))
	b.WriteString(" sq mi")
	if out.FloorApplied {
		b.WriteString(" (per-square-mile floor)")
	}
	return b.String()
}

func discountDescription(rate, area float64) string {
	if rate == 0 {
		return "No volume discount for " + formatFloat(area, 1) + " sq mi"
	}
	return formatFloat(rate*100, 0) + "% volume discount for " + formatFloat(area, 1) + " sq mi"
}

// toMinor converts major units to minor units, rounding half away from zero.
func toMinor(v float64) int64 {
	return int64(math.Round(v * 100))
}
