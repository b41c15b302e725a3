package pricing

// ─── Multiplier Rules ───────────────────────────────────────────────────────
// Every multiplier in the model is an ordered, named (predicate, factor)
// rule. Rules are evaluated in slice order; within a stage the factors of
// every applying rule compound multiplicatively. The order is:
//
//	density.rural, density.suburban, density.urban
//	demographic.high_income, demographic.young_adult, demographic.fitness
//	regional.<macro-region> (table order)
//	blue_sky.bottling_partner

// Stage groups rules that feed one multiplier of the formula.
type Stage string

const (
	StageDensity     Stage = "density"
	StageDemographic Stage = "demographic"
	StageRegional    Stage = "regional"
	StageBlueSky     Stage = "blue_sky"
)

// Density tier boundaries in people per square mile.
const (
	SuburbanDensity = 1500.0
	UrbanDensity    = 4000.0
)

// Demographic thresholds.
const (
	HighIncomeThreshold = 0.20
	YoungAdultThreshold = 0.15
)

// Facts are the rule inputs derived from a pricing request.
type Facts struct {
	Density         float64
	HighIncomeShare float64
	YoungAdultShare float64
	FitnessOriented bool
	BottlingPartner bool
	MacroRegion     string
}

// Rule is one named multiplier.
type Rule struct {
	Name    string
	Stage   Stage
	Factor  float64
	Applies func(Facts) bool
}

// AppliedRule records a rule that fired during pricing.
type AppliedRule struct {
	Name   string  `json:"name"`
	Stage  Stage   `json:"stage"`
	Factor float64 `json:"factor"`
}

// DefaultRules builds the documented rule list for the given regions.
func DefaultRules(regions []MacroRegion) []Rule {
	rules := []Rule{
		{Name: "density.rural", Stage: StageDensity, Factor: 0.6,
			Applies: func(f Facts) bool { return f.Density < SuburbanDensity }},
		{Name: "density.suburban", Stage: StageDensity, Factor: 1.0,
			Applies: func(f Facts) bool { return f.Density >= SuburbanDensity && f.Density < UrbanDensity }},
		{Name: "density.urban", Stage: StageDensity, Factor: 1.5,
			Applies: func(f Facts) bool { return f.Density >= UrbanDensity }},

		{Name: "demographic.high_income", Stage: StageDemographic, Factor: 1.25,
			Applies: func(f Facts) bool { return f.HighIncomeShare >= HighIncomeThreshold }},
		{Name: "demographic.young_adult", Stage: StageDemographic, Factor: 1.15,
			Applies: func(f Facts) bool { return f.YoungAdultShare >= YoungAdultThreshold }},
		{Name: "demographic.fitness", Stage: StageDemographic, Factor: 1.20,
			Applies: func(f Facts) bool { return f.FitnessOriented }},
	}

	for _, m := range regions {
		name := m.Name
		rules = append(rules, Rule{
			Name:    "regional." + name,
			Stage:   StageRegional,
			Factor:  m.Factor,
			Applies: func(f Facts) bool { return f.MacroRegion == name },
		})
	}

	rules = append(rules, Rule{
		Name: "blue_sky.bottling_partner", Stage: StageBlueSky, Factor: 1.15,
		Applies: func(f Facts) bool { return f.BottlingPartner },
	})
	return rules
}

// Multipliers is the per-stage product of the applied rules.
type Multipliers struct {
	Density     float64 `json:"density"`
	Demographic float64 `json:"demographic"`
	Regional    float64 `json:"regional"`
	BlueSky     float64 `json:"blue_sky"` // factor applied to the base blue-sky multiple
}

// EvaluateRules runs rules in order and returns the stage products plus the
// list of rules that fired. Stages with no applying rule stay at 1.0.
func EvaluateRules(rules []Rule, f Facts) (Multipliers, []AppliedRule) {
	m := Multipliers{Density: 1, Demographic: 1, Regional: 1, BlueSky: 1}
	var applied []AppliedRule
	for _, r := range rules {
		if !r.Applies(f) {
			continue
		}
		switch r.Stage {
		case StageDensity:
			m.Density *= r.Factor
		case StageDemographic:
			m.Demographic *= r.Factor
		case StageRegional:
			m.Regional *= r.Factor
		case StageBlueSky:
			m.BlueSky *= r.Factor
		}
		applied = append(applied, AppliedRule{Name: r.Name, Stage: r.Stage, Factor: r.Factor})
	}
	return m, applied
}

// DensityCategory names the density tier.
func DensityCategory(density float64) string {
	switch {
	case density >= UrbanDensity:
		return "urban"
	case density >= SuburbanDensity:
		return "suburban"
	default:
		return "rural"
	}
}
