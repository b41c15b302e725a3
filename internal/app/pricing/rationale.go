package pricing

import (
	"strconv"
	"strings"
)

// ─── Fairness Rationale ─────────────────────────────────────────────────────
// A plain-language summary of the factors that moved the price. Only
// multipliers that differ from 1.0 are mentioned.

func rationale(out *Output, in Input) string {
	var parts []string

	parts = append(parts, "Priced at "+formatMoney(float64(out.FinalPrice)/100)+
		" for "+formatFloat(in.AreaSqMiles, 1)+" sq mi serving "+formatInt(in.Population)+" residents.")

	density := strings.ToUpper(out.DensityCategory[:1]) + out.DensityCategory[1:] +
		" density (" + formatInt(int64(out.Density+0.5)) + " people/sq mi)"
	if out.Multipliers.Density != 1 {
		density += " applies a " + formatFactor(out.Multipliers.Density) + " multiplier."
	} else {
		density += " is priced at the neutral rate."
	}
	parts = append(parts, density)

	if out.Multipliers.Regional != 1 {
		parts = append(parts, "Regional market strength ("+out.MacroRegion+") applies "+formatFactor(out.Multipliers.Regional)+".")
	}

	if out.Multipliers.Demographic != 1 {
		var drivers []string
		for _, r := range out.AppliedRules {
			if r.Stage != StageDemographic {
				continue
			}
			switch r.Name {
			case "demographic.high_income":
				drivers = append(drivers, "high-income share of "+formatFloat(in.HighIncomeShare*100, 0)+"%")
			case "demographic.young_adult":
				drivers = append(drivers, "young-adult share of "+formatFloat(in.YoungAdultShare*100, 0)+"%")
			case "demographic.fitness":
				drivers = append(drivers, "fitness-oriented community")
			default:
				drivers = append(drivers, r.Name)
			}
		}
		parts = append(parts, "Demographic premium of "+formatFactor(out.Multipliers.Demographic)+
			" from "+strings.Join(drivers, " and ")+".")
	}

	if out.Multipliers.BlueSky != 1 {
		parts = append(parts, "Bottling partnership raises the blue-sky multiple to "+formatFloat(out.BlueSkyMultiple, 2)+".")
	}
	if out.ExciseTaxImpact > 0 {
		parts = append(parts, "Municipal beverage tax reduces net value by "+formatMoney(out.ExciseTaxImpact)+".")
	}
	if out.FloorApplied {
		parts = append(parts, "The per-square-mile floor of "+formatMoney(out.BasePricePerSqMile)+" applies.")
	}
	if out.VolumeDiscount > 0 {
		parts = append(parts, "A "+formatFloat(out.VolumeDiscount*100, 0)+"% volume discount rewards the larger area.")
	}
	if out.MinimumApplied {
		parts = append(parts, "The minimum licensing fee sets the final price.")
	}
	return strings.Join(parts, " ")
}

// formatMoney renders a major-unit amount as $1,234.56.
func formatMoney(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	cents := toMinor(v)
	s := "$" + groupThousands(cents/100) + "." + pad2(cents%100)
	if neg {
		return "-" + s
	}
	return s
}

func formatInt(n int64) string {
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	return groupThousands(n)
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatFactor(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "x"
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
