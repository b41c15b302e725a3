package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tutu-network/fieldnet/internal/app/pricing"
	"github.com/tutu-network/fieldnet/internal/domain"
	"github.com/tutu-network/fieldnet/internal/infra/geo"
)

// ─── Territory CLI ──────────────────────────────────────────────────────────
// Offline tools for the pricing engine and the distance model. Neither opens
// the database.

func init() {
	rootCmd.AddCommand(priceCmd)
	rootCmd.AddCommand(distanceCmd)

	f := priceCmd.Flags()
	f.String("name", "", "Territory name")
	f.String("city", "", "City")
	f.StringP("region", "r", "", "Two-letter state or region code")
	f.Int64P("population", "p", 0, "Resident population")
	f.Float64P("area", "a", 0, "Area in square miles")
	f.Float64("density", 0, "People per square mile (default population/area)")
	f.Float64("high-income", 0, "Share of high-income households, 0..1")
	f.Float64("young-adult", 0, "Share of young adults, 0..1")
	f.Bool("fitness", false, "Fitness-oriented market")
	f.Bool("bottling-partner", false, "Bottling partner in the territory")
	f.Bool("summary", false, "Print only the final price and rationale")
}

// ─── price ──────────────────────────────────────────────────────────────────

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Quote a territory licensing price",
	Long: `Compute the deterministic licensing quote using the coefficients from
[pricing] in the config file.`,
	Args: cobra.NoArgs,
	RunE: runPrice,
}

func runPrice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f := cmd.Flags()
	var in pricing.Input
	in.TerritoryName, _ = f.GetString("name")
	in.City, _ = f.GetString("city")
	in.Region, _ = f.GetString("region")
	in.Population, _ = f.GetInt64("population")
	in.AreaSqMiles, _ = f.GetFloat64("area")
	in.Density, _ = f.GetFloat64("density")
	in.HighIncomeShare, _ = f.GetFloat64("high-income")
	in.YoungAdultShare, _ = f.GetFloat64("young-adult")
	in.FitnessOriented, _ = f.GetBool("fitness")
	in.BottlingPartner, _ = f.GetBool("bottling-partner")

	out, err := pricing.NewEngine(cfg.Pricing, pricing.DefaultTables()).Price(in)
	if err != nil {
		return err
	}

	if summary, _ := f.GetBool("summary"); summary {
		fmt.Fprintf(cmd.OutOrStdout(), "Final price: %s\n\n%s\n", formatCents(out.FinalPrice), out.Rationale)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), out)
}

// ─── distance ───────────────────────────────────────────────────────────────

var distanceCmd = &cobra.Command{
	Use:   "distance LAT1 LNG1 LAT2 LNG2",
	Short: "Great-circle distance in miles between two points",
	Args:  cobra.ExactArgs(4),
	RunE:  runDistance,
}

func runDistance(cmd *cobra.Command, args []string) error {
	var v [4]float64
	names := [4]string{"lat1", "lng1", "lat2", "lng2"}
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return domain.Invalid(names[i], "must be a number")
		}
		v[i] = f
	}
	if !geo.ValidCoordinate(v[0], v[1]) {
		return domain.Invalid("lat1", "coordinate out of range")
	}
	if !geo.ValidCoordinate(v[2], v[3]) {
		return domain.Invalid("lat2", "coordinate out of range")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%.2f mi\n", geo.DistanceMiles(v[0], v[1], v[2], v[3]))
	return nil
}

// formatCents renders minor units as dollars with two decimals.
func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
