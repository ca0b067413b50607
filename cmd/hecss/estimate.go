package main

import (
	"fmt"
	"sort"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/dist"
	"github.com/jochym/hecss/width"
	"github.com/spf13/cobra"
)

var estimateFlags struct {
	n    int
	tmax float64
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the initial width (eta) of the sampler",
	Args:  cobra.NoArgs,
	RunE:  runEstimate,
}

func init() {
	estimateCmd.Flags().IntVarP(&estimateFlags.n, "trials", "n", 10, "number of trial evaluations")
	estimateCmd.Flags().Float64Var(&estimateFlags.tmax, "tmax", 0, "maximum temperature in K (default: the configured temperature or 600)")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f, err := loadConfig(true)
	if err != nil {
		return err
	}
	s, err := f.BuildStructure()
	if err != nil {
		return err
	}
	ev, err := evaluator(f)
	if err != nil {
		return err
	}
	q, err := dist.ByName(f.Sampler.Dist)
	if err != nil {
		return err
	}

	e0 := 0.0
	if f.Structure.Energy != nil {
		e0 = *f.Structure.Energy
	} else {
		if e0, _, err = ev.Evaluate(ctx, baseTrial(s)); err != nil {
			return err
		}
	}

	tmax := estimateFlags.tmax
	if tmax <= 0 {
		tmax = f.Temperature
	}
	res, err := width.Estimate(ctx, s, ev, e0, estimateFlags.n, tmax,
		width.WidthScale(f.Sampler.WScale),
		width.Dist(q),
		width.Rand(newRand(f.Seed)),
		width.Logger(logger),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "eta = %.4g ± %.2g  (%d trials)\n", res.Eta, res.Std, len(res.Trials))
	if !res.Reliable() {
		fmt.Fprintln(out, "warning: low accuracy, consider more trials")
	}
	seen := map[string]float64{}
	for a := 0; a < s.Len(); a++ {
		seen[s.Species(a)] = res.XScale.At(a, 0)
	}
	species := make([]string, 0, len(seen))
	for sp := range seen {
		species = append(species, sp)
	}
	sort.Strings(species)
	for _, sp := range species {
		fmt.Fprintf(out, "xscale[%s] = %.4f\n", sp, seen[sp])
	}
	return nil
}

func baseTrial(s *hecss.Structure) hecss.Trial {
	return hecss.Trial{Tag: "base", Structure: s, Positions: s.Positions()}
}
