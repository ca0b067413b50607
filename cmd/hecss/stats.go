package main

import (
	"fmt"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/dfset"
	"github.com/jochym/hecss/resample"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var statsT float64

var statsCmd = &cobra.Command{
	Use:   "stats DFSET",
	Short: "Compare the energy distribution of a DFSET with the thermal one",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().Float64VarP(&statsT, "temperature", "T", 0, "target temperature in K, 0 infers it from the data")
}

func runStats(cmd *cobra.Command, args []string) error {
	smpls, err := dfset.Load(args[0])
	if err != nil {
		return err
	}
	if len(smpls) == 0 {
		return fmt.Errorf("%s: no samples", args[0])
	}
	r := summarize(smpls, statsT)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "samples:      %d (%d atoms)\n", r.n, r.nat)
	fmt.Fprintf(out, "target:       T=%.1fK E_goal=%.6f E_scale=%.6f eV/at\n", r.T, r.egoal, r.escale)
	fmt.Fprintf(out, "energy:       %.6f ± %.6f eV/at\n", r.mean, r.std)
	fmt.Fprintf(out, "equivalent:   T=%.1fK ± %.1fK\n", hecss.Temperature(r.mean), hecss.Temperature(r.std))
	fmt.Fprintf(out, "deviation:    %.3f E_scale, width ratio %.3f\n", (r.mean-r.egoal)/r.escale, r.std/r.escale)
	return nil
}

type summary struct {
	n, nat                      int
	T, egoal, escale, mean, std float64
}

func summarize(smpls []hecss.Sample, T float64) summary {
	en := make([]float64, len(smpls))
	for i, s := range smpls {
		en[i] = s.Energy
	}
	if T <= 0 {
		T = resample.InferTemperature(smpls)
	}
	r := summary{n: len(smpls), nat: smpls[0].Atoms(), T: T}
	r.mean, r.std = stat.MeanStdDev(en, nil)
	r.egoal = hecss.EGoal(T)
	r.escale = hecss.EScale(T, r.nat)
	return r
}
