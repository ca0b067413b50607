package main

import (
	"os"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/dfset"
	"github.com/jochym/hecss/resample"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var resampleFlags struct {
	T        float64
	N        int
	nmul     float64
	border   bool
	keepTail bool
}

var resampleCmd = &cobra.Command{
	Use:   "resample INPUT OUTPUT",
	Short: "Reweight a DFSET to the thermal energy distribution",
	Long: `resample repeats or drops the samples of INPUT so the energy histogram
follows the normal distribution at the target temperature and writes the
result, sorted by energy, to OUTPUT.`,
	Args: cobra.ExactArgs(2),
	RunE: runResample,
}

func init() {
	fl := resampleCmd.Flags()
	fl.Float64VarP(&resampleFlags.T, "temperature", "T", 0, "target temperature in K, 0 infers it from the data")
	fl.IntVarP(&resampleFlags.N, "samples", "N", 0, "approximate output size")
	fl.Float64Var(&resampleFlags.nmul, "nmul", 0, "output size as a multiple of the input size")
	fl.BoolVar(&resampleFlags.border, "border", false, "let the border samples carry the tails")
	fl.BoolVar(&resampleFlags.keepTail, "keep-tail", true, "keep samples with a count between prob_th and 1")
}

func runResample(cmd *cobra.Command, args []string) error {
	f, err := loadConfig(false)
	if err != nil {
		return err
	}
	cfg := f.ResampleConfig()
	cfg.Logger = logger
	if cmd.Flags().Changed("temperature") {
		cfg.T = resampleFlags.T
	}
	if resampleFlags.N > 0 {
		cfg.N = resampleFlags.N
	}
	if resampleFlags.nmul > 0 {
		cfg.Nmul = resampleFlags.nmul
	}
	if cmd.Flags().Changed("border") {
		cfg.Border = resampleFlags.border
	}
	if cmd.Flags().Changed("keep-tail") {
		cfg.NonzeroW = resampleFlags.keepTail
	}

	in, err := dfset.Load(args[0])
	if err != nil {
		return err
	}
	out, err := resample.Resample(in, cfg)
	if err != nil {
		return err
	}
	return writeAll(args[1], out)
}

func writeAll(path string, smpls []hecss.Sample) error {
	fh, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "output")
	}
	for _, s := range smpls {
		if err := dfset.Write(fh, s); err != nil {
			fh.Close()
			return err
		}
	}
	logger.Info("resampled", "samples", len(smpls), "output", path)
	return errors.Wrap(fh.Close(), "output")
}
