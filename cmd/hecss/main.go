// Command hecss samples thermal displacement-force configurations with an
// external energy/force program and reshapes the resulting data sets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/jochym/hecss/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hecss",
	Short: "High Efficiency Configuration Space Sampler",
	Long: `hecss generates atomic configurations whose energy distribution follows
the thermal distribution at a given temperature, for fitting interatomic
force constants. Samples are written in the ALAMODE DFSET format.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hecss.yaml", "run configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every trial")
	rootCmd.AddCommand(sampleCmd, estimateCmd, resampleCmd, statsCmd)
}

// loadConfig reads the run file, falling back to the defaults when the
// command does not need one.
func loadConfig(required bool) (config.File, error) {
	f, err := config.Load(configPath)
	if err != nil && !required && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return f, err
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
