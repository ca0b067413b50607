package main

import (
	"database/sql"
	"fmt"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/calc"
	"github.com/jochym/hecss/config"
	"github.com/jochym/hecss/dfset"
	"github.com/jochym/hecss/sampler"
	"github.com/jochym/hecss/symmetry"
	"github.com/jochym/hecss/trace"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var sampleFlags struct {
	T      float64
	N      int
	eta    float64
	resume bool
}

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Generate samples at the configured temperature",
	Long: `sample runs the adaptive sampler and appends every sample to the DFSET
file as soon as it is produced, so an interrupted run keeps its data.`,
	Args: cobra.NoArgs,
	RunE: runSample,
}

func init() {
	fl := sampleCmd.Flags()
	fl.Float64VarP(&sampleFlags.T, "temperature", "T", 0, "target temperature in K (overrides the config)")
	fl.IntVarP(&sampleFlags.N, "samples", "N", 0, "number of samples (overrides the config)")
	fl.Float64Var(&sampleFlags.eta, "eta", 0, "initial width, 0 runs the width estimator")
	fl.BoolVar(&sampleFlags.resume, "resume", false, "start from the width and amplitudes recorded in the trace")
}

func evaluator(f config.File) (hecss.Evaluator, error) {
	if f.Evaluator.Command == "" {
		return nil, fmt.Errorf("evaluator.command is not set")
	}
	cmd := &calc.Command{
		Path:    f.Evaluator.Command,
		Args:    f.Evaluator.Args,
		Workdir: f.Evaluator.Workdir,
		Env:     f.Evaluator.Env,
		Logger:  logger,
	}
	return hecss.NewLogEvaluator(cmd, logger), nil
}

func runSample(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	f, err := loadConfig(true)
	if err != nil {
		return err
	}
	if sampleFlags.T > 0 {
		f.Temperature = sampleFlags.T
	}
	if sampleFlags.N > 0 {
		f.Samples = sampleFlags.N
	}
	if sampleFlags.eta > 0 {
		f.Sampler.Eta = sampleFlags.eta
	}
	if f.Temperature <= 0 {
		return fmt.Errorf("temperature must be positive")
	}

	s, err := f.BuildStructure()
	if err != nil {
		return err
	}
	ev, err := evaluator(f)
	if err != nil {
		return err
	}
	mapper, err := f.Mapper()
	if err != nil {
		return err
	}
	dofmap, err := mapper.DOFClasses(s)
	if err != nil {
		return errors.Wrap(err, "symmetry analysis")
	}
	ndof := symmetry.Classes(dofmap)
	logger.Info("structure loaded", "atoms", s.Len(), "dof", ndof)

	opts, err := f.EngineOptions()
	if err != nil {
		return err
	}

	var recs sampler.Recorders
	if f.Output.Trace != "" {
		db, err := sql.Open("sqlite", f.Output.Trace)
		if err != nil {
			return errors.Wrapf(err, "trace %s", f.Output.Trace)
		}
		defer db.Close()
		tr, err := trace.NewDB(db, s.Len(), ndof)
		if err != nil {
			return err
		}
		defer func() {
			if err := tr.Err(); err != nil {
				logger.Error("trace incomplete", "error", err)
			}
		}()
		recs = append(recs, tr)
		if sampleFlags.resume {
			ropts, err := resume(tr, s, f.Temperature, f.Sampler.Eta > 0)
			if err != nil {
				return err
			}
			opts = append(opts, ropts...)
		}
	} else if sampleFlags.resume {
		return fmt.Errorf("--resume needs output.trace")
	}
	var reg *prometheus.Registry
	if f.Output.Metrics != "" {
		reg = prometheus.NewRegistry()
		recs = append(recs, trace.NewMetrics(reg))
		defer func() {
			if err := prometheus.WriteToTextfile(f.Output.Metrics, reg); err != nil {
				logger.Error("writing metrics", "error", err)
			}
		}()
	}
	if len(recs) > 0 {
		opts = append(opts, sampler.Record(recs))
	}

	sopts := []sampler.SessionOption{
		sampler.DOFMapper(symmetry.Fixed(dofmap)),
		sampler.EngineOptions(opts...),
		sampler.EstimateTrials(f.Sampler.EstimateTrials),
		sampler.SessionLogger(logger),
		sampler.SessionRand(newRand(f.Seed)),
	}
	if f.Structure.Energy != nil {
		sopts = append(sopts, sampler.GroundEnergy(*f.Structure.Energy))
	}
	sess := sampler.NewSession(s, ev, sopts...)

	var werr error
	smpls, err := sess.Sample(ctx, f.Temperature, f.Samples, func(smpl hecss.Sample, all []hecss.Sample) bool {
		if werr = dfset.Append(f.Output.DFSET, smpl); werr != nil {
			return true
		}
		logger.Info("sample", "n", smpl.Seq, "i", smpl.Index,
			"dE/Es", (smpl.Energy-hecss.EGoal(f.Temperature))/hecss.EScale(f.Temperature, s.Len()))
		return false
	})
	if werr != nil {
		return werr
	}
	logger.Info("sampling finished", "samples", len(smpls), "T", f.Temperature, "dfset", f.Output.DFSET)
	return err
}

// resume turns the trace of an earlier run at T into engine options: the
// mean eta of the second half of the recorded trials and the per-species
// average of the recorded amplitudes.
func resume(tr *trace.DB, s *hecss.Structure, T float64, keepEta bool) ([]sampler.Option, error) {
	var opts []sampler.Option
	ws, err := tr.Widths(T)
	if err != nil {
		return nil, err
	}
	if n := len(ws); n > 0 && !keepEta {
		eta := 0.0
		for _, p := range ws[n/2:] {
			eta += p.Eta
		}
		eta /= float64(n - n/2)
		opts = append(opts, sampler.Width(eta))
		logger.Info("resuming width", "eta", eta, "trials", n)
	}
	xs, err := tr.XScales(T)
	if err != nil {
		return nil, err
	}
	if len(xs) > 0 {
		opts = append(opts, sampler.XScaleInit(sampler.InitXScale(s.SpeciesList(), xs, len(xs)/2)))
		logger.Info("resuming amplitudes", "records", len(xs))
	}
	return opts, nil
}
