// Package width bootstraps the proposal width of the sampler.
//
// A handful of displacements at random temperatures below Tmax are
// evaluated and the relation w = eta*wscale*sqrt(T) is fitted from the
// observed energy increase. The virial of the same trials provides an
// initial per-species amplitude scale.
package width

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/dist"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	DefaultWScale = 1e-3
	DefaultTmax   = 600
	// MaxFailures bounds the consecutive failed or unusable trials before
	// the estimate is abandoned.
	MaxFailures = 100
)

var (
	// ErrNoTrials is returned when n is not positive.
	ErrNoTrials = errors.New("width: need at least one trial")
	// ErrNoIncrease is returned when displacements do not raise the
	// energy above the ground state.
	ErrNoIncrease = errors.New("width: energy does not increase with displacement")
)

type Result struct {
	// Eta and Std are the mean and standard deviation of the per-trial
	// estimates. Std is zero for a single trial.
	Eta float64
	Std float64
	// XScale is the initial N×3 amplitude scale, constant per species and
	// normalized to mean(xscale²) = 1.
	XScale *mat.Dense
	// Trials lists the per-trial estimates.
	Trials []Trial
}

type Trial struct {
	T      float64
	Width  float64
	Energy float64 // per atom, relative to E0
	Eta    float64
}

// Reliable reports whether the spread of the estimate is below a fifth of
// its mean.
func (r Result) Reliable() bool { return r.Std <= r.Eta/5 }

type config struct {
	wscale float64
	q      dist.Variate
	rng    *rand.Rand
	logger *slog.Logger
	dir    string
}

type Option func(*config)

func WidthScale(ws float64) Option { return func(c *config) { c.wscale = ws } }

func Dist(q dist.Variate) Option { return func(c *config) { c.q = q } }

func Rand(rng *rand.Rand) Option { return func(c *config) { c.rng = rng } }

func Logger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Directory prefixes the trial tags.
func Directory(dir string) Option { return func(c *config) { c.dir = dir } }

// Estimate runs n trials at temperatures drawn uniformly from (0, tmax) and
// returns the fitted eta. e0 is the total ground state energy of s. Failed
// evaluations and trials that did not raise the energy are repeated.
func Estimate(ctx context.Context, s *hecss.Structure, ev hecss.Evaluator, e0 float64, n int, tmax float64, opts ...Option) (Result, error) {
	cfg := config{wscale: DefaultWScale, q: dist.Normal{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if n <= 0 {
		return Result{}, ErrNoTrials
	}
	if tmax <= 0 {
		tmax = DefaultTmax
	}

	nat := s.Len()
	species := s.SpeciesList()
	temp := distuv.Uniform{Min: 0, Max: tmax, Src: cfg.rng}

	var res Result
	virial := map[string]float64{}
	count := map[string]float64{}
	fails := 0
	for len(res.Trials) < n {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		T := temp.Rand()
		if T == 0 {
			continue
		}
		w := cfg.wscale * math.Sqrt(T)
		x := dist.Sample(cfg.q, cfg.rng, nat, 3, w)
		tag := fmt.Sprintf("w_est/%03d", len(res.Trials))
		if cfg.dir != "" {
			tag = cfg.dir + "/" + tag
		}
		energy, forces, err := ev.Evaluate(ctx, hecss.Trial{Tag: tag, Structure: s, Positions: s.Displaced(x)})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			fails++
			cfg.logger.Warn("width estimate: evaluation failed", "tag", tag, "error", err)
			if fails >= MaxFailures {
				return Result{}, fmt.Errorf("width: %v consecutive failures: %w", fails, err)
			}
			continue
		}
		de := (energy - e0) / float64(nat)
		if de <= 0 {
			fails++
			cfg.logger.Warn("width estimate: energy not above ground state, repeating", "tag", tag, "dE", de)
			if fails >= MaxFailures {
				return Result{}, fmt.Errorf("width: %v trials: %w", fails, ErrNoIncrease)
			}
			continue
		}
		fails = 0
		eta := math.Sqrt(3 * hecss.KB * T / (2 * de))
		res.Trials = append(res.Trials, Trial{T: T, Width: w, Energy: de, Eta: eta})

		if forces != nil {
			kT := hecss.KB * T
			for a := 0; a < nat; a++ {
				sp := species[a]
				for c := 0; c < 3; c++ {
					virial[sp] += math.Abs(forces.At(a, c)*x.At(a, c)) / kT
					count[sp]++
				}
			}
		}
		cfg.logger.Debug("width estimate", "tag", tag, "T", T, "eta", eta)
	}

	etas := make([]float64, len(res.Trials))
	for i, tr := range res.Trials {
		etas[i] = tr.Eta
	}
	res.Eta = stat.Mean(etas, nil)
	res.Std = stat.PopStdDev(etas, nil)
	res.XScale = speciesScale(species, virial, count)

	if !res.Reliable() {
		cfg.logger.Warn("width estimate is unreliable, consider more trials",
			"eta", res.Eta, "std", res.Std, "trials", n)
	} else {
		cfg.logger.Info("width estimated", "eta", res.Eta, "std", res.Std, "trials", n)
	}
	return res, nil
}

// speciesScale turns the per-species mean virial into amplitude factors.
// The virial goes as the amplitude squared, so xscale_s = 1/sqrt(mu_s).
func speciesScale(species []string, virial, count map[string]float64) *mat.Dense {
	nat := len(species)
	xs := mat.NewDense(nat, 3, nil)

	mu := map[string]float64{}
	tot := 0.0
	for sp, v := range virial {
		if count[sp] > 0 && v > 0 {
			mu[sp] = v / count[sp]
			tot += mu[sp]
		}
	}
	if len(mu) == 0 {
		for a := 0; a < nat; a++ {
			xs.SetRow(a, []float64{1, 1, 1})
		}
		return xs
	}
	mean := tot / float64(len(mu))

	sumsq := 0.0
	for a, sp := range species {
		v := 1.0
		if m, ok := mu[sp]; ok {
			v = 1 / math.Sqrt(m/mean)
		}
		xs.SetRow(a, []float64{v, v, v})
		sumsq += 3 * v * v
	}
	xs.Scale(1/math.Sqrt(sumsq/float64(3*nat)), xs)
	return xs
}
