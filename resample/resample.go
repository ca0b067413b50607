// Package resample reshapes a finished sample set so its energy histogram
// follows the thermal distribution at a given temperature.
//
// Samples are never synthesized. Each one is repeated an integer number
// of times, possibly zero, proportional to the target probability mass
// of the energy bin it represents.
package resample

import (
	"errors"
	"log/slog"
	"math"

	"github.com/jochym/hecss"
	"github.com/petar/GoLLRB/llrb"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	DefaultProbTH = 0.25
	DefaultNmul   = 4
	// MaxNmul is the multiplier above which a warning is issued.
	MaxNmul = 25
)

// ErrNoMass is returned when the target distribution puts no probability
// on the sampled energy range.
var ErrNoMass = errors.New("resample: target distribution does not overlap the samples")

type Config struct {
	// T is the target temperature. Zero infers it from the mean energy.
	T float64
	// SigmaScale widens (>1) or narrows the target Gaussian.
	SigmaScale float64
	// Border assigns the probability outside the sampled range to the
	// first and last bins.
	Border bool
	// N is the approximate output length, taking precedence over Nmul.
	N    int
	Nmul float64
	// NonzeroW keeps samples with an ideal count in (ProbTH, 1). A negative
	// ProbTH selects DefaultProbTH.
	NonzeroW bool
	ProbTH   float64
	Logger   *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		SigmaScale: 1,
		Nmul:       DefaultNmul,
		NonzeroW:   true,
		ProbTH:     DefaultProbTH,
	}
}

type item struct {
	e   float64
	pos int
}

func (a item) Less(than llrb.Item) bool {
	b := than.(item)
	if a.e != b.e {
		return a.e < b.e
	}
	return a.pos < b.pos
}

// InferTemperature returns the temperature whose EGoal equals the mean
// sample energy.
func InferTemperature(samples []hecss.Sample) float64 {
	en := make([]float64, len(samples))
	for i, s := range samples {
		en[i] = s.Energy
	}
	return hecss.Temperature(stat.Mean(en, nil))
}

// Weights returns the normalized target probability of every sample in
// increasing energy order, together with the index into samples of each
// position. Each sample stands for the energy bin between the midpoints to
// its neighbours; the end bins are extended symmetrically.
func Weights(samples []hecss.Sample, cfg Config) (w []float64, idx []int, err error) {
	n := len(samples)
	if n < 2 {
		return nil, nil, nil
	}
	cfg = fill(cfg, samples)

	tree := llrb.New()
	for i, s := range samples {
		tree.InsertNoReplace(item{e: s.Energy, pos: i})
	}
	d := make([]float64, 0, n)
	idx = make([]int, 0, n)
	for tree.Len() > 0 {
		it := tree.DeleteMin().(item)
		d = append(d, it.e)
		idx = append(idx, it.pos)
	}

	bb := make([]float64, n+1)
	for i := 1; i < n; i++ {
		bb[i] = (d[i-1] + d[i]) / 2
	}
	bb[0] = d[0] - (d[1]-d[0])/2
	bb[n] = d[n-1] + (d[n-1]-d[n-2])/2

	nat := samples[0].Atoms()
	g := distuv.Normal{
		Mu:    hecss.EGoal(cfg.T),
		Sigma: cfg.SigmaScale * hecss.EScale(cfg.T, nat),
	}
	cdf := make([]float64, n+1)
	for i, b := range bb {
		cdf[i] = g.CDF(b)
	}
	if cfg.Border {
		cdf[0] = 0
		cdf[n] = 1
	}

	w = make([]float64, n)
	for i := range w {
		w[i] = cdf[i+1] - cdf[i]
	}
	tot := floats.Sum(w)
	if !(tot > 0) {
		return nil, nil, ErrNoMass
	}
	floats.Scale(1/tot, w)
	return w, idx, nil
}

// Counts returns the integer multiplicity of every sample, in the order of
// idx as returned by Weights.
func Counts(w []float64, nout int, cfg Config) []int {
	cfg = fill(cfg, nil)
	counts := make([]int, len(w))
	for i, p := range w {
		iw := float64(nout) * p
		if cfg.NonzeroW && cfg.ProbTH < iw && iw < 1 {
			iw = 1
		}
		counts[i] = int(math.RoundToEven(iw))
	}
	return counts
}

// Resample returns the samples repeated according to the target
// distribution, sorted by energy and renumbered from zero. Index is kept
// and the arrays are shared with the input; do not modify them. Fewer than
// two samples give an empty result.
func Resample(samples []hecss.Sample, cfg Config) ([]hecss.Sample, error) {
	if len(samples) < 2 {
		return nil, nil
	}
	cfg = fill(cfg, samples)

	nout := cfg.N
	if nout <= 0 {
		nout = int(cfg.Nmul * float64(len(samples)))
	}
	if cfg.Nmul > MaxNmul {
		cfg.Logger.Warn("resampling multiplier above 25 cannot create information",
			"Nmul", cfg.Nmul)
	}

	w, idx, err := Weights(samples, cfg)
	if err != nil {
		return nil, err
	}
	counts := Counts(w, nout, cfg)

	out := make([]hecss.Sample, 0, nout)
	for k, c := range counts {
		for j := 0; j < c; j++ {
			s := samples[idx[k]]
			s.Seq = len(out)
			out = append(out, s)
		}
	}
	cfg.Logger.Debug("resampled", "T", cfg.T, "in", len(samples), "out", len(out), "target", nout)
	return out, nil
}

func fill(cfg Config, samples []hecss.Sample) Config {
	if cfg.T <= 0 && len(samples) > 0 {
		cfg.T = InferTemperature(samples)
	}
	if cfg.SigmaScale <= 0 {
		cfg.SigmaScale = 1
	}
	if cfg.Nmul <= 0 {
		cfg.Nmul = DefaultNmul
	}
	if cfg.ProbTH < 0 {
		cfg.ProbTH = DefaultProbTH
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
