package bench_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/bench"
	"github.com/jochym/hecss/sampler"
	"github.com/jochym/hecss/symmetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const seed = 7

const (
	nburn = 200
	nrun  = 400
)

func TestForcesAreGradients(t *testing.T) {
	s := bench.Lattice(2, 3, "Na", "Cl")
	x := mat.NewDense(s.Len(), 3, nil)
	rng := rand.New(rand.NewPCG(seed, 1))
	for i := range x.RawMatrix().Data {
		x.RawMatrix().Data[i] = 0.05 * rng.NormFloat64()
	}
	const h = 1e-6
	for _, fn := range bench.AllModels {
		t.Run(fn.Name(), func(t *testing.T) {
			_, f, err := fn.Evaluate(context.Background(), hecss.Trial{Structure: s, Positions: s.Displaced(x)})
			require.NoError(t, err)
			for _, k := range []int{0, 5, 13, 23} {
				a, c := k/3, k%3
				xp, xm := mat.DenseCopyOf(x), mat.DenseCopyOf(x)
				xp.Set(a, c, x.At(a, c)+h)
				xm.Set(a, c, x.At(a, c)-h)
				ep, _, _ := fn.Evaluate(context.Background(), hecss.Trial{Structure: s, Positions: s.Displaced(xp)})
				em, _, _ := fn.Evaluate(context.Background(), hecss.Trial{Structure: s, Positions: s.Displaced(xm)})
				assert.InDelta(t, -(ep-em)/(2*h), f.At(a, c), 1e-6)
			}
		})
	}
}

func TestHarmonicEta(t *testing.T) {
	assert.InDelta(t, 6.564, bench.Harmonic{K: 1}.Eta(), 1e-3)
	assert.InDelta(t, 3.282, bench.Harmonic{K: 4}.Eta(), 1e-3)
	assert.True(t, math.IsNaN(bench.Quartic{K: 1, A: 1}.Eta()))
}

func TestFlaky(t *testing.T) {
	s := bench.Lattice(1, 3)
	fn := &bench.Flaky{Evaluator: bench.Flat{E: 2}, FailOn: []int{2}}
	tr := hecss.Trial{Tag: "x", Structure: s, Positions: s.Positions()}
	e, _, err := fn.Evaluate(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 2.0, e)
	_, _, err = fn.Evaluate(context.Background(), tr)
	assert.True(t, errors.Is(err, bench.ErrInjected))
	var ee *hecss.EvaluationError
	assert.True(t, errors.As(err, &ee))
	_, _, err = fn.Evaluate(context.Background(), tr)
	assert.NoError(t, err)
	assert.Equal(t, 3, fn.Calls())
}

// TestSampler runs the sampler against every model and checks the mean
// energy lands on the thermal goal.
func TestSampler(t *testing.T) {
	const T = 300
	s := bench.Lattice(2, 3, "Na", "Cl")
	dofmap, err := symmetry.Species{}.DOFClasses(s)
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, fn := range bench.AllModels {
		t.Run(fn.Name(), func(t *testing.T) {
			eta := fn.Eta()
			if math.IsNaN(eta) {
				eta = bench.Harmonic{K: 1}.Eta()
			}
			e, err := sampler.NewEngine(s, fn, T, 0, dofmap,
				sampler.Width(eta),
				sampler.Maxburn(100),
				sampler.Logger(quiet),
				sampler.Rand(rand.New(rand.NewPCG(seed, 2))),
			)
			require.NoError(t, err)

			_, err = bench.Benchmark(context.Background(), e, T, s.Len(), nburn)
			require.NoError(t, err)
			r, err := bench.Benchmark(context.Background(), e, T, s.Len(), nrun)
			require.NoError(t, err)
			t.Logf("[%v] mean=%.5f std=%.5f goal=%.5f dev=%.3f", fn.Name(), r.Mean, r.Std, hecss.EGoal(T), r.Dev)
			assert.Less(t, r.Dev, 0.5)
			assert.InEpsilon(t, hecss.EScale(T, s.Len()), r.Std, 0.5)
		})
	}
}
