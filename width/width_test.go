package width

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/bench"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var quiet = Logger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func seeded(a uint64) Option { return Rand(rand.New(rand.NewPCG(a, 17))) }

func TestHarmonicEta(t *testing.T) {
	s := bench.Lattice(2, 3, "X")
	fn := bench.Harmonic{K: 1}
	res, err := Estimate(context.Background(), s, fn, 0, 20, 600, quiet, seeded(1))
	require.NoError(t, err)
	require.Len(t, res.Trials, 20)
	assert.InEpsilon(t, fn.Eta(), res.Eta, 0.12)
	assert.Greater(t, res.Std, 0.0)
	for _, tr := range res.Trials {
		assert.Greater(t, tr.T, 0.0)
		assert.Less(t, tr.T, 600.0)
		assert.Greater(t, tr.Energy, 0.0)
	}
	// a single species keeps unit amplitudes
	for _, v := range res.XScale.RawMatrix().Data {
		assert.InDelta(t, 1, v, 1e-12)
	}
}

func TestSpeciesXScale(t *testing.T) {
	s := bench.Lattice(2, 3, "Na", "Cl")
	fn := bench.Harmonic{K: 1, Species: map[string]float64{"Na": 0.5, "Cl": 2}}
	res, err := Estimate(context.Background(), s, fn, 0, 20, 600, quiet, seeded(2))
	require.NoError(t, err)

	var na, cl, sq float64
	for a := 0; a < s.Len(); a++ {
		v := res.XScale.At(a, 0)
		assert.Equal(t, v, res.XScale.At(a, 2))
		sq += 3 * v * v
		if s.Species(a) == "Na" {
			na = v
		} else {
			cl = v
		}
	}
	assert.InDelta(t, 1, sq/float64(3*s.Len()), 1e-12)
	// the soft species should move about twice as far
	assert.InDelta(t, 2, na/cl, 0.6)
}

func TestRetriesFailures(t *testing.T) {
	s := bench.Lattice(2, 3, "X")
	ev := &bench.Flaky{Evaluator: bench.Harmonic{K: 1}, FailOn: []int{1, 2}}
	var tags []string
	rec := hecss.EvaluatorFunc(func(ctx context.Context, tr hecss.Trial) (float64, *mat.Dense, error) {
		tags = append(tags, tr.Tag)
		return ev.Evaluate(ctx, tr)
	})
	res, err := Estimate(context.Background(), s, rec, 0, 3, 300, quiet, seeded(3), Directory("run"))
	require.NoError(t, err)
	assert.Len(t, res.Trials, 3)
	assert.Equal(t, 5, ev.Calls())
	assert.Equal(t, []string{"run/w_est/000", "run/w_est/000", "run/w_est/000", "run/w_est/001", "run/w_est/002"}, tags)
}

func TestPopulationSpread(t *testing.T) {
	s := bench.Lattice(2, 3, "X")
	res, err := Estimate(context.Background(), s, bench.Harmonic{K: 1}, 0, 2, 600, quiet, seeded(8))
	require.NoError(t, err)
	require.Len(t, res.Trials, 2)
	a, b := res.Trials[0].Eta, res.Trials[1].Eta
	m := (a + b) / 2
	assert.InDelta(t, m, res.Eta, 1e-12)
	assert.InDelta(t, math.Sqrt(((a-m)*(a-m)+(b-m)*(b-m))/2), res.Std, 1e-12)
	assert.InDelta(t, math.Abs(a-b)/2, res.Std, 1e-12)
}

func TestSingleTrial(t *testing.T) {
	s := bench.Lattice(1, 3, "X")
	res, err := Estimate(context.Background(), s, bench.Harmonic{K: 1}, 0, 1, 300, quiet, seeded(4))
	require.NoError(t, err)
	assert.Zero(t, res.Std)
	assert.True(t, res.Reliable())
}

func TestEstimateErrors(t *testing.T) {
	s := bench.Lattice(1, 3, "X")
	_, err := Estimate(context.Background(), s, bench.Harmonic{K: 1}, 0, 0, 300, quiet)
	assert.ErrorIs(t, err, ErrNoTrials)

	_, err = Estimate(context.Background(), s, bench.Flat{E: 1}, 1, 2, 300, quiet, seeded(5))
	assert.ErrorIs(t, err, ErrNoIncrease)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Estimate(ctx, s, bench.Harmonic{K: 1}, 0, 2, 300, quiet)
	assert.ErrorIs(t, err, context.Canceled)

	always := hecss.EvaluatorFunc(func(ctx context.Context, tr hecss.Trial) (float64, *mat.Dense, error) {
		return 0, nil, &hecss.EvaluationError{Tag: tr.Tag, Err: bench.ErrInjected}
	})
	_, err = Estimate(context.Background(), s, always, 0, 2, 300, quiet, seeded(6))
	assert.ErrorIs(t, err, bench.ErrInjected)
	assert.True(t, strings.Contains(err.Error(), "consecutive"))
}

func TestReliable(t *testing.T) {
	assert.True(t, Result{Eta: 5, Std: 1}.Reliable())
	assert.False(t, Result{Eta: 5, Std: 1.01}.Reliable())
}
