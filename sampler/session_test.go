package sampler

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/bench"
	"github.com/jochym/hecss/symmetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// countTags counts evaluations per tag prefix.
type countTags struct {
	hecss.Evaluator
	tags map[string]int
}

func (c *countTags) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	if c.tags == nil {
		c.tags = map[string]int{}
	}
	c.tags[strings.SplitN(t.Tag, "/", 2)[0]]++
	return c.Evaluator.Evaluate(ctx, t)
}

func newSession(t *testing.T, s *hecss.Structure, ev hecss.Evaluator, opts ...SessionOption) *Session {
	opts = append([]SessionOption{
		SessionLogger(quiet),
		SessionRand(rand.New(rand.NewPCG(seed, 5))),
		DOFMapper(symmetry.Identity{}),
	}, opts...)
	return NewSession(s, ev, opts...)
}

func TestSessionEndToEnd(t *testing.T) {
	const T = 300
	s := pair(t)
	sess := newSession(t, s, bench.Harmonic{K: 1},
		GroundEnergy(0),
		EngineOptions(Width(bench.Harmonic{K: 1}.Eta())))

	smpls, err := sess.Sample(context.Background(), T, 50, nil)
	require.NoError(t, err)
	require.Len(t, smpls, 50)
	tot := 0.0
	for i, smpl := range smpls {
		assert.Equal(t, i+1, smpl.Seq)
		tot += smpl.Energy
	}
	assert.InDelta(t, hecss.EGoal(T), tot/50, 0.5*hecss.EScale(T, 2))
}

func TestSessionResumes(t *testing.T) {
	s := pair(t)
	sess := newSession(t, s, bench.Harmonic{K: 1},
		GroundEnergy(0),
		EngineOptions(Width(bench.Harmonic{K: 1}.Eta())))

	a, err := sess.Sample(context.Background(), 300, 5, nil)
	require.NoError(t, err)
	// within a millikelvin is the same temperature
	b, err := sess.Sample(context.Background(), 300.0004, 5, nil)
	require.NoError(t, err)
	require.Len(t, b, 5)
	assert.Equal(t, a[4].Seq+1, b[0].Seq)
	assert.Len(t, sess.Temperatures(), 1)

	c, err := sess.Sample(context.Background(), 301, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c[0].Seq)
	assert.Len(t, sess.Temperatures(), 2)

	e1, err := sess.Engine(context.Background(), 300)
	require.NoError(t, err)
	e2, err := sess.Engine(context.Background(), 299.9996)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
}

func TestSessionSentinel(t *testing.T) {
	s := pair(t)
	sess := newSession(t, s, bench.Harmonic{K: 1},
		GroundEnergy(0),
		EngineOptions(Width(bench.Harmonic{K: 1}.Eta())))

	calls := 0
	smpls, err := sess.Sample(context.Background(), 300, 100, func(smpl hecss.Sample, all []hecss.Sample) bool {
		calls++
		assert.Equal(t, smpl, all[len(all)-1])
		return len(all) == 3
	})
	require.NoError(t, err)
	assert.Len(t, smpls, 3)
	assert.Equal(t, 3, calls)
}

func TestSessionBound(t *testing.T) {
	s := pair(t)
	sess := newSession(t, s, bench.Harmonic{K: 1},
		GroundEnergy(0),
		EngineOptions(Width(6), Bound(4)))

	smpls, err := sess.Sample(context.Background(), 300, 10, nil)
	require.NoError(t, err)
	assert.Len(t, smpls, 4)

	smpls, err = sess.Sample(context.Background(), 300, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, smpls)
}

func TestSessionGroundStateAndEstimate(t *testing.T) {
	const T = 300
	s := bench.Lattice(2, 3, "X")
	// shift the energy zero to make sure it is subtracted
	shifted := hecss.EvaluatorFunc(func(ctx context.Context, tr hecss.Trial) (float64, *mat.Dense, error) {
		e, f, err := bench.Harmonic{K: 1}.Evaluate(ctx, tr)
		return e - 12.5, f, err
	})
	ev := &countTags{Evaluator: shifted}
	sess := newSession(t, s, ev, EstimateTrials(10))

	e0, err := sess.GroundState(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -12.5, e0, 1e-12)

	smpls, err := sess.Sample(context.Background(), T, 20, nil)
	require.NoError(t, err)
	require.Len(t, smpls, 20)
	_, err = sess.Sample(context.Background(), 2*T, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, ev.tags["base"])
	assert.Equal(t, 10, ev.tags["w_est"])
	assert.InEpsilon(t, bench.Harmonic{K: 1}.Eta(), sess.Eta(), 0.2)
	for _, smpl := range smpls {
		assert.Greater(t, smpl.Energy, 0.0)
	}
}

func TestSessionGroundStateFailure(t *testing.T) {
	s := pair(t)
	ev := &bench.Flaky{Evaluator: bench.Harmonic{K: 1}, FailOn: []int{1}}
	sess := newSession(t, s, ev)
	_, err := sess.Sample(context.Background(), 300, 1, nil)
	assert.ErrorIs(t, err, bench.ErrInjected)
}

func TestSessionDropsFailedEngine(t *testing.T) {
	const T = 300
	ev := &countTags{Evaluator: bench.Flat{E: 0}}
	sess := newSession(t, pair(t), ev,
		GroundEnergy(0),
		EngineOptions(Width(1), Maxburn(2), Sigma(1)))

	_, err := sess.Sample(context.Background(), T, 5, nil)
	require.ErrorIs(t, err, ErrBurnIn)
	assert.Empty(t, sess.Temperatures())
	assert.Equal(t, 3, ev.tags["T_300.0K"])

	// a new engine makes a fresh attempt
	_, err2 := sess.Sample(context.Background(), T, 5, nil)
	require.ErrorIs(t, err2, ErrBurnIn)
	assert.NotSame(t, err, err2)
	assert.Equal(t, 6, ev.tags["T_300.0K"])
}

func TestSessionReset(t *testing.T) {
	const T = 300
	sess := newSession(t, pair(t), bench.Harmonic{K: 1},
		GroundEnergy(0),
		EngineOptions(Width(bench.Harmonic{K: 1}.Eta())))

	smpls, err := sess.Sample(context.Background(), T, 3, nil)
	require.NoError(t, err)
	require.Len(t, smpls, 3)
	assert.False(t, sess.Reset(400))
	assert.True(t, sess.Reset(T))
	assert.False(t, sess.Reset(T))

	smpls, err = sess.Sample(context.Background(), T, 3, nil)
	require.NoError(t, err)
	require.Len(t, smpls, 3)
	assert.Equal(t, 1, smpls[0].Seq)
}
