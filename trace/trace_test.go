package trace

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/bench"
	"github.com/jochym/hecss/sampler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"
)

func memdb(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection of an in-memory database is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func run(t *testing.T, rec sampler.Recorder, n int) (*sampler.Engine, *bench.Flaky) {
	s := bench.Lattice(2, 3, "X")
	ev := &bench.Flaky{Evaluator: bench.Harmonic{K: 1}, FailOn: []int{2}}
	dofmap := make([]int, s.Len())
	e, err := sampler.NewEngine(s, ev, 300, 0, dofmap,
		sampler.Width(bench.Harmonic{K: 1}.Eta()),
		sampler.Bound(n),
		sampler.Record(rec),
		sampler.Logger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		sampler.Rand(rand.New(rand.NewPCG(1, 2))),
	)
	require.NoError(t, err)
	for {
		_, err := e.Next(context.Background())
		if errors.Is(err, sampler.ErrDone) {
			break
		}
		require.NoError(t, err)
	}
	return e, ev
}

func TestDB(t *testing.T) {
	db := memdb(t)
	rec, err := NewDB(db, 8, 1)
	require.NoError(t, err)
	// creating the tables twice is harmless
	_, err = NewDB(db, 8, 1)
	require.NoError(t, err)

	e, _ := run(t, rec, 10)
	require.NoError(t, rec.Err())
	_, trials, _, _ := e.Counts()

	var n, accepted int
	require.NoError(t, db.QueryRow("SELECT COUNT(*), SUM(accepted) FROM "+TblTrials).Scan(&n, &accepted))
	assert.Equal(t, trials, n)
	assert.Equal(t, 10, accepted)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+TblDOFMu).Scan(&n))
	assert.Equal(t, trials, n)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+TblEvents+" WHERE kind = 'failure'").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+TblEvents+" WHERE kind = 'width-found'").Scan(&n))
	assert.Equal(t, 1, n)

	// only sampling trials come back, the first sample closes the width search
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+TblTrials+" WHERE state = 'sampling'").Scan(&n))
	assert.Equal(t, 9, n)
	ws, err := rec.Widths(300)
	require.NoError(t, err)
	assert.Len(t, ws, 9)

	xs, err := rec.XScales(300)
	require.NoError(t, err)
	require.Len(t, xs, trials)
	assert.True(t, mat.Equal(e.XScale(), xs[len(xs)-1]))

	// the last scale feeds the next run
	init := sampler.InitXScale(bench.Lattice(2, 3, "X").SpeciesList(), xs, 2)
	assert.InDelta(t, 1, init.At(0, 0), 0.5)
}

func TestDBStopsOnError(t *testing.T) {
	db := memdb(t)
	rec, err := NewDB(db, 8, 1)
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE " + TblTrials)
	require.NoError(t, err)

	rec.Record(sampler.Event{Kind: sampler.EventTrial, T: 300})
	assert.Error(t, rec.Err())
	first := rec.Err()
	rec.Record(sampler.Event{Kind: sampler.EventFailure, T: 300, Err: hecss.ErrShape})
	assert.Equal(t, first, rec.Err())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	mem := &sampler.MemRecorder{}
	e, _ := run(t, sampler.Recorders{m, mem}, 12)
	_, trials, _, _ := e.Counts()

	assert.Equal(t, 12.0, testutil.ToFloat64(m.samples.WithLabelValues("300.0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("300.0")))
	tot := testutil.ToFloat64(m.trials.WithLabelValues("300.0", "sampling")) +
		testutil.ToFloat64(m.trials.WithLabelValues("300.0", "width-search"))
	assert.Equal(t, float64(trials), tot)
	assert.InDelta(t, e.Eta(), testutil.ToFloat64(m.eta.WithLabelValues("300.0")), 0.5)
	assert.Equal(t, 12, mem.Samples)

	n, err := testutil.GatherAndCount(reg, "hecss_samples_total", "hecss_sample_energy_ev")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
