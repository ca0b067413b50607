// Package bench provides synthetic evaluators for testing the sampler
// against models with a known thermal distribution.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jochym/hecss"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	abs  = math.Abs
	sqrt = math.Sqrt
)

// ErrInjected is returned by Flaky on the scheduled calls.
var ErrInjected = errors.New("bench: injected failure")

// Model is an evaluator with a name and a known ideal width.
type Model interface {
	hecss.Evaluator
	Name() string
	// Eta is the width relative to 1e-3*sqrt(T) that puts the mean energy
	// at the thermal goal, NaN if unknown.
	Eta() float64
}

var AllModels = []Model{
	Harmonic{K: 1},
	Harmonic{K: 4},
	Harmonic{K: 1, Species: map[string]float64{"Na": 0.5, "Cl": 2}},
	Quartic{K: 1, A: 0.5},
}

// Harmonic is E = sum_a K_a |r_a - r0_a|², relative to the unperturbed
// positions. Species overrides K per species.
type Harmonic struct {
	K       float64
	Species map[string]float64
}

func (fn Harmonic) Name() string {
	if len(fn.Species) > 0 {
		return fmt.Sprintf("Harmonic_K%v_species", fn.K)
	}
	return fmt.Sprintf("Harmonic_K%v", fn.K)
}

func (fn Harmonic) Eta() float64 {
	if len(fn.Species) > 0 {
		return math.NaN()
	}
	// 3 w² K per atom against 3/2 kB T, with w = eta 1e-3 sqrt(T)
	return sqrt(hecss.KB/(2*fn.K)) / 1e-3
}

func (fn Harmonic) k(sp string) float64 {
	if k, ok := fn.Species[sp]; ok {
		return k
	}
	return fn.K
}

func (fn Harmonic) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	x := displacement(t)
	nat, _ := x.Dims()
	f := mat.NewDense(nat, 3, nil)
	e := 0.0
	for a := 0; a < nat; a++ {
		k := fn.k(t.Structure.Species(a))
		for c := 0; c < 3; c++ {
			v := x.At(a, c)
			e += k * v * v
			f.Set(a, c, -2*k*v)
		}
	}
	return e, f, nil
}

// Quartic adds A|x|⁴ per atom to a harmonic well of stiffness K.
type Quartic struct {
	K, A float64
}

func (fn Quartic) Name() string { return fmt.Sprintf("Quartic_K%v_A%v", fn.K, fn.A) }

func (fn Quartic) Eta() float64 { return math.NaN() }

func (fn Quartic) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	x := displacement(t)
	nat, _ := x.Dims()
	f := mat.NewDense(nat, 3, nil)
	e := 0.0
	for a := 0; a < nat; a++ {
		r2 := 0.0
		for c := 0; c < 3; c++ {
			r2 += x.At(a, c) * x.At(a, c)
		}
		e += fn.K*r2 + fn.A*r2*r2
		for c := 0; c < 3; c++ {
			f.Set(a, c, -(2*fn.K+4*fn.A*r2)*x.At(a, c))
		}
	}
	return e, f, nil
}

// Flat returns the energy E and zero forces regardless of the positions.
type Flat struct {
	E float64
}

func (fn Flat) Name() string { return fmt.Sprintf("Flat_%v", fn.E) }

func (fn Flat) Eta() float64 { return math.NaN() }

func (fn Flat) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	return fn.E, mat.NewDense(t.Structure.Len(), 3, nil), nil
}

// Flaky wraps an evaluator and fails the calls listed in FailOn, counted
// from 1.
type Flaky struct {
	hecss.Evaluator
	FailOn []int

	mu    sync.Mutex
	calls int
}

func (fn *Flaky) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	fn.mu.Lock()
	fn.calls++
	n := fn.calls
	fn.mu.Unlock()
	for _, k := range fn.FailOn {
		if k == n {
			return 0, nil, &hecss.EvaluationError{Tag: t.Tag, Err: ErrInjected}
		}
	}
	return fn.Evaluator.Evaluate(ctx, t)
}

// Calls returns the number of evaluations attempted so far.
func (fn *Flaky) Calls() int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.calls
}

func displacement(t hecss.Trial) *mat.Dense {
	var x mat.Dense
	x.Sub(t.Positions, t.Structure.Positions())
	return &x
}

// Lattice builds a simple cubic supercell of n×n×n cells with lattice
// constant a and alternating species.
func Lattice(n int, a float64, species ...string) *hecss.Structure {
	if len(species) == 0 {
		species = []string{"X"}
	}
	nat := n * n * n
	pos := mat.NewDense(nat, 3, nil)
	sp := make([]string, nat)
	k := 0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for l := 0; l < n; l++ {
				pos.SetRow(k, []float64{float64(i) * a, float64(j) * a, float64(l) * a})
				sp[k] = species[(i+j+l)%len(species)]
				k++
			}
		}
	}
	L := float64(n) * a
	cell := mat.NewDense(3, 3, []float64{L, 0, 0, 0, L, 0, 0, 0, L})
	s, err := hecss.NewStructure(sp, cell, pos)
	if err != nil {
		panic(err)
	}
	return s
}

// Source is anything producing samples, usually a *sampler.Engine.
type Source interface {
	Next(ctx context.Context) (hecss.Sample, error)
}

// Result summarizes a benchmark run in units of the thermal goal.
type Result struct {
	N int
	// Mean and Std of the per-atom energy.
	Mean, Std float64
	// Dev is |Mean-EGoal| / EScale.
	Dev float64
}

// Benchmark pulls n samples at temperature T for a structure of nat atoms
// and compares their energy distribution with the thermal goal.
func Benchmark(ctx context.Context, src Source, T float64, nat, n int) (Result, error) {
	en := make([]float64, 0, n)
	for len(en) < n {
		s, err := src.Next(ctx)
		if err != nil {
			return Result{N: len(en)}, err
		}
		en = append(en, s.Energy)
	}
	r := Result{N: n}
	r.Mean, r.Std = stat.MeanStdDev(en, nil)
	r.Dev = abs(r.Mean-hecss.EGoal(T)) / hecss.EScale(T, nat)
	return r, nil
}
