// Package sampler implements the adaptive configuration space sampler.
//
// An Engine draws random displacements of a reference structure, evaluates
// them and tunes its proposal width until the per-atom energy of the
// samples follows the thermal distribution at the target temperature. A
// Session owns one engine per temperature so repeated requests resume
// sampling instead of starting over.
package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/symmetry"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type State int

const (
	// WidthSearch adapts the width quickly and discards every trial whose
	// energy is outside the target band.
	WidthSearch State = iota
	// Sampling emits every trial.
	Sampling
	// Failed is terminal after burn-in exhaustion.
	Failed
)

func (s State) String() string {
	switch s {
	case WidthSearch:
		return "width-search"
	case Sampling:
		return "sampling"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Engine is the per-temperature sampler. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	s      *hecss.Structure
	ev     hecss.Evaluator
	rng    *rand.Rand
	T      float64
	e0     float64
	nat    int
	dofmap []int
	ndof   int
	egoal  float64
	escale float64

	w       float64
	state   State
	burn    int // out-of-band width search trials
	trials  int // successful evaluations
	fails   int
	n       int // emitted samples
	i       int // accepted configurations
	history []WidthPoint

	xscale *mat.Dense
	dofxs  *mat.Dense
	dofmu  *mat.Dense
	err    error
}

// NewEngine prepares an engine sampling structure s at temperature T. e0 is
// the total ground state energy and dofmap the atom to DOF class mapping
// (see symmetry). The initial width must be set with the Width option.
func NewEngine(s *hecss.Structure, ev hecss.Evaluator, T, e0 float64, dofmap []int, opts ...Option) (*Engine, error) {
	cfg := NewConfig(opts...)
	if cfg.Eta <= 0 || math.IsNaN(cfg.Eta) {
		return nil, ErrNoWidth
	}
	if T <= 0 {
		return nil, fmt.Errorf("sampler: temperature must be positive, got %v", T)
	}
	nat := s.Len()
	if len(dofmap) != nat {
		return nil, fmt.Errorf("sampler: DOF map has %v entries for %v atoms", len(dofmap), nat)
	}
	dofmap = symmetry.Compact(dofmap)
	ndof := symmetry.Classes(dofmap)

	xscale := mat.NewDense(nat, 3, nil)
	if cfg.XScaleInit != nil {
		if r, c := cfg.XScaleInit.Dims(); r != nat || c != 3 {
			return nil, fmt.Errorf("sampler: initial xscale is %vx%v for %v atoms: %w", r, c, nat, hecss.ErrShape)
		}
		xscale.Copy(cfg.XScaleInit)
	} else {
		fill(xscale, 1)
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	e := &Engine{
		cfg:    cfg,
		s:      s,
		ev:     ev,
		rng:    rng,
		T:      T,
		e0:     e0,
		nat:    nat,
		dofmap: dofmap,
		ndof:   ndof,
		egoal:  hecss.EGoal(T),
		escale: hecss.EScale(T, nat),
		w:      cfg.Eta * cfg.WScale * math.Sqrt(T),
		xscale: xscale,
		dofxs:  classMean(xscale, dofmap, ndof),
		dofmu:  mat.NewDense(ndof, 3, nil),
	}
	fill(e.dofmu, 1)
	if !cfg.WidthSearch {
		e.state = Sampling
	}
	return e, nil
}

// Next runs trials until one is accepted and returns it. It returns ErrDone
// when the bound is reached and a *BurnInError (matching ErrBurnIn) when the
// width search fails; the latter is permanent. Failed evaluations are
// logged and retried with a fresh displacement.
func (e *Engine) Next(ctx context.Context) (hecss.Sample, error) {
	if e.err != nil {
		return hecss.Sample{}, e.err
	}
	if e.cfg.N > 0 && e.n >= e.cfg.N {
		return hecss.Sample{}, ErrDone
	}

	for {
		if err := ctx.Err(); err != nil {
			return hecss.Sample{}, err
		}

		x := e.propose()
		tag := e.tag()
		energy, forces, err := e.ev.Evaluate(ctx, hecss.Trial{
			Tag:       tag,
			Structure: e.s,
			Positions: e.s.Displaced(x),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return hecss.Sample{}, ctxErr
			}
			e.fails++
			e.cfg.Logger.Warn("evaluation failed, generating next displacement",
				"T", e.T, "tag", tag, "error", err)
			e.record(Event{Kind: EventFailure, Err: err})
			continue
		}
		if math.IsNaN(energy) || math.IsInf(energy, 0) {
			e.fails++
			err = &hecss.EvaluationError{Tag: tag, Err: fmt.Errorf("energy is %v: %w", energy, ErrEnergy)}
			e.cfg.Logger.Warn("non-finite energy, generating next displacement",
				"T", e.T, "tag", tag, "error", err)
			e.record(Event{Kind: EventFailure, Err: err})
			continue
		}
		if forces == nil {
			return hecss.Sample{}, fmt.Errorf("trial %s: nil forces: %w", tag, ErrForces)
		}
		if r, c := forces.Dims(); r != e.nat || c != 3 {
			return hecss.Sample{}, fmt.Errorf("trial %s: forces are %vx%v: %w", tag, r, c, ErrForces)
		}

		e.trials++
		en := (energy - e.e0) / float64(e.nat)
		eta := e.eta()
		e.push(WidthPoint{Eta: eta, Energy: en})

		delta := e.cfg.DeltaSample
		if e.state == WidthSearch {
			delta *= 10
		}

		if e.state == Sampling || e.cfg.EquilibrateBurnIn {
			e.equilibrate(x, forces)
		}

		if e.cfg.WidthSearch {
			e.w *= 1 - 2*delta*(expit((en-e.egoal)/e.escale/3)-0.5)
			if e.state == WidthSearch && math.Abs(en-e.egoal) > e.cfg.Sigma*e.escale {
				e.burn++
				e.cfg.Logger.Debug("width search", "T", e.T, "k", e.burn, "eta", e.eta(),
					"dE", (en-e.egoal)/e.escale)
				e.record(Event{Kind: EventTrial, Eta: eta, Energy: en})
				if e.burn > e.cfg.Maxburn {
					e.state = Failed
					e.err = &BurnInError{
						T:       e.T,
						Maxburn: e.cfg.Maxburn,
						Trials:  e.trials,
						Width:   e.w,
						Eta:     e.eta(),
						Higher:  en < e.egoal,
					}
					e.cfg.Logger.Error("width search failed", "T", e.T, "error", e.err)
					e.record(Event{Kind: EventBurnIn, Err: e.err})
					return hecss.Sample{}, e.err
				}
				continue
			}
		}

		e.i++
		e.n++
		smpl := hecss.Sample{
			Seq:          e.n,
			Index:        e.i - 1,
			Displacement: x,
			Forces:       forces,
			Energy:       en,
		}
		e.record(Event{Kind: EventTrial, Accepted: true, Seq: smpl.Seq, Index: smpl.Index, Eta: eta, Energy: en})

		if e.state == WidthSearch {
			e.history = e.history[:0]
			e.state = Sampling
			e.cfg.Logger.Info("width found, sampling", "T", e.T, "eta", e.eta(), "burn", e.burn)
			e.record(Event{Kind: EventWidthFound})
		}
		return smpl, nil
	}
}

// propose draws xscale ⊙ Q(w).
func (e *Engine) propose() *mat.Dense {
	x := mat.NewDense(e.nat, 3, nil)
	data := x.RawMatrix().Data
	xs := e.xscale.RawMatrix().Data
	for k := range data {
		data[k] = xs[k] * e.cfg.Dist.Rand(e.rng, e.w)
	}
	return x
}

// equilibrate drives the per-class virial |f·x|/kT towards one.
func (e *Engine) equilibrate(x, f *mat.Dense) {
	kT := hecss.KB * e.T
	counts := make([]float64, e.ndof)
	e.dofmu.Zero()
	for a := 0; a < e.nat; a++ {
		d := e.dofmap[a]
		counts[d]++
		for c := 0; c < 3; c++ {
			mu := math.Abs(f.At(a, c)*x.At(a, c)) / kT
			e.dofmu.Set(d, c, e.dofmu.At(d, c)+mu)
		}
	}
	for d := 0; d < e.ndof; d++ {
		for c := 0; c < 3; c++ {
			mu := e.dofmu.At(d, c) / counts[d]
			e.dofmu.Set(d, c, mu)
			// sqrt since the energy is quadratic in the amplitude
			g := 1 - 2*e.cfg.EqDelta*(expit((math.Sqrt(mu)-1)/e.cfg.EqSigma)-0.5)
			e.dofxs.Set(d, c, e.dofxs.At(d, c)*g)
		}
	}

	// keep the energy scale, which goes as xs²
	xs := e.dofxs.RawMatrix().Data
	norm := math.Sqrt(floats.Dot(xs, xs) / float64(len(xs)))
	floats.Scale(1/norm, xs)

	xi, chi := e.cfg.Xi, e.cfg.Chi
	for a := 0; a < e.nat; a++ {
		d := e.dofmap[a]
		for c := 0; c < 3; c++ {
			v := chi*e.dofxs.At(d, c) + (1-chi)*e.xscale.At(a, c)
			e.xscale.Set(a, c, xi*v+1-xi)
		}
	}
}

func (e *Engine) push(p WidthPoint) {
	if len(e.history) >= e.cfg.History {
		copy(e.history, e.history[1:])
		e.history = e.history[:len(e.history)-1]
	}
	e.history = append(e.history, p)
}

func (e *Engine) tag() string {
	t := fmt.Sprintf("T_%.1fK/smpl/%04d", e.T, e.i)
	if e.cfg.Directory != "" {
		t = e.cfg.Directory + "/" + t
	}
	return t
}

func (e *Engine) eta() float64 { return e.w / (e.cfg.WScale * math.Sqrt(e.T)) }

func (e *Engine) record(ev Event) {
	if e.cfg.Recorder == nil {
		return
	}
	ev.T = e.T
	ev.State = e.state
	ev.Trial = e.trials
	ev.Burn = e.burn
	if ev.Kind == EventTrial {
		ev.DOFMu = mat.DenseCopyOf(e.dofmu)
		ev.XScale = mat.DenseCopyOf(e.xscale)
	}
	e.cfg.Recorder.Record(ev)
}

func (e *Engine) Temperature() float64 { return e.T }

func (e *Engine) State() State { return e.state }

// Eta returns the current width relative to WScale*sqrt(T).
func (e *Engine) Eta() float64 { return e.eta() }

// Width returns the current proposal width in A.
func (e *Engine) Width() float64 { return e.w }

// Counts returns the number of emitted samples, successful evaluations,
// out-of-band width search trials and failed evaluations.
func (e *Engine) Counts() (samples, trials, burn, failures int) {
	return e.n, e.trials, e.burn, e.fails
}

// History returns a copy of the rolling (eta, energy) history. It is
// cleared when the width search ends.
func (e *Engine) History() []WidthPoint {
	return append([]WidthPoint(nil), e.history...)
}

// MeanEta is the average relative width over the history.
func (e *Engine) MeanEta() float64 {
	if len(e.history) == 0 {
		return e.eta()
	}
	tot := 0.0
	for _, p := range e.history {
		tot += p.Eta
	}
	return tot / float64(len(e.history))
}

// XScale returns a copy of the per-atom amplitude scale.
func (e *Engine) XScale() *mat.Dense { return mat.DenseCopyOf(e.xscale) }

// DOFScale returns a copy of the per-class amplitude scale.
func (e *Engine) DOFScale() *mat.Dense { return mat.DenseCopyOf(e.dofxs) }

// DOFVirial returns a copy of the last per-class virial relative to kT.
func (e *Engine) DOFVirial() *mat.Dense { return mat.DenseCopyOf(e.dofmu) }

// Err returns the permanent error of a failed engine.
func (e *Engine) Err() error { return e.err }

func expit(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func fill(m *mat.Dense, v float64) {
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = v
	}
}

// classMean averages the rows of m over each DOF class.
func classMean(m *mat.Dense, dofmap []int, ndof int) *mat.Dense {
	out := mat.NewDense(ndof, 3, nil)
	counts := make([]float64, ndof)
	for a, d := range dofmap {
		counts[d]++
		for c := 0; c < 3; c++ {
			out.Set(d, c, out.At(d, c)+m.At(a, c))
		}
	}
	for d := 0; d < ndof; d++ {
		for c := 0; c < 3; c++ {
			out.Set(d, c, out.At(d, c)/counts[d])
		}
	}
	return out
}
