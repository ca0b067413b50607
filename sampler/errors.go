package sampler

import (
	"errors"
	"fmt"
)

var (
	// ErrDone is returned by Engine.Next once a bounded engine produced
	// all of its samples.
	ErrDone = errors.New("sampler: no more samples")
	// ErrBurnIn matches every *BurnInError.
	ErrBurnIn = errors.New("sampler: could not locate target-energy width")
	// ErrNoWidth is returned when an engine is built without an initial
	// width.
	ErrNoWidth = errors.New("sampler: initial width not set")
	// ErrForces is returned when the evaluator hands back forces of the
	// wrong shape. This is a bug in the evaluator, not a transient failure.
	ErrForces = errors.New("sampler: evaluator returned malformed forces")
	// ErrEnergy marks a trial whose energy is NaN or infinite. Such trials
	// are retried like failed evaluations.
	ErrEnergy = errors.New("sampler: non-finite energy")
)

// BurnInError reports that the width search did not bring the energy into
// the target band within Maxburn trials. The engine is unusable afterwards;
// restart with an initial width moved in the direction given by Higher.
type BurnInError struct {
	T       float64
	Maxburn int
	Trials  int
	// Width is the last proposal width in A, Eta the same width relative
	// to w_scale*sqrt(T).
	Width float64
	Eta   float64
	// Higher is true when the energies were below the target.
	Higher bool
}

func (e *BurnInError) Error() string {
	dir := "lower"
	if e.Higher {
		dir = "higher"
	}
	return fmt.Sprintf("sampler: reached maxburn (%v) at T=%.1fK without finding target energy; "+
		"change the initial width (eta=%.4g, w=%.4g A) to a %s value", e.Maxburn, e.T, e.Eta, e.Width, dir)
}

func (e *BurnInError) Is(target error) bool { return target == ErrBurnIn }
