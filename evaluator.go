package hecss

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Trial is a single request to the evaluator.
type Trial struct {
	// Tag names the trial (e.g. "T_300.0K/smpl/0004"). Directory based
	// backends use it as the working directory of the calculation.
	Tag       string
	Structure *Structure
	// Positions are the absolute Cartesian positions to evaluate.
	Positions *mat.Dense
}

type Evaluator interface {
	// Evaluate returns the total potential energy of the configuration
	// in eV and the N×3 array of forces in eV/A. A failing backend should
	// return an *EvaluationError; callers treat those as transient.
	Evaluate(ctx context.Context, t Trial) (energy float64, forces *mat.Dense, err error)
}

type EvaluatorFunc func(ctx context.Context, t Trial) (float64, *mat.Dense, error)

func (fn EvaluatorFunc) Evaluate(ctx context.Context, t Trial) (float64, *mat.Dense, error) {
	return fn(ctx, t)
}

// EvaluationError reports a failed backend calculation for one trial.
type EvaluationError struct {
	Tag string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation %q failed: %v", e.Tag, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// SymmetryMapper assigns every atom of a structure to a degree of freedom
// class. Class ids must be contiguous starting at zero.
type SymmetryMapper interface {
	DOFClasses(s *Structure) ([]int, error)
}

// LogEvaluator wraps an Evaluator and logs every call.
type LogEvaluator struct {
	Evaluator
	Logger *slog.Logger
	Count  int
}

func NewLogEvaluator(ev Evaluator, logger *slog.Logger) *LogEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEvaluator{Evaluator: ev, Logger: logger}
}

func (le *LogEvaluator) Evaluate(ctx context.Context, t Trial) (float64, *mat.Dense, error) {
	start := time.Now()
	e, f, err := le.Evaluator.Evaluate(ctx, t)

	le.Count++
	if err != nil {
		le.Logger.Debug("evaluation failed", "n", le.Count, "tag", t.Tag, "error", err)
		return e, f, err
	}
	le.Logger.Debug("evaluated", "n", le.Count, "tag", t.Tag, "energy", e, "elapsed", time.Since(start))
	return e, f, nil
}
