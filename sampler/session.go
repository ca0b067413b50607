package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/symmetry"
	"github.com/jochym/hecss/width"
	"gonum.org/v1/gonum/mat"
)

// DefaultEstimateTrials is the number of width estimator trials a Session
// runs when no initial width was given.
const DefaultEstimateTrials = 2

// Sentinel is consulted after every sample with the sample and all samples
// of the current call. Returning true stops the call early.
type Sentinel func(s hecss.Sample, all []hecss.Sample) bool

// Session samples one structure with one evaluator at any number of
// temperatures. Engines are cached per temperature so consecutive calls at
// the same temperature continue the same chain.
type Session struct {
	s      *hecss.Structure
	ev     hecss.Evaluator
	mapper hecss.SymmetryMapper
	opts   []Option
	ntrial int
	logger *slog.Logger
	rng    *rand.Rand

	mu      sync.Mutex
	e0      float64
	hasE0   bool
	dofmap  []int
	eta     float64
	xscale  *mat.Dense
	engines map[int64]*Engine
}

type SessionOption func(*Session)

// GroundEnergy sets the total ground state energy and skips its
// evaluation.
func GroundEnergy(e0 float64) SessionOption {
	return func(s *Session) {
		s.e0 = e0
		s.hasE0 = true
	}
}

// DOFMapper sets the symmetry analysis used for the amplitude correction.
func DOFMapper(m hecss.SymmetryMapper) SessionOption {
	return func(s *Session) { s.mapper = m }
}

// EngineOptions are applied to every engine the session creates.
func EngineOptions(opts ...Option) SessionOption {
	return func(s *Session) { s.opts = append(s.opts, opts...) }
}

// EstimateTrials sets the number of width estimator trials.
func EstimateTrials(n int) SessionOption {
	return func(s *Session) { s.ntrial = n }
}

func SessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// SessionRand seeds the engines and the width estimator. Each engine gets
// its own generator derived from rng.
func SessionRand(rng *rand.Rand) SessionOption {
	return func(s *Session) { s.rng = rng }
}

func NewSession(s *hecss.Structure, ev hecss.Evaluator, opts ...SessionOption) *Session {
	sess := &Session{
		s:       s,
		ev:      ev,
		mapper:  symmetry.Translations{},
		ntrial:  DefaultEstimateTrials,
		logger:  slog.Default(),
		engines: map[int64]*Engine{},
	}
	for _, opt := range opts {
		opt(sess)
	}
	if sess.rng == nil {
		sess.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return sess
}

// tempKey quantizes T to 1 mK.
func tempKey(T float64) int64 { return int64(math.Round(T * 1000)) }

// GroundState returns the total ground state energy, evaluating the
// unperturbed structure on first use.
func (sess *Session) GroundState(ctx context.Context) (float64, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.groundState(ctx)
}

func (sess *Session) groundState(ctx context.Context) (float64, error) {
	if sess.hasE0 {
		return sess.e0, nil
	}
	e0, _, err := sess.ev.Evaluate(ctx, hecss.Trial{Tag: "base", Structure: sess.s, Positions: sess.s.Positions()})
	if err != nil {
		return 0, fmt.Errorf("ground state: %w", err)
	}
	sess.e0, sess.hasE0 = e0, true
	sess.logger.Info("ground state evaluated", "E0", e0)
	return e0, nil
}

// Engine returns the engine for temperature T, creating it on first use.
func (sess *Session) Engine(ctx context.Context, T float64) (*Engine, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.engine(ctx, T)
}

func (sess *Session) engine(ctx context.Context, T float64) (*Engine, error) {
	key := tempKey(T)
	if e, ok := sess.engines[key]; ok {
		return e, nil
	}
	if T <= 0 {
		return nil, fmt.Errorf("sampler: temperature must be positive, got %v", T)
	}

	e0, err := sess.groundState(ctx)
	if err != nil {
		return nil, err
	}
	if sess.dofmap == nil {
		if sess.dofmap, err = sess.mapper.DOFClasses(sess.s); err != nil {
			return nil, fmt.Errorf("DOF classes: %w", err)
		}
	}

	cfg := NewConfig(sess.opts...)
	opts := []Option{
		Logger(sess.logger),
		Rand(rand.New(rand.NewPCG(sess.rng.Uint64(), sess.rng.Uint64()))),
	}
	opts = append(opts, sess.opts...)
	if cfg.Eta <= 0 {
		if err := sess.estimate(ctx, T, e0, cfg); err != nil {
			return nil, err
		}
		opts = append(opts, Width(sess.eta))
		if cfg.XScaleInit == nil && sess.xscale != nil {
			opts = append(opts, XScaleInit(sess.xscale))
		}
	}

	e, err := NewEngine(sess.s, sess.ev, T, e0, sess.dofmap, opts...)
	if err != nil {
		return nil, err
	}
	sess.engines[key] = e
	sess.logger.Info("engine created", "T", T, "eta", e.Eta(), "dof", e.ndof)
	return e, nil
}

// estimate fills in the session width from a short width estimate at T.
func (sess *Session) estimate(ctx context.Context, T, e0 float64, cfg Config) error {
	if sess.eta > 0 {
		return nil
	}
	res, err := width.Estimate(ctx, sess.s, sess.ev, e0, sess.ntrial, T,
		width.WidthScale(cfg.WScale),
		width.Dist(cfg.Dist),
		width.Rand(sess.rng),
		width.Logger(sess.logger),
		width.Directory(cfg.Directory),
	)
	if err != nil {
		return fmt.Errorf("width estimate: %w", err)
	}
	if !res.Reliable() {
		sess.logger.Warn("low accuracy eta estimation", "eta", res.Eta, "std", res.Std)
	}
	sess.eta = res.Eta
	sess.xscale = res.XScale
	return nil
}

// Eta returns the estimated width, zero if none was needed yet.
func (sess *Session) Eta() float64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.eta
}

// Sample draws up to n samples at temperature T, continuing the chain of
// earlier calls at the same temperature. It stops early when sentinel
// returns true and returns the samples gathered so far together with any
// error. A bounded engine that runs out is not an error.
func (sess *Session) Sample(ctx context.Context, T float64, n int, sentinel Sentinel) ([]hecss.Sample, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	e, err := sess.engine(ctx, T)
	if err != nil {
		return nil, err
	}
	var out []hecss.Sample
	for len(out) < n {
		smpl, err := e.Next(ctx)
		if errors.Is(err, ErrDone) {
			break
		}
		if errors.Is(err, ErrBurnIn) {
			delete(sess.engines, tempKey(T))
			return out, err
		}
		if err != nil {
			return out, err
		}
		out = append(out, smpl)
		if sentinel != nil && sentinel(smpl, out) {
			break
		}
	}
	return out, nil
}

// Reset drops the engine of temperature T, so the next call starts a new
// chain from the configured width. It reports whether an engine was cached.
func (sess *Session) Reset(T float64) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	key := tempKey(T)
	_, ok := sess.engines[key]
	delete(sess.engines, key)
	return ok
}

// Temperatures lists the temperatures with a cached engine.
func (sess *Session) Temperatures() []float64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	ts := make([]float64, 0, len(sess.engines))
	for _, e := range sess.engines {
		ts = append(ts, e.T)
	}
	return ts
}
