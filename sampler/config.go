package sampler

import (
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/jochym/hecss/dist"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultWScale      = 1e-3 // A/sqrt(K)
	DefaultMaxburn     = 20
	DefaultDeltaSample = 0.01
	DefaultSigma       = 2
	DefaultEqDelta     = 0.05
	DefaultEqSigma     = 0.2
	DefaultHistory     = 1000
)

// Config holds the tunables of an Engine. Build it through Options.
type Config struct {
	// Eta is the initial width relative to WScale*sqrt(T).
	Eta float64
	// WScale is the overall scale of the width-temperature relation.
	WScale float64
	// Maxburn is the number of out-of-band trials tolerated in the width
	// search.
	Maxburn int
	// DeltaSample is the width learning rate while sampling. The width
	// search uses ten times this value.
	DeltaSample float64
	// Sigma is the half width of the target band in units of E_scale.
	Sigma float64
	// EqDelta bounds the per step change of the amplitude scale and EqSigma
	// sets the width of the linear part of its sigmoid.
	EqDelta float64
	EqSigma float64
	// Xi blends the amplitude correction with unity, Chi blends the new
	// correction with the previous one. Both are clamped to [0,1].
	Xi  float64
	Chi float64
	// XScaleInit is the initial N×3 amplitude scale, ones if nil.
	XScaleInit *mat.Dense
	// WidthSearch enables adaptation of the width and the burn-in phase.
	WidthSearch bool
	// EquilibrateBurnIn also runs the amplitude correction during the
	// width search.
	EquilibrateBurnIn bool
	Dist              dist.Variate
	// N bounds the number of samples, zero means unbounded.
	N int
	// History is the capacity of the rolling width history.
	History  int
	Recorder Recorder
	Logger   *slog.Logger
	Rand     *rand.Rand
	// Directory prefixes the trial tags.
	Directory string
}

func DefaultConfig() Config {
	return Config{
		WScale:            DefaultWScale,
		Maxburn:           DefaultMaxburn,
		DeltaSample:       DefaultDeltaSample,
		Sigma:             DefaultSigma,
		EqDelta:           DefaultEqDelta,
		EqSigma:           DefaultEqSigma,
		Xi:                1,
		Chi:               1,
		WidthSearch:       true,
		EquilibrateBurnIn: true,
		Dist:              dist.Normal{},
		History:           DefaultHistory,
	}
}

type Option func(*Config)

// NewConfig applies opts on top of DefaultConfig and clamps the mixing
// coefficients.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Xi = clamp01(cfg.Xi)
	cfg.Chi = clamp01(cfg.Chi)
	if cfg.Dist == nil {
		cfg.Dist = dist.Normal{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return cfg
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func Width(eta float64) Option {
	return func(c *Config) { c.Eta = eta }
}

func WidthScale(ws float64) Option {
	return func(c *Config) { c.WScale = ws }
}

func Maxburn(n int) Option {
	return func(c *Config) { c.Maxburn = n }
}

func DeltaSample(d float64) Option {
	return func(c *Config) { c.DeltaSample = d }
}

func Sigma(s float64) Option {
	return func(c *Config) { c.Sigma = s }
}

// Equipartition sets the speed (eqdelta) and sharpness (eqsigma) of the
// amplitude correction.
func Equipartition(eqdelta, eqsigma float64) Option {
	return func(c *Config) {
		c.EqDelta = eqdelta
		c.EqSigma = eqsigma
	}
}

// Mixing sets xi and chi. Values outside [0,1] are clamped.
func Mixing(xi, chi float64) Option {
	return func(c *Config) {
		c.Xi = xi
		c.Chi = chi
	}
}

func XScaleInit(xs *mat.Dense) Option {
	return func(c *Config) { c.XScaleInit = xs }
}

func WidthSearch(on bool) Option {
	return func(c *Config) { c.WidthSearch = on }
}

func EquilibrateBurnIn(on bool) Option {
	return func(c *Config) { c.EquilibrateBurnIn = on }
}

func Dist(q dist.Variate) Option {
	return func(c *Config) { c.Dist = q }
}

// Bound stops the engine after n samples.
func Bound(n int) Option {
	return func(c *Config) { c.N = n }
}

func History(n int) Option {
	return func(c *Config) { c.History = n }
}

func Record(r Recorder) Option {
	return func(c *Config) { c.Recorder = r }
}

func Logger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func Rand(rng *rand.Rand) Option {
	return func(c *Config) { c.Rand = rng }
}

func Directory(dir string) Option {
	return func(c *Config) { c.Directory = dir }
}
