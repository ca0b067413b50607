// Package config loads the YAML run file of the hecss command.
package config

import (
	"fmt"
	"os"

	"github.com/jochym/hecss"
	"github.com/jochym/hecss/dist"
	"github.com/jochym/hecss/resample"
	"github.com/jochym/hecss/sampler"
	"github.com/jochym/hecss/symmetry"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// File is the run configuration.
type File struct {
	Structure   Structure `yaml:"structure"`
	Temperature float64   `yaml:"temperature"`
	Samples     int       `yaml:"samples"`
	// Seed makes a run reproducible, zero picks a random seed.
	Seed      uint64    `yaml:"seed"`
	Sampler   Sampler   `yaml:"sampler"`
	Evaluator Evaluator `yaml:"evaluator"`
	Output    Output    `yaml:"output"`
	Resample  Resample  `yaml:"resample"`
}

type Structure struct {
	Species   []string    `yaml:"species"`
	Cell      [][]float64 `yaml:"cell"`
	Positions [][]float64 `yaml:"positions"`
	// Energy is the total ground state energy in eV. It is evaluated when
	// missing.
	Energy *float64 `yaml:"energy,omitempty"`
}

type Sampler struct {
	// Eta is the initial width, zero runs the width estimator.
	Eta               float64 `yaml:"eta"`
	WScale            float64 `yaml:"wscale"`
	Maxburn           int     `yaml:"maxburn"`
	Delta             float64 `yaml:"delta"`
	Sigma             float64 `yaml:"sigma"`
	EqDelta           float64 `yaml:"eqdelta"`
	EqSigma           float64 `yaml:"eqsigma"`
	Xi                float64 `yaml:"xi"`
	Chi               float64 `yaml:"chi"`
	Dist              string  `yaml:"dist"`
	WidthSearch       bool    `yaml:"width_search"`
	EquilibrateBurnIn bool    `yaml:"equilibrate_burnin"`
	EstimateTrials    int     `yaml:"estimate_trials"`
	// Symmetry is one of translations, species or identity.
	Symmetry  string  `yaml:"symmetry"`
	Tolerance float64 `yaml:"tolerance"`
}

type Evaluator struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Workdir string   `yaml:"workdir"`
	Env     []string `yaml:"env"`
}

type Output struct {
	DFSET   string `yaml:"dfset"`
	Trace   string `yaml:"trace"`
	Metrics string `yaml:"metrics"`
}

type Resample struct {
	N          int     `yaml:"n"`
	Nmul       float64 `yaml:"nmul"`
	NonzeroW   bool    `yaml:"nonzero_w"`
	ProbTH     float64 `yaml:"prob_th"`
	SigmaScale float64 `yaml:"sigma_scale"`
	Border     bool    `yaml:"border"`
}

func Default() File {
	cfg := sampler.DefaultConfig()
	rs := resample.DefaultConfig()
	return File{
		Samples: 100,
		Sampler: Sampler{
			WScale:            cfg.WScale,
			Maxburn:           cfg.Maxburn,
			Delta:             cfg.DeltaSample,
			Sigma:             cfg.Sigma,
			EqDelta:           cfg.EqDelta,
			EqSigma:           cfg.EqSigma,
			Xi:                cfg.Xi,
			Chi:               cfg.Chi,
			Dist:              cfg.Dist.Name(),
			WidthSearch:       cfg.WidthSearch,
			EquilibrateBurnIn: cfg.EquilibrateBurnIn,
			EstimateTrials:    sampler.DefaultEstimateTrials,
			Symmetry:          "translations",
			Tolerance:         symmetry.DefaultTolerance,
		},
		Evaluator: Evaluator{Workdir: "calc"},
		Output:    Output{DFSET: "DFSET"},
		Resample: Resample{
			Nmul:       rs.Nmul,
			NonzeroW:   rs.NonzeroW,
			ProbTH:     rs.ProbTH,
			SigmaScale: rs.SigmaScale,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (File, error) {
	f := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return f, errors.Wrap(err, "config")
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := f.Validate(); err != nil {
		return f, errors.Wrapf(err, "config: %s", path)
	}
	return f, nil
}

// Validate checks the values that cannot be clamped.
func (f File) Validate() error {
	if f.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %v", f.Temperature)
	}
	if f.Samples < 0 {
		return fmt.Errorf("samples must not be negative, got %v", f.Samples)
	}
	if f.Sampler.Eta < 0 {
		return fmt.Errorf("sampler.eta must not be negative, got %v", f.Sampler.Eta)
	}
	if f.Sampler.WScale <= 0 {
		return fmt.Errorf("sampler.wscale must be positive, got %v", f.Sampler.WScale)
	}
	if f.Sampler.Maxburn < 0 {
		return fmt.Errorf("sampler.maxburn must not be negative, got %v", f.Sampler.Maxburn)
	}
	if f.Sampler.Sigma <= 0 {
		return fmt.Errorf("sampler.sigma must be positive, got %v", f.Sampler.Sigma)
	}
	if f.Sampler.EqSigma <= 0 {
		return fmt.Errorf("sampler.eqsigma must be positive, got %v", f.Sampler.EqSigma)
	}
	if _, err := dist.ByName(f.Sampler.Dist); err != nil {
		return fmt.Errorf("sampler.dist: %w", err)
	}
	if _, err := f.Mapper(); err != nil {
		return err
	}
	return nil
}

// BuildStructure converts the structure section.
func (f File) BuildStructure() (*hecss.Structure, error) {
	st := f.Structure
	cell, err := dense(st.Cell, "cell")
	if err != nil {
		return nil, err
	}
	pos, err := dense(st.Positions, "positions")
	if err != nil {
		return nil, err
	}
	return hecss.NewStructure(st.Species, cell, pos)
}

func dense(rows [][]float64, name string) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("structure.%s is empty", name)
	}
	data := make([]float64, 0, 3*len(rows))
	for i, r := range rows {
		if len(r) != 3 {
			return nil, fmt.Errorf("structure.%s row %d has %d columns", name, i, len(r))
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), 3, data), nil
}

// Mapper returns the DOF mapper named by sampler.symmetry.
func (f File) Mapper() (hecss.SymmetryMapper, error) {
	switch f.Sampler.Symmetry {
	case "", "translations":
		return symmetry.Translations{Tol: f.Sampler.Tolerance}, nil
	case "species":
		return symmetry.Species{}, nil
	case "identity", "none":
		return symmetry.Identity{}, nil
	}
	return nil, fmt.Errorf("sampler.symmetry: unknown mapper %q", f.Sampler.Symmetry)
}

// EngineOptions translates the sampler section.
func (f File) EngineOptions() ([]sampler.Option, error) {
	s := f.Sampler
	q, err := dist.ByName(s.Dist)
	if err != nil {
		return nil, fmt.Errorf("sampler.dist: %w", err)
	}
	opts := []sampler.Option{
		sampler.WidthScale(s.WScale),
		sampler.Maxburn(s.Maxburn),
		sampler.DeltaSample(s.Delta),
		sampler.Sigma(s.Sigma),
		sampler.Equipartition(s.EqDelta, s.EqSigma),
		sampler.Mixing(s.Xi, s.Chi),
		sampler.Dist(q),
		sampler.WidthSearch(s.WidthSearch),
		sampler.EquilibrateBurnIn(s.EquilibrateBurnIn),
	}
	if s.Eta > 0 {
		opts = append(opts, sampler.Width(s.Eta))
	}
	return opts, nil
}

// ResampleConfig translates the resample section.
func (f File) ResampleConfig() resample.Config {
	r := f.Resample
	return resample.Config{
		T:          f.Temperature,
		SigmaScale: r.SigmaScale,
		Border:     r.Border,
		N:          r.N,
		Nmul:       r.Nmul,
		NonzeroW:   r.NonzeroW,
		ProbTH:     r.ProbTH,
	}
}
