// Package hecss holds the shared vocabulary of the configuration space
// sampler: the reference structure, the samples it produces and the
// interfaces to the external energy/force evaluator and symmetry analysis.
// The algorithms live in the subpackages sampler, width and resample.
package hecss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Physical constants in eV, Angstrom and Kelvin.
const (
	// KB is the Boltzmann constant in eV/K.
	KB = 8.617330337217213e-05
	// Bohr is the Bohr radius in Angstrom.
	Bohr = 0.52917721067
	// Ry is the Rydberg energy in eV.
	Ry = 13.605693009
)

var ErrShape = errors.New("array shape does not match structure")

// Structure is the immutable reference configuration. Cell rows are the
// lattice vectors and Positions holds one Cartesian row per atom.
type Structure struct {
	species   []string
	cell      *mat.Dense
	positions *mat.Dense
}

// NewStructure copies its inputs so the returned structure can never be
// changed from the outside.
func NewStructure(species []string, cell, positions *mat.Dense) (*Structure, error) {
	if r, c := cell.Dims(); r != 3 || c != 3 {
		return nil, fmt.Errorf("cell is %vx%v, want 3x3: %w", r, c, ErrShape)
	}
	r, c := positions.Dims()
	if r != len(species) || c != 3 {
		return nil, fmt.Errorf("positions are %vx%v for %v atoms: %w", r, c, len(species), ErrShape)
	}
	if r == 0 {
		return nil, fmt.Errorf("empty structure: %w", ErrShape)
	}
	return &Structure{
		species:   append([]string(nil), species...),
		cell:      mat.DenseCopyOf(cell),
		positions: mat.DenseCopyOf(positions),
	}, nil
}

func (s *Structure) Len() int { return len(s.species) }

func (s *Structure) Species(i int) string { return s.species[i] }

// SpeciesList returns a copy of the per-atom species labels.
func (s *Structure) SpeciesList() []string { return append([]string(nil), s.species...) }

func (s *Structure) Cell() *mat.Dense { return mat.DenseCopyOf(s.cell) }

func (s *Structure) Positions() *mat.Dense { return mat.DenseCopyOf(s.positions) }

// Displaced returns the reference positions shifted by x.
func (s *Structure) Displaced(x mat.Matrix) *mat.Dense {
	pos := mat.DenseCopyOf(s.positions)
	pos.Add(pos, x)
	return pos
}

// Sample is a single configuration produced by the sampler. Energy is the
// potential energy per atom relative to the ground state. Samples are
// never modified after they are handed out; resampled lists share the
// Displacement and Forces arrays with their source.
type Sample struct {
	// Seq increases strictly over the output sequence.
	Seq int
	// Index identifies the underlying configuration and repeats when a
	// configuration is emitted more than once.
	Index        int
	Displacement *mat.Dense
	Forces       *mat.Dense
	Energy       float64
}

// Atoms returns the number of atoms in the sample.
func (s Sample) Atoms() int {
	if s.Displacement == nil {
		return 0
	}
	r, _ := s.Displacement.Dims()
	return r
}

// EGoal is the mean per-atom potential energy of a harmonic system at
// temperature T.
func EGoal(T float64) float64 { return 3 * KB * T / 2 }

// EScale is the expected spread of the per-atom energy of nat atoms at
// temperature T.
func EScale(T float64, nat int) float64 {
	return math.Sqrt(1.5) * KB * T / math.Sqrt(float64(nat))
}

// Temperature inverts EGoal.
func Temperature(egoal float64) float64 { return 2 * egoal / (3 * KB) }
