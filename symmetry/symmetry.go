// Package symmetry maps atoms to degree of freedom classes. The classes
// only drive the amplitude correction of the sampler, so an approximate
// mapper is harmless: it merely slows the equipartition feedback down.
package symmetry

import (
	"errors"
	"fmt"
	"math"

	"github.com/jochym/hecss"
	"gonum.org/v1/gonum/mat"
)

// DefaultTolerance is the Cartesian distance (A) under which two sites are
// considered identical.
const DefaultTolerance = 1e-5

var ErrBadMap = errors.New("invalid DOF map")

// Identity puts every atom in its own class.
type Identity struct{}

func (Identity) DOFClasses(s *hecss.Structure) ([]int, error) {
	m := make([]int, s.Len())
	for i := range m {
		m[i] = i
	}
	return m, nil
}

// Species groups atoms by chemical species in order of first appearance.
type Species struct{}

func (Species) DOFClasses(s *hecss.Structure) ([]int, error) {
	ids := map[string]int{}
	m := make([]int, s.Len())
	for i := range m {
		sp := s.Species(i)
		id, ok := ids[sp]
		if !ok {
			id = len(ids)
			ids[sp] = id
		}
		m[i] = id
	}
	return m, nil
}

// Fixed is a precomputed mapping. DOFClasses relabels it to contiguous ids.
type Fixed []int

func (f Fixed) DOFClasses(s *hecss.Structure) ([]int, error) {
	if len(f) != s.Len() {
		return nil, fmt.Errorf("map has %v entries for %v atoms: %w", len(f), s.Len(), ErrBadMap)
	}
	return Compact(f), nil
}

// Translations groups atoms related by pure lattice translations of the
// structure, which for a supercell reproduces the mapping of every atom to
// its image in the primitive cell.
type Translations struct {
	Tol float64
}

func (tr Translations) DOFClasses(s *hecss.Structure) ([]int, error) {
	tol := tr.Tol
	if tol <= 0 {
		tol = DefaultTolerance
	}

	cell := s.Cell()
	var inv mat.Dense
	if err := inv.Inverse(cell); err != nil {
		return nil, fmt.Errorf("singular cell: %w", err)
	}
	var frac mat.Dense
	frac.Mul(s.Positions(), &inv)

	nat := s.Len()
	parent := make([]int, nat)
	for i := range parent {
		parent[i] = i
	}

	for j := 0; j < nat; j++ {
		if s.Species(j) != s.Species(0) {
			continue
		}
		t := make([]float64, 3)
		for c := range t {
			t[c] = frac.At(j, c) - frac.At(0, c)
		}
		perm, ok := translate(s, &frac, cell, t, tol)
		if !ok {
			continue
		}
		for a, b := range perm {
			union(parent, a, b)
		}
	}

	m := make([]int, nat)
	for i := range m {
		m[i] = find(parent, i)
	}
	return Compact(m), nil
}

// translate checks whether shifting all atoms by the fractional vector t
// maps the structure onto itself and returns the induced permutation.
func translate(s *hecss.Structure, frac *mat.Dense, cell *mat.Dense, t []float64, tol float64) ([]int, bool) {
	nat := s.Len()
	perm := make([]int, nat)
	d := mat.NewVecDense(3, nil)
	var cart mat.VecDense
	for a := 0; a < nat; a++ {
		found := false
		for b := 0; b < nat && !found; b++ {
			if s.Species(a) != s.Species(b) {
				continue
			}
			for c := 0; c < 3; c++ {
				v := frac.At(a, c) + t[c] - frac.At(b, c)
				d.SetVec(c, v-math.Round(v))
			}
			cart.MulVec(cell.T(), d)
			if mat.Norm(&cart, 2) < tol {
				perm[a] = b
				found = true
			}
		}
		if !found {
			return nil, false
		}
	}
	return perm, true
}

func find(parent []int, i int) int {
	for parent[i] != i {
		parent[i] = parent[parent[i]]
		i = parent[i]
	}
	return i
}

func union(parent []int, a, b int) {
	ra, rb := find(parent, a), find(parent, b)
	if ra == rb {
		return
	}
	if ra < rb {
		parent[rb] = ra
	} else {
		parent[ra] = rb
	}
}

// Compact relabels class ids to 0..M-1 in order of first appearance.
func Compact(m []int) []int {
	ids := map[int]int{}
	out := make([]int, len(m))
	for i, v := range m {
		id, ok := ids[v]
		if !ok {
			id = len(ids)
			ids[v] = id
		}
		out[i] = id
	}
	return out
}

// Classes returns the number of classes in a contiguous map.
func Classes(m []int) int {
	n := 0
	for _, v := range m {
		if v+1 > n {
			n = v + 1
		}
	}
	return n
}
