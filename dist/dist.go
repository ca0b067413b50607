// Package dist provides the zero-mean proposal distributions used to draw
// atomic displacements. The family is closed: Normal, Logistic, Laplace,
// Cauchy and HypSecant.
package dist

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var ErrUnknownDist = errors.New("unknown distribution")

// Variate is a zero-centred distribution parametrised by a single scale.
type Variate interface {
	Name() string
	// Rand draws one value with the given scale.
	Rand(rng *rand.Rand, scale float64) float64
	// Prob is the probability density at x.
	Prob(x, scale float64) float64
	// Fit estimates location and scale from samples.
	Fit(samples []float64) (loc, scale float64)
}

// ByName returns the distribution registered under name. Accepted names
// are "normal" (or "norm"), "logistic", "laplace", "cauchy" and
// "hypsecant".
func ByName(name string) (Variate, error) {
	switch strings.ToLower(name) {
	case "", "norm", "normal", "gauss":
		return Normal{}, nil
	case "logistic":
		return Logistic{}, nil
	case "laplace":
		return Laplace{}, nil
	case "cauchy":
		return Cauchy{}, nil
	case "hypsecant", "sech":
		return HypSecant{}, nil
	}
	return nil, &unknownError{name}
}

type unknownError struct{ name string }

func (e *unknownError) Error() string { return "unknown distribution " + `"` + e.name + `"` }

func (e *unknownError) Is(target error) bool { return target == ErrUnknownDist }

// Sample fills an r×c array with independent draws from q.
func Sample(q Variate, rng *rand.Rand, r, c int, scale float64) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = q.Rand(rng, scale)
	}
	return m
}

type Normal struct{}

func (Normal) Name() string { return "normal" }

func (Normal) Rand(rng *rand.Rand, scale float64) float64 {
	return distuv.Normal{Mu: 0, Sigma: scale, Src: rng}.Rand()
}

func (Normal) Prob(x, scale float64) float64 {
	return distuv.Normal{Mu: 0, Sigma: scale}.Prob(x)
}

func (Normal) Fit(samples []float64) (loc, scale float64) {
	var n distuv.Normal
	n.Fit(samples, nil)
	return n.Mu, n.Sigma
}

type Laplace struct{}

func (Laplace) Name() string { return "laplace" }

func (Laplace) Rand(rng *rand.Rand, scale float64) float64 {
	return distuv.Laplace{Mu: 0, Scale: scale, Src: rng}.Rand()
}

func (Laplace) Prob(x, scale float64) float64 {
	return distuv.Laplace{Mu: 0, Scale: scale}.Prob(x)
}

func (Laplace) Fit(samples []float64) (loc, scale float64) {
	var l distuv.Laplace
	l.Fit(samples, nil)
	return l.Mu, l.Scale
}

// Logistic has density exp(-x/s)/(s(1+exp(-x/s))^2).
type Logistic struct{}

func (Logistic) Name() string { return "logistic" }

func (Logistic) Rand(rng *rand.Rand, scale float64) float64 {
	u := openUniform(rng)
	return scale * math.Log(u/(1-u))
}

func (Logistic) Prob(x, scale float64) float64 {
	z := math.Exp(-math.Abs(x) / scale)
	return z / (scale * (1 + z) * (1 + z))
}

// Fit uses the moment estimate var = s²π²/3.
func (Logistic) Fit(samples []float64) (loc, scale float64) {
	mean, std := stat.MeanStdDev(samples, nil)
	return mean, std * math.Sqrt(3) / math.Pi
}

type Cauchy struct{}

func (Cauchy) Name() string { return "cauchy" }

func (Cauchy) Rand(rng *rand.Rand, scale float64) float64 {
	return scale * math.Tan(math.Pi*(openUniform(rng)-0.5))
}

func (Cauchy) Prob(x, scale float64) float64 {
	z := x / scale
	return 1 / (math.Pi * scale * (1 + z*z))
}

// Fit uses the median and half the interquartile range, the moments of a
// Cauchy distribution do not exist.
func (Cauchy) Fit(samples []float64) (loc, scale float64) {
	s := append([]float64(nil), samples...)
	sort.Float64s(s)
	loc = stat.Quantile(0.5, stat.Empirical, s, nil)
	q1 := stat.Quantile(0.25, stat.Empirical, s, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, s, nil)
	return loc, (q3 - q1) / 2
}

// HypSecant has density 1/(π s cosh(x/s)).
type HypSecant struct{}

func (HypSecant) Name() string { return "hypsecant" }

func (HypSecant) Rand(rng *rand.Rand, scale float64) float64 {
	return scale * math.Log(math.Tan(math.Pi*openUniform(rng)/2))
}

func (HypSecant) Prob(x, scale float64) float64 {
	return 1 / (math.Pi * scale * math.Cosh(x/scale))
}

// Fit uses the moment estimate var = π²s²/4.
func (HypSecant) Fit(samples []float64) (loc, scale float64) {
	mean, std := stat.MeanStdDev(samples, nil)
	return mean, 2 * std / math.Pi
}

// openUniform returns a uniform value in the open interval (0, 1).
func openUniform(rng *rand.Rand) float64 {
	for {
		if u := rng.Float64(); u > 0 {
			return u
		}
	}
}
