package sampler

import (
	"gonum.org/v1/gonum/mat"
)

// InitXScale builds an initial amplitude scale from the xscale history of
// an earlier run, e.g. MemRecorder.XScale. Each atom gets the mean over
// its species, all axes and all recorded steps after the first skip. skip
// is capped at half the history. The result plugs into XScaleInit.
func InitXScale(species []string, history []*mat.Dense, skip int) *mat.Dense {
	nat := len(species)
	xs := mat.NewDense(nat, 3, nil)
	fill(xs, 1)
	if skip > len(history)/2 {
		skip = len(history) / 2
	}
	if skip < 0 {
		skip = 0
	}
	history = history[skip:]
	if len(history) == 0 {
		return xs
	}

	sum := map[string]float64{}
	cnt := map[string]float64{}
	for _, h := range history {
		for a, sp := range species {
			for c := 0; c < 3; c++ {
				sum[sp] += h.At(a, c)
				cnt[sp]++
			}
		}
	}
	for a, sp := range species {
		v := sum[sp] / cnt[sp]
		xs.SetRow(a, []float64{v, v, v})
	}
	return xs
}
