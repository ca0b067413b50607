// Package dfset reads and writes displacement-force data sets in the
// ALAMODE DFSET text format. Every sample is a comment header followed by
// one line per atom holding the displacement in Bohr and the force in
// Ry/Bohr.
package dfset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jochym/hecss"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrFormat is returned for malformed input.
var ErrFormat = errors.New("dfset: malformed data")

const forceUnit = hecss.Ry / hecss.Bohr

// Write writes a single sample.
func Write(w io.Writer, s hecss.Sample) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# set: %04d config: %04d  energy: %8e eV/at\n", s.Seq, s.Index, s.Energy)
	nat := s.Atoms()
	for a := 0; a < nat; a++ {
		fmt.Fprintf(bw, "%15.7f %15.7f %15.7f      %15.8e %15.8e %15.8e \n",
			s.Displacement.At(a, 0)/hecss.Bohr,
			s.Displacement.At(a, 1)/hecss.Bohr,
			s.Displacement.At(a, 2)/hecss.Bohr,
			s.Forces.At(a, 0)/forceUnit,
			s.Forces.At(a, 1)/forceUnit,
			s.Forces.At(a, 2)/forceUnit,
		)
	}
	return errors.Wrap(bw.Flush(), "dfset: write")
}

// Append appends the samples to the file at path, creating it if needed.
func Append(path string, samples ...hecss.Sample) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "dfset: open %s", path)
	}
	for _, s := range samples {
		if err := Write(f, s); err != nil {
			f.Close()
			return errors.Wrapf(err, "dfset: %s", path)
		}
	}
	return errors.Wrapf(f.Close(), "dfset: close %s", path)
}

// Read parses all samples from r. Positions are converted back to A and
// forces to eV/A.
func Read(r io.Reader) ([]hecss.Sample, error) {
	var (
		out  []hecss.Sample
		cur  *hecss.Sample
		rows []float64
		line int
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		nat := len(rows) / 6
		if nat == 0 {
			return errors.Wrapf(ErrFormat, "set %d has no atoms", cur.Seq)
		}
		x := mat.NewDense(nat, 3, nil)
		f := mat.NewDense(nat, 3, nil)
		for a := 0; a < nat; a++ {
			for c := 0; c < 3; c++ {
				x.Set(a, c, rows[6*a+c]*hecss.Bohr)
				f.Set(a, c, rows[6*a+3+c]*forceUnit)
			}
		}
		if len(out) > 0 && out[0].Atoms() != nat {
			return errors.Wrapf(ErrFormat, "set %d has %d atoms, expected %d", cur.Seq, nat, out[0].Atoms())
		}
		cur.Displacement, cur.Forces = x, f
		out = append(out, *cur)
		cur, rows = nil, rows[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" {
			continue
		}
		if strings.HasPrefix(txt, "#") {
			if err := flush(); err != nil {
				return nil, err
			}
			s, err := parseHeader(txt)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			cur = &s
			continue
		}
		if cur == nil {
			return nil, errors.Wrapf(ErrFormat, "line %d: data before the first header", line)
		}
		fields := strings.Fields(txt)
		if len(fields) != 6 {
			return nil, errors.Wrapf(ErrFormat, "line %d: %d columns", line, len(fields))
		}
		for _, fld := range fields {
			v, err := strconv.ParseFloat(fld, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrFormat, "line %d: %v", line, err)
			}
			rows = append(rows, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "dfset: read")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseHeader reads "# set: 0001 config: 0000  energy: 3.8e-02 eV/at".
func parseHeader(txt string) (hecss.Sample, error) {
	var s hecss.Sample
	f := strings.Fields(txt)
	if len(f) < 7 || f[1] != "set:" || f[3] != "config:" || f[5] != "energy:" {
		return s, errors.Wrapf(ErrFormat, "bad header %q", txt)
	}
	var err error
	if s.Seq, err = strconv.Atoi(f[2]); err != nil {
		return s, errors.Wrapf(ErrFormat, "bad set number %q", f[2])
	}
	if s.Index, err = strconv.Atoi(f[4]); err != nil {
		return s, errors.Wrapf(ErrFormat, "bad config number %q", f[4])
	}
	if s.Energy, err = strconv.ParseFloat(f[6], 64); err != nil {
		return s, errors.Wrapf(ErrFormat, "bad energy %q", f[6])
	}
	return s, nil
}

// Load reads the file at path.
func Load(path string) ([]hecss.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dfset: open %s", path)
	}
	defer f.Close()
	smpls, err := Read(f)
	return smpls, errors.Wrapf(err, "dfset: %s", path)
}
