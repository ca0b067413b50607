// Package calc runs external energy/force programs as evaluators.
//
// Every trial gets its own working directory named after the trial tag.
// The program finds the configuration in structure.dat and writes the
// total energy in eV followed by one line of forces in eV/A per atom to
// energy_forces.dat.
package calc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jochym/hecss"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	InputFile  = "structure.dat"
	OutputFile = "energy_forces.dat"
)

// Command is a directory based evaluator running Path with Args.
type Command struct {
	Path string
	Args []string
	// Workdir is the parent of the per-trial directories.
	Workdir string
	// Env is added to the environment of the program.
	Env    []string
	Logger *slog.Logger
}

func (c *Command) Evaluate(ctx context.Context, t hecss.Trial) (float64, *mat.Dense, error) {
	fail := func(err error) (float64, *mat.Dense, error) {
		return 0, nil, &hecss.EvaluationError{Tag: t.Tag, Err: err}
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(c.Workdir, filepath.FromSlash(t.Tag))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(errors.Wrap(err, "calc: working directory"))
	}
	// stale results must not be picked up
	os.Remove(filepath.Join(dir, OutputFile))
	if err := writeInput(filepath.Join(dir, InputFile), t); err != nil {
		return fail(err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fail(errors.Wrapf(err, "calc: %s: %s", c.Path, lastLine(out.String())))
	}
	logger.Debug("calculation finished", "tag", t.Tag, "dir", dir)

	e, f, err := readOutput(filepath.Join(dir, OutputFile), t.Structure.Len())
	if err != nil {
		return fail(err)
	}
	return e, f, nil
}

func writeInput(path string, t hecss.Trial) error {
	var b bytes.Buffer
	s := t.Structure
	cell := s.Cell()
	fmt.Fprintf(&b, "%d\n", s.Len())
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "%.10f %.10f %.10f\n", cell.At(i, 0), cell.At(i, 1), cell.At(i, 2))
	}
	for a := 0; a < s.Len(); a++ {
		fmt.Fprintf(&b, "%s %.10f %.10f %.10f\n", s.Species(a),
			t.Positions.At(a, 0), t.Positions.At(a, 1), t.Positions.At(a, 2))
	}
	return errors.Wrap(os.WriteFile(path, b.Bytes(), 0644), "calc: write input")
}

func readOutput(path string, nat int) (float64, *mat.Dense, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, nil, errors.Wrap(err, "calc: no output")
	}
	defer fh.Close()

	var vals []float64
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		for _, fld := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(fld, 64)
			if err != nil {
				return 0, nil, errors.Wrapf(err, "calc: parse %s", path)
			}
			vals = append(vals, v)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, nil, errors.Wrapf(err, "calc: read %s", path)
	}
	if len(vals) != 1+3*nat {
		return 0, nil, errors.Errorf("calc: %s has %d values, expected %d", path, len(vals), 1+3*nat)
	}
	return vals[0], mat.NewDense(nat, 3, vals[1:]), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
