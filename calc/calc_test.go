package calc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jochym/hecss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func trial(t *testing.T, tag string) hecss.Trial {
	cell := mat.NewDense(3, 3, []float64{4, 0, 0, 0, 4, 0, 0, 0, 4})
	pos := mat.NewDense(2, 3, []float64{0, 0, 0, 2, 2, 2})
	s, err := hecss.NewStructure([]string{"Na", "Cl"}, cell, pos)
	require.NoError(t, err)
	x := mat.NewDense(2, 3, []float64{0.01, 0, 0, 0, 0, -0.01})
	return hecss.Trial{Tag: tag, Structure: s, Positions: s.Displaced(x)}
}

func shell(t *testing.T, script string) *Command {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	return &Command{Path: sh, Args: []string{"-c", script}, Workdir: t.TempDir()}
}

func TestCommand(t *testing.T) {
	c := shell(t, `test -f structure.dat || exit 9
printf -- "-12.5\n0.1 0.2 0.3\n-0.1 -0.2 -0.3\n" > energy_forces.dat`)
	tr := trial(t, "T_300.0K/smpl/0001")
	e, f, err := c.Evaluate(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, -12.5, e)
	assert.Equal(t, []float64{-0.1, -0.2, -0.3}, f.RawRowView(1))

	in, err := os.ReadFile(filepath.Join(c.Workdir, "T_300.0K", "smpl", "0001", InputFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(in)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "2", lines[0])
	assert.Equal(t, "Na 0.0100000000 0.0000000000 0.0000000000", lines[4])
	assert.Equal(t, "Cl 2.0000000000 2.0000000000 1.9900000000", lines[5])
}

func TestCommandFailures(t *testing.T) {
	for name, script := range map[string]string{
		"exit status": "echo boom >&2; exit 3",
		"no output":   "true",
		"short":       `echo "-1 0 0" > energy_forces.dat`,
		"garbage":     `echo "-1 a b c d e f" > energy_forces.dat`,
	} {
		t.Run(name, func(t *testing.T) {
			c := shell(t, script)
			_, _, err := c.Evaluate(context.Background(), trial(t, "w_est/000"))
			var ee *hecss.EvaluationError
			require.True(t, errors.As(err, &ee), "%v", err)
			assert.Equal(t, "w_est/000", ee.Tag)
		})
	}
}

func TestCommandCanceled(t *testing.T) {
	c := shell(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Evaluate(ctx, trial(t, "base"))
	assert.Error(t, err)
}
