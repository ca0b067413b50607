package dfset

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jochym/hecss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sample(seq, idx int, e float64) hecss.Sample {
	return hecss.Sample{
		Seq:          seq,
		Index:        idx,
		Displacement: mat.NewDense(2, 3, []float64{0.01, -0.02, 0.03, 0, 0.1, -0.1}),
		Forces:       mat.NewDense(2, 3, []float64{-0.5, 1, -1.5, 0, -2, 2}),
		Energy:       e,
	}
}

func TestWriteFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sample(3, 1, 0.0387779865)))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# set: 0003 config: 0001  energy: 3.877799e-02 eV/at", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "      0.0188973      -0.0377945       0.0566918      "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " "))
	assert.Len(t, strings.Fields(lines[2]), 6)
}

func TestReadBack(t *testing.T) {
	var buf bytes.Buffer
	in := []hecss.Sample{sample(1, 0, 0.03), sample(2, 1, 0.041)}
	for _, s := range in {
		require.NoError(t, Write(&buf, s))
	}
	out, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for k := range in {
		assert.Equal(t, in[k].Seq, out[k].Seq)
		assert.Equal(t, in[k].Index, out[k].Index)
		assert.InDelta(t, in[k].Energy, out[k].Energy, 1e-7)
		assert.True(t, mat.EqualApprox(in[k].Displacement, out[k].Displacement, 1e-7))
		assert.True(t, mat.EqualApprox(in[k].Forces, out[k].Forces, 1e-7))
	}
}

func TestAppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "DFSET")
	require.NoError(t, Append(path, sample(1, 0, 0.03)))
	require.NoError(t, Append(path, sample(2, 1, 0.04), sample(3, 2, 0.05)))

	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 3, out[2].Seq)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadMalformed(t *testing.T) {
	for name, txt := range map[string]string{
		"no header":   "0 0 0 0 0 0\n",
		"bad header":  "# set 1\n0 0 0 0 0 0\n",
		"columns":     "# set: 0001 config: 0000  energy: 1e-2 eV/at\n0 0 0 0 0\n",
		"number":      "# set: 0001 config: 0000  energy: 1e-2 eV/at\n0 0 x 0 0 0\n",
		"empty set":   "# set: 0001 config: 0000  energy: 1e-2 eV/at\n# set: 0002 config: 0001  energy: 1e-2 eV/at\n0 0 0 0 0 0\n",
		"atom counts": "# set: 0001 config: 0000  energy: 1e-2 eV/at\n0 0 0 0 0 0\n# set: 0002 config: 0001  energy: 1e-2 eV/at\n0 0 0 0 0 0\n0 0 0 0 0 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(txt))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}
