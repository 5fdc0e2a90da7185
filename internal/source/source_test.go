package source

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quatRow formats an orientation row for a pure rotation about the x axis.
func quatRow(ts float64, angle float64) string {
	return fmt.Sprintf("%f,%.17g,0,0,%.17g\n", ts, math.Sin(angle/2), math.Cos(angle/2))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFileSourceTailsAppendedRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orientation.csv")

	// Pre-existing content must never be replayed.
	require.NoError(t, os.WriteFile(path, []byte(quatRow(0, 1.0)+quatRow(1, 2.0)), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, "orientation.csv", src.Name())
	assert.Zero(t, src.Position())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	// The first appended row is consumed by the partial-row skip, the second
	// seeds prev-yaw; rotation shows up from the third.
	_, err = f.WriteString(quatRow(2, 0))
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(3, 0.5))
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(4, 1.5))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return math.Abs(src.Position()-1.0) < 1e-6 })
	assert.NoError(t, src.Err())
}

func TestFileSourceUnwrapsAcrossSeam(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orientation.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	// A dummy row to satisfy the partial-row skip, a seed at +3.1 rad, then
	// a sample at -3.1 rad: physically a small forward move across the seam.
	_, err = f.WriteString(quatRow(0, 0))
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(1, 3.1))
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(2, -3.1))
	require.NoError(t, err)

	want := 2*math.Pi - 6.2
	waitFor(t, 2*time.Second, func() bool { return math.Abs(src.Position()-want) < 1e-6 })
}

func TestFileSourceMalformedRowIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orientation.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(quatRow(0, 0)) // consumed by the partial-row skip
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(1, 0.5))
	require.NoError(t, err)
	_, err = f.WriteString(quatRow(2, 1.0))
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return math.Abs(src.Position()-0.5) < 1e-6 })

	_, err = f.WriteString("3,not,a,quaternion,row\n")
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return src.Err() != nil })
	assert.ErrorIs(t, src.Err(), ErrMalformedRow)

	// Position freezes at the last good sample.
	frozen := src.Position()
	_, err = f.WriteString(quatRow(4, 2.0))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, src.Position())
}

func TestFileSourceMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
}

func TestParseYaw(t *testing.T) {
	t.Parallel()

	t.Run("ignores first field", func(t *testing.T) {
		yaw, err := parseYaw("1723051.223,0,0,0,1")
		require.NoError(t, err)
		assert.InDelta(t, 0, yaw, 1e-12)
	})

	t.Run("wrong field count", func(t *testing.T) {
		_, err := parseYaw("1,2,3,4")
		assert.ErrorIs(t, err, ErrMalformedRow)
	})

	t.Run("non-numeric component", func(t *testing.T) {
		_, err := parseYaw("1,2,x,4,5")
		assert.ErrorIs(t, err, ErrMalformedRow)
	})

	t.Run("tolerates CRLF and spaces", func(t *testing.T) {
		yaw, err := parseYaw("1, 0, 0, 0, 1\r")
		require.NoError(t, err)
		assert.InDelta(t, 0, yaw, 1e-12)
	})
}

func TestSyntheticSource(t *testing.T) {
	t.Parallel()

	src := NewSyntheticSource()
	defer src.Close()

	assert.Equal(t, "synthetic", src.Name())
	assert.NoError(t, src.Err())

	start := src.Position()
	waitFor(t, 2*time.Second, func() bool { return src.Position() != start })

	// Each perturbation is bounded by 0.05 rad; over a short window the
	// accumulated drift stays well inside a quarter turn.
	time.Sleep(100 * time.Millisecond)
	assert.Less(t, math.Abs(src.Position()), math.Pi/2)
}

func TestSourceCloseIsClean(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orientation.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fs, err := NewFileSource(path)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	assert.NoError(t, fs.Err()) // closing is not a source failure

	ss := NewSyntheticSource()
	require.NoError(t, ss.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orientation.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fs, err := NewFileSource(path)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	// The repeat call must not panic; it reports the already-closed file.
	assert.NotPanics(t, func() { fs.Close() })

	ss := NewSyntheticSource()
	require.NoError(t, ss.Close())
	assert.NotPanics(t, func() { ss.Close() })
}
