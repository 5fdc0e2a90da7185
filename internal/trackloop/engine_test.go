package trackloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/commutator/internal/source"
	"github.com/banshee-data/commutator/internal/timeutil"
)

// fakeController records calls and serves scripted query results.
type fakeController struct {
	mu          sync.Mutex
	calls       []string
	queryRad    float64
	queryErr    error
	stepsPerRev int
	periodUS    uint32
}

func newFakeController() *fakeController {
	return &fakeController{stepsPerRev: 3200, periodUS: 312}
}

func (f *fakeController) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Reset() error    { f.record("reset"); return nil }
func (f *fakeController) PosReset() error { f.record("posreset"); return nil }
func (f *fakeController) Stop() error     { f.record("stop"); return nil }
func (f *fakeController) Resume() error   { f.record("resume"); return nil }
func (f *fakeController) Close() error    { f.record("close"); return nil }

func (f *fakeController) SetStepPeriod(us uint32) error {
	f.record(fmt.Sprintf("period:%d", us))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodUS = us
	return nil
}

func (f *fakeController) SetPosition(rad float64) error {
	f.record(fmt.Sprintf("pos:%.4f", rad))
	return nil
}

func (f *fakeController) QueryPosition() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryRad, f.queryErr
}

func (f *fakeController) setQuery(rad float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryRad = rad
	f.queryErr = err
}

func (f *fakeController) StepsPerRevolution() int { return f.stepsPerRev }

func (f *fakeController) StepPeriod() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periodUS
}

// fakeRecorder captures persisted sessions and snapshots.
type fakeRecorder struct {
	mu       sync.Mutex
	sessions []string
	rows     int
}

func (r *fakeRecorder) StartSession(id, sourceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sourceName)
	return nil
}

func (r *fakeRecorder) RecordSnapshot(sessionID string, target, actual float64, failure string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows++
	return nil
}

// stubSource is a Source with directly settable state.
type stubSource struct {
	mu   sync.Mutex
	pos  float64
	name string
	err  error
}

func (s *stubSource) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *stubSource) setPosition(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = v
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubSource) Close() error { return nil }

func hasCall(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestHysteresisBoundary(t *testing.T) {
	t.Parallel()

	const eps = 1e-9

	t.Run("below threshold issues no move", func(t *testing.T) {
		t.Parallel()
		ctl := newFakeController()
		src := &stubSource{name: "stub", pos: math.Pi/16 - eps}
		e := New(ctl, src, nil, Options{})

		e.step()
		for _, c := range ctl.Calls() {
			assert.NotContains(t, c, "pos:", "unexpected move command %q", c)
		}
	})

	t.Run("above threshold issues exactly one move", func(t *testing.T) {
		t.Parallel()
		ctl := newFakeController()
		src := &stubSource{name: "stub", pos: math.Pi/16 + 1e-6}
		e := New(ctl, src, nil, Options{})

		e.step()
		moves := 0
		for _, c := range ctl.Calls() {
			if len(c) > 4 && c[:4] == "pos:" {
				moves++
			}
		}
		assert.Equal(t, 1, moves)
	})
}

func TestTargetComposition(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 1.0}
	e := New(ctl, src, nil, Options{})

	e.SetManualOffset(0.5)
	e.step()

	snap := e.Snapshot()
	assert.InDelta(t, 1.5, snap.Target, 1e-9)

	// Recenter folds the offset into the baseline without moving the target.
	e.Recenter()
	assert.Zero(t, e.ManualOffset())
	e.step()
	assert.InDelta(t, 1.5, e.Snapshot().Target, 1e-9)
}

func TestStepPeriodReconciled(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub"}
	e := New(ctl, src, nil, Options{})

	// 1 rps at 3200 steps/rev is a 312.5us period, rounded to 313.
	require.NoError(t, e.SetMaxSpeed(1.0))
	assert.Equal(t, uint32(313), e.MaxStepPeriod())

	e.step()
	assert.True(t, hasCall(ctl.Calls(), "period:313"), "calls: %v", ctl.Calls())

	// Once reconciled, no further period command is sent.
	before := len(ctl.Calls())
	e.step()
	for _, c := range ctl.Calls()[before:] {
		assert.NotContains(t, c, "period:")
	}

	assert.Error(t, e.SetMaxSpeed(0))
	assert.Error(t, e.SetMaxSpeed(-1))
}

func TestSetMaxSpeedSaturatesPeriod(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub"}
	e := New(ctl, src, nil, Options{})

	// 5e-8 rps at 3200 steps/rev is a 6.25e9us period, above the uint32
	// ceiling. It must saturate, never wrap to a faster period.
	require.NoError(t, e.SetMaxSpeed(5e-8))
	assert.Equal(t, uint32(math.MaxUint32), e.MaxStepPeriod())

	// The largest representable period still converts exactly.
	rps := 1e6 / (float64(ctl.StepsPerRevolution()) * float64(math.MaxUint32))
	require.NoError(t, e.SetMaxSpeed(rps))
	assert.Equal(t, uint32(math.MaxUint32), e.MaxStepPeriod())
}

func TestSwapSourceSequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "orientation.csv")
	require.NoError(t, os.WriteFile(path, []byte("0,0,0,0,1\n"), 0o644))

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 2.0}
	rec := &fakeRecorder{}
	e := New(ctl, src, rec, Options{})

	e.SetManualOffset(0.25)
	e.Recenter() // baseline now 0.25
	e.step()
	assert.InDelta(t, 2.25, e.Snapshot().Target, 1e-9)

	require.NoError(t, e.SwapSource(path))

	// The motor was re-zeroed before anything else.
	require.True(t, hasCall(ctl.Calls(), "posreset"))

	// Baseline was discarded along with the old source's accumulation.
	e.step()
	assert.InDelta(t, 0, e.Snapshot().Target, 1e-9)
	assert.Equal(t, "orientation.csv", e.Snapshot().Source)

	// A new session was opened for the new source.
	rec.mu.Lock()
	sessions := append([]string(nil), rec.sessions...)
	rec.mu.Unlock()
	require.Len(t, sessions, 2)
	assert.Equal(t, "orientation.csv", sessions[1])
}

func TestSwapSourceBadPathKeepsOldSource(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 1.0}
	e := New(ctl, src, nil, Options{})

	err := e.SwapSource(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)

	e.step()
	assert.Equal(t, "stub", e.Snapshot().Source)
}

func TestSwapSourceEmptyPathSelectsSynthetic(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub"}
	e := New(ctl, src, nil, Options{})

	require.NoError(t, e.SwapSource(""))
	e.step()
	assert.Equal(t, "synthetic", e.Snapshot().Source)
	require.NoError(t, e.Shutdown())
}

func TestChannelFailureFreezesMotion(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 5.0}
	e := New(ctl, src, nil, Options{})

	ctl.setQuery(0, errors.New("device gone"))
	e.step()

	snap := e.Snapshot()
	assert.Contains(t, snap.Failure, "channel")

	// Even with a huge deviation, no further motion commands are issued.
	ctl.setQuery(0, nil)
	src.setPosition(50)
	e.step()
	for _, c := range ctl.Calls() {
		assert.NotContains(t, c, "pos:")
	}
	// Snapshots keep flowing and keep surfacing the failure.
	assert.Contains(t, e.Snapshot().Failure, "channel")
	assert.NotZero(t, e.Snapshot().Time)
}

func TestSourceFailureHoldsTarget(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 1.0}
	e := New(ctl, src, nil, Options{})

	src.setErr(source.ErrMalformedRow)
	e.step()

	snap := e.Snapshot()
	assert.Contains(t, snap.Failure, "source")
	assert.InDelta(t, 1.0, snap.Target, 1e-9)
	for _, c := range ctl.Calls() {
		assert.NotContains(t, c, "pos:")
	}
}

func TestStopResumePassthrough(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	e := New(ctl, &stubSource{name: "stub"}, nil, Options{})

	require.NoError(t, e.Stop())
	require.NoError(t, e.Resume())
	assert.True(t, hasCall(ctl.Calls(), "stop"))
	assert.True(t, hasCall(ctl.Calls(), "resume"))
}

func TestShutdownResetsBeforeClose(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	e := New(ctl, &stubSource{name: "stub"}, nil, Options{})

	require.NoError(t, e.Shutdown())

	calls := ctl.Calls()
	var resetAt, closeAt = -1, -1
	for i, c := range calls {
		switch c {
		case "reset":
			resetAt = i
		case "close":
			closeAt = i
		}
	}
	require.GreaterOrEqual(t, resetAt, 0)
	require.GreaterOrEqual(t, closeAt, 0)
	assert.Less(t, resetAt, closeAt, "motor must be reset before the channel is released")

	// Commands after shutdown are refused; a second shutdown is a no-op.
	assert.ErrorIs(t, e.SwapSource(""), ErrNotRunning)
	assert.NoError(t, e.Shutdown())
}

func TestRunPublishesAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 1.0}
	rec := &fakeRecorder{}
	e := New(ctl, src, rec, Options{TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Snapshot().Target != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.InDelta(t, 1.0, e.Snapshot().Target, 1e-9)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	rec.mu.Lock()
	rows := rec.rows
	rec.mu.Unlock()
	assert.Greater(t, rows, 0)
}

func TestRunTicksOnClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	ctl := newFakeController()
	src := &stubSource{name: "stub", pos: 1.0}
	e := New(ctl, src, nil, Options{TickInterval: 20 * time.Millisecond, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let Run register its ticker before the clock moves; an Advance that
	// precedes ticker creation is never observed.
	time.Sleep(50 * time.Millisecond)

	// Nothing published until the clock moves.
	assert.Equal(t, 0.0, e.Snapshot().Target)

	clock.Advance(20 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && e.Snapshot().Target == 0 {
		time.Sleep(time.Millisecond)
	}
	snap := e.Snapshot()
	assert.InDelta(t, 1.0, snap.Target, 1e-9)
	assert.Equal(t, start.Add(20*time.Millisecond), snap.Time)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
