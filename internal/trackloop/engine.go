// Package trackloop runs the closed-loop synchronization between an
// orientation source and the motor controller: a fixed-cadence loop that
// compares source-derived target rotation against the motor's reported
// position and commands a move only when the deviation clears a hysteresis
// threshold.
package trackloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/commutator/internal/monitoring"
	"github.com/banshee-data/commutator/internal/source"
	"github.com/banshee-data/commutator/internal/timeutil"
)

// Defaults for the two tuning constants. Both trade command chatter against
// tracking latency and stay configurable rather than derived.
const (
	DefaultTickInterval = 20 * time.Millisecond
	DefaultThresholdRad = math.Pi / 16
)

// ErrNotRunning is returned by commands after Shutdown.
var ErrNotRunning = errors.New("trackloop: engine is shut down")

// Controller is the slice of the motor controller the loop depends on.
// *motor.Controller satisfies it; tests substitute fakes.
type Controller interface {
	Reset() error
	PosReset() error
	Stop() error
	Resume() error
	SetStepPeriod(us uint32) error
	SetPosition(rad float64) error
	QueryPosition() (float64, error)
	StepsPerRevolution() int
	StepPeriod() uint32
	Close() error
}

// Recorder persists published snapshots. The db package satisfies it; a nil
// Recorder disables persistence.
type Recorder interface {
	StartSession(id, sourceName string) error
	RecordSnapshot(sessionID string, target, actual float64, failure string) error
}

// Snapshot is the read-only view published to collaborators each tick.
type Snapshot struct {
	Target    float64   `json:"target_rad"`
	Actual    float64   `json:"actual_rad"`
	Source    string    `json:"source_name"`
	SessionID string    `json:"session_id"`
	Failure   string    `json:"failure,omitempty"`
	Time      time.Time `json:"time"`
}

// Options tunes the engine.
type Options struct {
	TickInterval time.Duration  // zero selects DefaultTickInterval
	ThresholdRad float64        // zero selects DefaultThresholdRad
	Clock        timeutil.Clock // nil selects the real clock
}

// Engine ties an orientation source to a motor controller.
//
// Fields behind mu change only through collaborator commands and take effect
// on the next tick. The published snapshot is an atomic pointer so the
// consuming display loop reads it without contending with the control loop.
type Engine struct {
	ctl   Controller
	store Recorder
	tick  time.Duration
	thold float64
	clock timeutil.Clock

	mu            sync.Mutex
	src           source.Source
	manualOffset  float64
	baseline      float64
	maxPeriodUS   uint32
	sessionID     string
	channelFailed bool
	channelMsg    string
	shutdown      bool

	snap atomic.Pointer[Snapshot]
}

// New creates an engine tracking src. The initial speed cap is whatever step
// period the controller was constructed with.
func New(ctl Controller, src source.Source, store Recorder, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ThresholdRad <= 0 {
		opts.ThresholdRad = DefaultThresholdRad
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	e := &Engine{
		ctl:         ctl,
		store:       store,
		tick:        opts.TickInterval,
		thold:       opts.ThresholdRad,
		clock:       opts.Clock,
		src:         src,
		maxPeriodUS: ctl.StepPeriod(),
		sessionID:   uuid.NewString(),
	}
	e.snap.Store(&Snapshot{Source: src.Name(), SessionID: e.sessionID, Time: e.clock.Now()})
	e.startSession(e.sessionID, src.Name())
	return e
}

func (e *Engine) startSession(id, sourceName string) {
	if e.store == nil {
		return
	}
	if err := e.store.StartSession(id, sourceName); err != nil {
		monitoring.Logf("failed to record session %s: %v", id, err)
	}
}

// Run drives the loop until ctx is cancelled. It never terminates on its
// own; a channel or source failure freezes motion commands but the loop
// keeps publishing snapshots so collaborators can observe the failure.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			e.step()
		}
	}
}

// step executes one control cycle.
func (e *Engine) step() {
	e.mu.Lock()
	src := e.src
	target := e.manualOffset + e.baseline + src.Position()
	maxPeriod := e.maxPeriodUS
	sessionID := e.sessionID
	frozen := e.channelFailed || e.shutdown
	failure := e.channelMsg
	e.mu.Unlock()

	if err := src.Err(); err != nil {
		// Corrupt stream: hold the last known target, do not extrapolate.
		// The source position is frozen, so target stays put; we stop
		// commanding motion and surface the failure.
		failure = fmt.Sprintf("source: %v", err)
		frozen = true
	}

	actual, err := e.ctl.QueryPosition()
	if err != nil {
		failure = fmt.Sprintf("channel: %v", err)
		e.mu.Lock()
		e.channelFailed = true
		e.channelMsg = failure
		e.mu.Unlock()
		prev := e.snap.Load()
		e.publish(Snapshot{
			Target:    target,
			Actual:    prev.Actual,
			Source:    src.Name(),
			SessionID: sessionID,
			Failure:   failure,
			Time:      e.clock.Now(),
		})
		return
	}

	if !frozen {
		if math.Abs(actual-target) > e.thold {
			if err := e.ctl.SetPosition(target); err != nil {
				monitoring.Logf("set position failed: %v", err)
			}
		}
		if e.ctl.StepPeriod() != maxPeriod {
			if err := e.ctl.SetStepPeriod(maxPeriod); err != nil {
				monitoring.Logf("set step period failed: %v", err)
			}
		}
	}

	e.publish(Snapshot{
		Target:    target,
		Actual:    actual,
		Source:    src.Name(),
		SessionID: sessionID,
		Failure:   failure,
		Time:      e.clock.Now(),
	})
}

func (e *Engine) publish(s Snapshot) {
	e.snap.Store(&s)
	if e.store != nil {
		if err := e.store.RecordSnapshot(s.SessionID, s.Target, s.Actual, s.Failure); err != nil {
			monitoring.Logf("failed to record snapshot: %v", err)
		}
	}
}

// Snapshot returns the most recently published loop state.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// SetManualOffset replaces the manual offset, effective next tick.
func (e *Engine) SetManualOffset(rad float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualOffset = rad
}

// ManualOffset returns the current manual offset.
func (e *Engine) ManualOffset() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manualOffset
}

// Recenter folds the current manual offset into the baseline and zeroes the
// offset, so a collaborator's offset control can re-center without moving
// the target.
func (e *Engine) Recenter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline += e.manualOffset
	e.manualOffset = 0
}

// SwapSource replaces the tracked orientation source. An empty path selects
// the synthetic source. In order: the motor is re-zeroed (preserving mode
// and speed settings), the offset baseline is reset, then the new source
// starts reading from its current end-of-file. The old source's accumulated
// value is discarded with it.
func (e *Engine) SwapSource(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrNotRunning
	}

	if err := e.ctl.PosReset(); err != nil {
		return fmt.Errorf("reset motor for source swap: %w", err)
	}
	e.baseline = 0

	var next source.Source
	if path == "" {
		next = source.NewSyntheticSource()
	} else {
		fs, err := source.NewFileSource(path)
		if err != nil {
			return err
		}
		next = fs
	}

	old := e.src
	e.src = next
	e.sessionID = uuid.NewString()
	e.startSession(e.sessionID, next.Name())

	if err := old.Close(); err != nil {
		monitoring.Logf("failed to close source %q: %v", old.Name(), err)
	}
	monitoring.Logf("source swapped to %q (session %s)", next.Name(), e.sessionID)
	return nil
}

// SetMaxSpeed converts a revolutions-per-second cap into the step period the
// loop reconciles the controller against. The period saturates at the layer's
// uint32 ceiling: letting the conversion wrap would program a period near
// zero and drive the motor faster than the requested cap.
func (e *Engine) SetMaxSpeed(rps float64) error {
	if rps <= 0 {
		return fmt.Errorf("max speed must be positive, got %v", rps)
	}
	period := math.Round(1e6 / (float64(e.ctl.StepsPerRevolution()) * rps))
	if period < 1 {
		period = 1
	}
	if period > math.MaxUint32 {
		period = math.MaxUint32
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxPeriodUS = uint32(period)
	return nil
}

// MaxStepPeriod returns the step period cap in microseconds.
func (e *Engine) MaxStepPeriod() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxPeriodUS
}

// Stop halts the motor. The loop keeps running but a stopped driver ignores
// position commands until Resume.
func (e *Engine) Stop() error { return e.ctl.Stop() }

// Resume continues motion after Stop.
func (e *Engine) Resume() error { return e.ctl.Resume() }

// Shutdown resets the motor to its zero reference, releases the serial
// channel and stops the orientation source. The engine accepts no commands
// afterwards.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	src := e.src
	e.mu.Unlock()

	var firstErr error
	if err := e.ctl.Reset(); err != nil {
		firstErr = err
	}
	if err := e.ctl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := src.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
