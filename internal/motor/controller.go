package motor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/commutator/internal/monitoring"
)

// Steps per revolution in the driver's two resolution modes.
const (
	FullSteps      = 200
	MicrostepSteps = 3200
)

// DefaultStepPeriodUS is the inter-step delay programmed at startup.
const DefaultStepPeriodUS = 312

// DefaultQueryTimeout bounds how long QueryPosition waits for the 4-byte
// reply before declaring the channel dead. The protocol itself has no
// timeout; a stalled device is indistinguishable from a lost one, so expiry
// is treated as a channel failure rather than retried.
const DefaultQueryTimeout = 2 * time.Second

var (
	// ErrChannel marks a serial channel failure. Once a Controller returns an
	// error wrapping ErrChannel it refuses all further commands: the motor's
	// true position is unknown and guessing is unsafe for a physical
	// actuator. Recovery requires constructing a new Controller.
	ErrChannel = errors.New("serial channel failure")

	// ErrInvalidStepPeriod is returned for a non-positive step period.
	ErrInvalidStepPeriod = errors.New("step period must be positive")
)

// Config carries the construction parameters for a Controller.
type Config struct {
	// Sense maps logical rotation direction onto the motor's wiring: +1 or
	// -1, fixed for the life of the controller.
	Sense int

	// Microstep selects 3200 steps/rev instead of 200 at startup.
	Microstep bool

	// StepPeriodUS is the initial inter-step delay in microseconds. Zero
	// selects DefaultStepPeriodUS.
	StepPeriodUS uint32

	// QueryTimeout bounds QueryPosition round trips. Zero selects
	// DefaultQueryTimeout.
	QueryTimeout time.Duration
}

// Controller owns one exclusive serial channel to the stepper driver and
// models the motor's absolute position in radians. All state that the wire
// protocol depends on (steps/rev, step period) is mutated only while holding
// the channel lock, so a position read can never interleave with a command.
type Controller struct {
	mu   sync.Mutex
	port Porter

	sense        int
	stepsPerRev  int
	microstep    bool
	stepPeriodUS uint32
	lastCmdRad   float64
	queryTimeout time.Duration

	err error // sticky channel failure
}

// New initializes a Controller over an open port. It mirrors the driver's
// power-on handshake: reset, force full-step mode, optionally enable
// microstepping, then program the initial step period.
func New(port Porter, cfg Config) (*Controller, error) {
	if cfg.Sense != 1 && cfg.Sense != -1 {
		return nil, fmt.Errorf("invalid sense %d: must be +1 or -1", cfg.Sense)
	}
	if cfg.StepPeriodUS == 0 {
		cfg.StepPeriodUS = DefaultStepPeriodUS
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	c := &Controller{
		port:         port,
		sense:        cfg.Sense,
		stepsPerRev:  FullSteps,
		queryTimeout: cfg.QueryTimeout,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A failed handshake returns no Controller, so the port would otherwise
	// leak; release it before reporting the error.
	if err := c.handshakeLocked(cfg); err != nil {
		c.port.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) handshakeLocked(cfg Config) error {
	if err := c.writeLocked("R"); err != nil {
		return err
	}
	if err := c.writeLocked("N"); err != nil {
		return err
	}
	if cfg.Microstep {
		if err := c.writeLocked("M"); err != nil {
			return err
		}
		c.stepsPerRev = MicrostepSteps
		c.microstep = true
	}
	if err := c.writeLocked(fmt.Sprintf("T%dX", cfg.StepPeriodUS)); err != nil {
		return err
	}
	c.stepPeriodUS = cfg.StepPeriodUS
	return nil
}

// writeLocked sends one complete command. Callers must hold c.mu. Any write
// error poisons the controller.
func (c *Controller) writeLocked(cmd string) error {
	if c.err != nil {
		return c.err
	}
	n, err := c.port.Write([]byte(cmd))
	if err == nil && n != len(cmd) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.err = fmt.Errorf("%w: write %q: %v", ErrChannel, cmd, err)
		monitoring.Logf("motor channel poisoned: %v", c.err)
		return c.err
	}
	return nil
}

// Reset zeroes the motor's physical reference and the local position model.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLocked("R"); err != nil {
		return err
	}
	c.lastCmdRad = 0
	return nil
}

// PosReset re-zeroes the motor while preserving the configured microstep mode
// and step period. The driver's reset drops back to full-step mode, so the
// mode and period are re-sent afterwards. Used when the tracked source is
// swapped.
func (c *Controller) PosReset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked("R"); err != nil {
		return err
	}
	if c.microstep {
		if err := c.writeLocked("M"); err != nil {
			return err
		}
		c.stepsPerRev = MicrostepSteps
	}
	if err := c.writeLocked(fmt.Sprintf("T%dX", c.stepPeriodUS)); err != nil {
		return err
	}
	c.lastCmdRad = 0
	return nil
}

// Stop halts motion. Local state is untouched.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked("S")
}

// Resume continues motion after Stop.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked("G")
}

// SetMicrostep switches the driver's resolution mode. The step scale changes
// discontinuously, so callers are responsible for re-zeroing position
// afterwards (see PosReset).
func (c *Controller) SetMicrostep(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, steps := "N", FullSteps
	if enabled {
		cmd, steps = "M", MicrostepSteps
	}
	if err := c.writeLocked(cmd); err != nil {
		return err
	}
	c.microstep = enabled
	c.stepsPerRev = steps
	return nil
}

// SetStepPeriod programs the inter-step delay in microseconds. Smaller is
// faster.
func (c *Controller) SetStepPeriod(us uint32) error {
	if us == 0 {
		return ErrInvalidStepPeriod
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeLocked(fmt.Sprintf("T%dX", us)); err != nil {
		return err
	}
	c.stepPeriodUS = us
	return nil
}

// SetPosition commands an absolute move to the given angle in radians.
func (c *Controller) SetPosition(rad float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps := int64(math.Round(float64(c.sense) * float64(c.stepsPerRev) * rad / (2 * math.Pi)))
	if err := c.writeLocked(fmt.Sprintf("P%dX", steps)); err != nil {
		return err
	}
	c.lastCmdRad = rad
	return nil
}

// QueryPosition asks the driver for its current step count and converts it
// back to radians. The whole round trip runs under the channel lock so no
// other command can interleave with the reply. A reply that does not arrive
// within the configured timeout poisons the controller.
func (c *Controller) QueryPosition() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLocked("Q"); err != nil {
		return 0, err
	}

	buf, err := c.readReplyLocked(4)
	if err != nil {
		c.err = fmt.Errorf("%w: query reply: %v", ErrChannel, err)
		monitoring.Logf("motor channel poisoned: %v", c.err)
		return 0, c.err
	}

	steps := int32(binary.LittleEndian.Uint32(buf))
	return float64(c.sense) * 2 * math.Pi * float64(steps) / float64(c.stepsPerRev), nil
}

// readReplyLocked reads exactly n bytes from the port, bounded by the query
// timeout. The read itself runs in a goroutine because Porter reads block
// indefinitely; on timeout that goroutine is abandoned along with the
// controller, which is already poisoned by the caller.
func (c *Controller) readReplyLocked(n int) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(c.port, buf)
		ch <- result{buf, err}
	}()

	select {
	case r := <-ch:
		return r.buf, r.err
	case <-time.After(c.queryTimeout):
		return nil, fmt.Errorf("timed out after %v", c.queryTimeout)
	}
}

// StepsPerRevolution returns the current resolution mode's step count.
func (c *Controller) StepsPerRevolution() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsPerRev
}

// StepPeriod returns the last programmed inter-step delay in microseconds.
func (c *Controller) StepPeriod() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepPeriodUS
}

// LastCommanded returns the last radian value sent as an absolute target.
// Not necessarily the motor's true position until motion completes.
func (c *Controller) LastCommanded() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmdRad
}

// Err returns the sticky channel failure, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases the serial port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
