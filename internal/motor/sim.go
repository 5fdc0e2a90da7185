package motor

import (
	"encoding/binary"
	"errors"
	"strconv"
	"sync"
	"time"
)

// SimPort is an in-memory stand-in for the stepper driver, used by dev mode
// so the daemon can run a closed loop without hardware. It interprets the
// wire protocol and reports the commanded position back on Q, moving
// instantly (no step timing is simulated).
type SimPort struct {
	mu      sync.Mutex
	steps   int32
	stopped bool
	pending []byte // unterminated P/T argument bytes
	reply   []byte // unread remainder of a Q reply
	closed  bool
}

// NewSimPort creates a simulated driver at position zero.
func NewSimPort() *SimPort {
	return &SimPort{}
}

func (s *SimPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("sim port closed")
	}

	for _, b := range p {
		if len(s.pending) > 0 {
			if b == 'X' {
				s.apply(s.pending[0], string(s.pending[1:]))
				s.pending = nil
				continue
			}
			s.pending = append(s.pending, b)
			continue
		}

		switch b {
		case 'R':
			s.steps = 0
		case 'S':
			s.stopped = true
		case 'G':
			s.stopped = false
		case 'M', 'N':
			// Resolution switch; nothing to model since moves are instant.
		case 'P', 'T':
			s.pending = []byte{b}
		case 'Q':
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(s.steps))
			s.reply = append(s.reply, buf...)
		}
	}
	return len(p), nil
}

func (s *SimPort) apply(op byte, arg string) {
	v, err := strconv.ParseInt(arg, 10, 32)
	if err != nil {
		return
	}
	if op == 'P' && !s.stopped {
		s.steps = int32(v)
	}
	// T (step period) has no observable effect on an instant-move motor.
}

func (s *SimPort) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, errors.New("sim port closed")
		}
		if len(s.reply) > 0 {
			n := copy(p, s.reply)
			s.reply = s.reply[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		// No reply outstanding; behave like a quiet serial line.
		time.Sleep(time.Millisecond)
	}
}

func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
