package motor

import (
	"errors"
	"sync"
	"time"
)

// MockPort implements Porter for tests. Every Write call is recorded as one
// atomic unit, and an ordered event log of writes and completed reads lets
// tests assert that a command from one goroutine never lands inside another
// goroutine's command-and-reply round trip. Reads are served from a FIFO of
// canned replies.
type MockPort struct {
	mu sync.Mutex

	// writes holds each Write call's payload, in order.
	writes [][]byte

	// events records "write:<payload>" and "read:<payload>" entries in the
	// order they completed on the channel.
	events []string

	// replies are byte slices returned by successive Read calls.
	replies [][]byte

	// WriteErr is returned by the next Write if set.
	WriteErr error

	// ReadErr is returned by the next Read if set.
	ReadErr error

	// ReadDelay is applied inside each Read before it completes, widening
	// the race window for interleaving tests.
	ReadDelay time.Duration

	// Hang makes Read block forever, simulating a stalled device.
	Hang bool

	closed bool
}

// NewMockPort creates an empty mock port.
func NewMockPort() *MockPort {
	return &MockPort{}
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.New("port closed")
	}
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	m.events = append(m.events, "write:"+string(cp))
	return len(p), nil
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.Hang {
		m.mu.Unlock()
		select {} // stalled device: never replies
	}
	if m.ReadErr != nil {
		defer m.mu.Unlock()
		return 0, m.ReadErr
	}
	if m.closed {
		defer m.mu.Unlock()
		return 0, errors.New("port closed")
	}
	delay := m.ReadDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return 0, errors.New("mock port: no reply queued")
	}
	n := copy(p, m.replies[0])
	m.events = append(m.events, "read:"+string(m.replies[0][:n]))
	if n == len(m.replies[0]) {
		m.replies = m.replies[1:]
	} else {
		m.replies[0] = m.replies[0][n:]
	}
	return n, nil
}

// Events returns the ordered channel event log.
func (m *MockPort) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// QueueReply appends a canned reply served by subsequent Reads.
func (m *MockPort) QueueReply(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, b)
}

// Writes returns a copy of all recorded write payloads.
func (m *MockPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WrittenString concatenates all writes, useful for whole-stream assertions.
func (m *MockPort) WrittenString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s string
	for _, w := range m.writes {
		s += string(w)
	}
	return s
}

// ResetWrites clears the recorded writes, keeping queued replies.
func (m *MockPort) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
	m.events = nil
}
