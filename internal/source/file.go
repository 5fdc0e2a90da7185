package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/commutator/internal/angles"
	"github.com/banshee-data/commutator/internal/monitoring"
)

// ErrMalformedRow marks a row that could not be parsed into an orientation
// sample. It is fatal for the source instance: skipping a corrupt row would
// desynchronize the accumulated position by an unknown amount.
var ErrMalformedRow = errors.New("malformed orientation row")

// tailPollInterval is how long the ingestion loop sleeps when it has caught
// up with the end of the file before checking for newly appended bytes.
const tailPollInterval = 5 * time.Millisecond

// FileSource tails an append-only orientation CSV. Each row is a timestamp
// followed by four quaternion components in scalar-last order (x, y, z, w).
// Reading always starts at the first complete row appended after the source
// is opened; historical rows are never replayed.
type FileSource struct {
	name string
	file *os.File

	pos  atomicFloat64
	fail errHolder

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileSource opens path, seeks to its current end and starts the
// ingestion loop. The returned source reports position 0 until a second
// complete row arrives (the first row only seeds the previous-yaw state).
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open orientation file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek orientation file: %w", err)
	}

	s := &FileSource{
		name: filepath.Base(path),
		file: f,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *FileSource) Position() float64 { return s.pos.Load() }
func (s *FileSource) Name() string      { return s.name }
func (s *FileSource) Err() error        { return s.fail.get() }

// Close stops the ingestion loop and closes the file. Idempotent; repeat
// calls report the file's close error.
func (s *FileSource) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return s.file.Close()
}

var errSourceClosed = errors.New("source closed")

// run is the ingestion loop: discard the partial row at the seek point, seed
// the previous yaw from the first complete row, then accumulate unwrapped
// deltas row by row until closed or a row fails to parse.
func (s *FileSource) run() {
	defer close(s.done)

	// Drop whatever partial row the open landed in. If the file happens to
	// end exactly on a newline this consumes the next full row, which only
	// delays seeding by one sample.
	if _, err := s.readLine(); err != nil {
		s.finish(err)
		return
	}

	line, err := s.readLine()
	if err != nil {
		s.finish(err)
		return
	}
	prev, err := parseYaw(line)
	if err != nil {
		s.finish(err)
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			s.finish(err)
			return
		}
		yaw, err := parseYaw(line)
		if err != nil {
			s.finish(err)
			return
		}
		s.pos.Add(angles.UnwrapStep(prev, yaw))
		prev = yaw
	}
}

func (s *FileSource) finish(err error) {
	if errors.Is(err, errSourceClosed) {
		return
	}
	s.fail.set(err)
	monitoring.Logf("orientation source %q stopped: %v", s.name, err)
}

// readLine reads bytes until the next newline, suspending at end-of-file
// until the producer appends more. It returns errSourceClosed when Close is
// requested while waiting.
func (s *FileSource) readLine() (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := s.file.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(buf[0])
			continue
		}
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read orientation file: %w", err)
		}
		// Caught up with the producer; wait for more bytes.
		select {
		case <-s.stop:
			return "", errSourceClosed
		case <-time.After(tailPollInterval):
		}
	}
}

// parseYaw converts one CSV row into a yaw sample. The first field (a
// producer timestamp) is ignored; the remaining four are the quaternion as
// x, y, z, w.
func parseYaw(line string) (float64, error) {
	fields := strings.Split(strings.TrimRight(line, "\r"), ",")
	if len(fields) != 5 {
		return 0, fmt.Errorf("%w: expected 5 fields, got %d", ErrMalformedRow, len(fields))
	}
	var c [4]float64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+1]), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %d: %v", ErrMalformedRow, i+1, err)
		}
		c[i] = v
	}
	q := quat.Number{Imag: c[0], Jmag: c[1], Kmag: c[2], Real: c[3]}
	return angles.Yaw(q), nil
}
