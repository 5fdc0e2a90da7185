// Package motor drives the rotary commutator's stepper through its serial
// protocol. The Controller owns the channel exclusively: every command or
// query round trip holds one lock so concurrent callers can never interleave
// bytes on the wire.
package motor

import (
	"io"
)

// Porter is the minimal interface a serial channel must provide.
type Porter interface {
	io.ReadWriter
	io.Closer
}
