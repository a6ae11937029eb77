package conn

import "fmt"

// SystemError wraps an errno-bearing failure from a control-socket syscall.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string { return fmt.Sprintf("system error during %s: %v", e.Op, e.Err) }
func (e *SystemError) Unwrap() error { return e.Err }

// ShortReadError reports that the bootstrap exchange record was not read
// in a single, complete I/O call.
type ShortReadError struct {
	Want, Got int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("short read on bootstrap exchange: want %d bytes, got %d", e.Want, e.Got)
}

// ShortWriteError reports that the bootstrap exchange record was not
// written in a single, complete I/O call.
type ShortWriteError struct {
	Want, Got int
}

func (e *ShortWriteError) Error() string {
	return fmt.Sprintf("short write on bootstrap exchange: want %d bytes, got %d", e.Want, e.Got)
}

// EOFError reports that the control socket reached EOF while reading the
// peer's bootstrap exchange record. The socket is not watched after the
// handshake, so a later hangup does not produce an EOFError.
type EOFError struct {
	Stage string
}

func (e *EOFError) Error() string { return fmt.Sprintf("control socket EOF during %s", e.Stage) }

// IbvError wraps a non-success verbs work completion.
type IbvError struct {
	Detail string
}

func (e *IbvError) Error() string { return fmt.Sprintf("verbs completion error: %s", e.Detail) }

// ConnectionClosedError is the sticky error installed by a local close().
type ConnectionClosedError struct{}

func (e *ConnectionClosedError) Error() string { return "connection closed" }

// errConnectionClosed is the shared instance Close installs. Repeated
// Close calls are no-ops because setError keeps only the first sticky
// error, whatever it is.
var errConnectionClosed = &ConnectionClosedError{}
