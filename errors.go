package netblock

import "errors"

var (
	// ErrNotCompatible is returned by a probe that does not understand the
	// path it was given. Dispatch moves on to the next backend.
	ErrNotCompatible = errors.New("path not compatible with backend")

	// ErrTransport covers short sends, short receives and failed connects.
	ErrTransport = errors.New("transport error")

	// ErrProtocol means the peer answered with something the protocol does
	// not allow: mismatched echo fields, unexpected status codes, a payload of
	// the wrong size.
	ErrProtocol = errors.New("protocol error")

	// ErrServer means the remote agent explicitly reported a failure.
	ErrServer = errors.New("server reported an error")

	ErrOutOfMemory  = errors.New("out of memory")
	ErrNotSupported = errors.New("operation not supported by backend")
	ErrClosed       = errors.New("device is closed")
	ErrShortBuffer  = errors.New("buffer too small for sector count")
)

// ErrorState records the last failure of a Device. Backends embed it to get
// LastError and DisposeError.
type ErrorState struct {
	last error
}

// Record stores err as the last failure and returns it unchanged, so that
// callers can write `return h.Record(err)`. A nil err leaves the state alone.
func (s *ErrorState) Record(err error) error {
	if err != nil {
		s.last = err
	}
	return err
}

// Err returns the recorded error itself.
func (s *ErrorState) Err() error {
	return s.last
}

func (s *ErrorState) LastError() string {
	if s.last == nil {
		return ""
	}
	return s.last.Error()
}

// DisposeError releases msg. When msg is the current message the recorded
// error is cleared.
func (s *ErrorState) DisposeError(msg string) {
	if s.last != nil && s.last.Error() == msg {
		s.last = nil
	}
}
