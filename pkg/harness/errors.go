package harness

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TeoSlayer/streamperf/pkg/rollhash"
)

// ErrIntegrity is wrapped by every IntegrityError.
var ErrIntegrity = errors.New("integrity mismatch")

// SetupError is a bind, stream creation, connect or read-start failure.
// The scenario aborts without sending anything.
type SetupError struct {
	Stage string // "bind", "stream", "connect", "read"
	Peer  string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s (peer %s): %v", e.Stage, e.Peer, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// WriteError is a write the transport refused at submission time.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write rejected: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// IntegrityError reports that the bytes read differ from the bytes written.
type IntegrityError struct {
	WantBytes, GotBytes   uint64
	WantHash, GotHash     rollhash.Hash
	WantStrong, GotStrong uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: read %d/%d bytes, hash %s want %s, xxhash %016x want %016x",
		ErrIntegrity, e.GotBytes, e.WantBytes, e.GotHash, e.WantHash, e.GotStrong, e.WantStrong)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// AssertionError is a runtime anomaly observed inside a callback: an
// unexpected status, a length mismatch, a notification out of order.
type AssertionError struct {
	Component string
	Msg       string
}

func (e *AssertionError) Error() string { return e.Component + ": " + e.Msg }

// failures collects assertion errors from callbacks on any queue.
type failures struct {
	mu   sync.Mutex
	list []*AssertionError
}

func (f *failures) add(component, format string, args ...any) {
	f.mu.Lock()
	f.list = append(f.list, &AssertionError{Component: component, Msg: fmt.Sprintf(format, args...)})
	f.mu.Unlock()
}

func (f *failures) all() []*AssertionError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*AssertionError(nil), f.list...)
}
