package transport

import "fmt"

// BindError reports a failed Endpoint.Bind: a malformed address, an address
// already in use, or an endpoint that cannot be bound in its current state.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports a failed Stream.Connect.
type ConnectError struct {
	StreamID uint32
	Addr     string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect stream %d to %s: %v", e.StreamID, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError reports a write rejected at submission time.
type WriteError struct {
	StreamID uint32
	State    State
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write on stream %d (%s): %v", e.StreamID, e.State, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
