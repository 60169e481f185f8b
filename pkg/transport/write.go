package transport

import (
	"math"
	"sync/atomic"
)

// MaxWriteSize is the largest single write in bytes. A write has to fit in
// half the 32-bit sequence space so its end still compares after its start.
const MaxWriteSize = math.MaxInt32

// AckFunc is the completion callback of a write. status is nil on success,
// protocol.ErrCanceled if the stream was destroyed first, or the reason the
// stream was abandoned (protocol.ErrConnReset, protocol.ErrRetransmitMax).
type AckFunc func(req *WriteRequest, status error, unordered bool)

// WriteStatus is the lifecycle of a WriteRequest.
type WriteStatus uint8

const (
	WritePending WriteStatus = iota
	WriteAcked
	WriteCanceled
	WriteFailed
)

func (s WriteStatus) String() string {
	switch s {
	case WritePending:
		return "PENDING"
	case WriteAcked:
		return "ACKED"
	case WriteCanceled:
		return "CANCELED"
	case WriteFailed:
		return "FAILED"
	default:
		return "unknown"
	}
}

// WriteRequest is one logical write. It belongs to exactly one stream.
type WriteRequest struct {
	stream  *Stream
	bufs    [][]byte
	size    int
	start   uint32 // stream offset of the first byte
	end     uint32 // stream offset one past the last byte
	onAcked AckFunc

	status    atomic.Uint32
	unordered atomic.Bool
}

// Stream returns the stream the write was submitted on.
func (r *WriteRequest) Stream() *Stream { return r.stream }

// Len returns the total number of bytes in the write.
func (r *WriteRequest) Len() int { return r.size }

// Status is Pending until the write is acknowledged, canceled or failed.
func (r *WriteRequest) Status() WriteStatus { return WriteStatus(r.status.Load()) }

// Unordered reports whether the tail of the write was selectively
// acknowledged before the cumulative acknowledgement covered it.
func (r *WriteRequest) Unordered() bool { return r.unordered.Load() }

// finish records the terminal status. Callers serialize through Stream.mu.
func (r *WriteRequest) finish(st WriteStatus) {
	r.status.Store(uint32(st))
}
