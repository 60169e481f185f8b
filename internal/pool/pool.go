package pool

import (
	"sync"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
)

// Datagram buffer classes.
const (
	SmallBufSize   = 128                      // control frames: pure ACK + SACK, FIN, RST, probe
	SegmentBufSize = 8192 + 64                // data frames at the default segment size
	LargeBufSize   = protocol.MaxDatagramSize // anything a UDP socket can deliver
)

var (
	smallPool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, SmallBufSize)
			return &b
		},
	}
	segmentPool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, SegmentBufSize)
			return &b
		},
	}
	largePool = sync.Pool{
		New: func() interface{} {
			b := make([]byte, LargeBufSize)
			return &b
		},
	}
)

// Get returns a buffer from the smallest class that holds n bytes.
// The slice length is the class size, not n.
func Get(n int) *[]byte {
	switch {
	case n <= SmallBufSize:
		return smallPool.Get().(*[]byte)
	case n <= SegmentBufSize:
		return segmentPool.Get().(*[]byte)
	case n <= LargeBufSize:
		return largePool.Get().(*[]byte)
	}
	b := make([]byte, n)
	return &b
}

// Put returns a buffer obtained from Get to its class. Buffers that do not
// match a class exactly are dropped.
func Put(b *[]byte) {
	if b == nil {
		return
	}
	switch cap(*b) {
	case SmallBufSize:
		*b = (*b)[:SmallBufSize]
		smallPool.Put(b)
	case SegmentBufSize:
		*b = (*b)[:SegmentBufSize]
		segmentPool.Put(b)
	case LargeBufSize:
		*b = (*b)[:LargeBufSize]
		largePool.Put(b)
	}
}

// GetLarge returns a buffer big enough for any datagram.
func GetLarge() *[]byte {
	return largePool.Get().(*[]byte)
}

// PutLarge returns a large buffer to the pool.
func PutLarge(b *[]byte) {
	if b == nil || cap(*b) < LargeBufSize {
		return
	}
	*b = (*b)[:LargeBufSize]
	largePool.Put(b)
}
