package transport

import (
	"log/slog"
	"time"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
)

// Default tuning values.
const (
	DefaultMSS               = 8192                   // payload bytes per data segment
	DefaultRecvQueueLen      = 128                    // stream notification queue, advertised window in segments
	DefaultWriteQueueLen     = 64                     // write requests waiting for the writer loop
	DefaultMaxCongWin        = 1 << 20                // 1 MiB max congestion window
	DefaultRetxInterval      = 50 * time.Millisecond  // retransmission check ticker
	DefaultMaxRetxAttempts   = 8                      // abandon the stream after this many RTO expiries of one segment
	DefaultDelayedACKTimeout = 40 * time.Millisecond  // max time to hold a pure ACK
	DelayedACKThreshold      = 2                      // segments received before an ACK is sent immediately
	InitialCongSegments      = 10                     // IW10 (RFC 6928)
	MaxOOOBuf                = 256                    // out-of-order segments buffered per stream
	EndpointRecvChSize       = 1024                   // decoded datagrams waiting for the route loop
	ZeroWinProbeInitial      = 100 * time.Millisecond // first probe while the send window is closed
	ZeroWinProbeMax          = 5 * time.Second
)

// RTO parameters (RFC 6298)
const (
	ClockGranularity = 10 * time.Millisecond
	RTOMin           = 200 * time.Millisecond
	RTOMax           = 10 * time.Second
	InitialRTO       = 1 * time.Second
)

// Config tunes a Transport. The zero value uses the defaults above.
type Config struct {
	MSS               int           // max payload bytes per segment
	RecvQueueLen      int           // per-stream notification queue capacity
	WriteQueueLen     int           // per-stream pending write requests
	MaxCongWin        int           // congestion window ceiling in bytes
	SocketBuffer      int           // SO_RCVBUF/SO_SNDBUF in bytes; 0 keeps the OS default
	RetxInterval      time.Duration // retransmission ticker
	MaxRetxAttempts   int
	DelayedACKTimeout time.Duration
	Logger            *slog.Logger // nil uses slog.Default()
}

func (c *Config) mss() int {
	switch {
	case c.MSS <= 0:
		return DefaultMSS
	case c.MSS > protocol.MaxPayloadSize:
		return protocol.MaxPayloadSize
	}
	return c.MSS
}

func (c *Config) recvQueueLen() int {
	if c.RecvQueueLen > 0 {
		return c.RecvQueueLen
	}
	return DefaultRecvQueueLen
}

func (c *Config) writeQueueLen() int {
	if c.WriteQueueLen > 0 {
		return c.WriteQueueLen
	}
	return DefaultWriteQueueLen
}

func (c *Config) maxCongWin() int {
	if c.MaxCongWin > 0 {
		return max(c.MaxCongWin, c.mss())
	}
	return DefaultMaxCongWin
}

func (c *Config) retxInterval() time.Duration {
	if c.RetxInterval > 0 {
		return c.RetxInterval
	}
	return DefaultRetxInterval
}

func (c *Config) maxRetxAttempts() int {
	if c.MaxRetxAttempts > 0 {
		return c.MaxRetxAttempts
	}
	return DefaultMaxRetxAttempts
}

func (c *Config) delayedACKTimeout() time.Duration {
	if c.DelayedACKTimeout > 0 {
		return c.DelayedACKTimeout
	}
	return DefaultDelayedACKTimeout
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
