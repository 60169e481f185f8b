package protocol

import "errors"

// Protocol version
const Version uint8 = 1

// Sentinel errors shared across packages.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBadMagic         = errors.New("bad frame magic")

	// Endpoint lifecycle
	ErrAlreadyBound     = errors.New("endpoint already bound")
	ErrEndpointNotBound = errors.New("endpoint not bound")
	ErrEndpointClosed   = errors.New("endpoint closed")
	ErrEndpointBusy     = errors.New("endpoint still has open streams")
	ErrUnknownEndpoint  = errors.New("unknown endpoint handle")

	// Stream lifecycle
	ErrStreamIDInUse    = errors.New("stream id already in use on endpoint")
	ErrAlreadyConnected = errors.New("stream already connected")
	ErrNotConnected     = errors.New("stream not connected")
	ErrStreamDestroyed  = errors.New("stream already destroyed")
	ErrReadStarted      = errors.New("stream read already started")

	// Write completion statuses
	ErrCanceled       = errors.New("write canceled")
	ErrConnReset      = errors.New("connection reset by peer")
	ErrRetransmitMax  = errors.New("max retransmits exceeded")
	ErrWriteQueueFull = errors.New("write queue full")
)

// Flags (one byte, second byte of the header)
const (
	FlagData  uint8 = 0x01 // payload carries stream bytes
	FlagACK   uint8 = 0x02 // Ack field is valid
	FlagFIN   uint8 = 0x04 // sender destroyed its stream
	FlagRST   uint8 = 0x08 // abort, no further delivery
	FlagProbe uint8 = 0x10 // zero-window probe, answer with an immediate ACK
)

// FrameMagic prefixes every datagram: "STRM" (0x5354524D).
var FrameMagic = [4]byte{0x53, 0x54, 0x52, 0x4D}

// Segment and window limits.
const (
	MaxDatagramSize = 65507 // largest UDP/IPv4 payload
	MaxPayloadSize  = MaxDatagramSize - len(FrameMagic) - packetHeaderSize
	MaxSACKBlocks   = 4
)
