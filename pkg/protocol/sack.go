package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SACK data rides in the payload of an ACK without data:
//
//	"SACK" | count u8 | count × (left u32, right u32)
//
// Each block is a half-open range [Left, Right) of bytes received above the
// cumulative ACK.
const (
	sackTag       = "SACK"
	sackPrefixLen = len(sackTag) + 1
	sackBlockLen  = 8
)

var (
	ErrNoSACK  = errors.New("payload carries no SACK data")
	ErrBadSACK = errors.New("malformed SACK data")
)

// SACKBlock is a range of bytes received out of order.
type SACKBlock struct {
	Left  uint32 // first byte
	Right uint32 // one past the last byte
}

// Len is the number of bytes the block covers.
func (b SACKBlock) Len() uint32 { return b.Right - b.Left }

// Contains reports whether the half-open range [left, right) lies inside b.
func (b SACKBlock) Contains(left, right uint32) bool {
	return SeqAfterOrEqual(left, b.Left) && SeqAfterOrEqual(b.Right, right)
}

// AppendSACK appends the encoding of at most MaxSACKBlocks blocks to dst.
// With no blocks dst is returned unchanged.
func AppendSACK(dst []byte, blocks []SACKBlock) []byte {
	blocks = blocks[:min(len(blocks), MaxSACKBlocks)]
	if len(blocks) == 0 {
		return dst
	}
	dst = append(dst, sackTag...)
	dst = append(dst, byte(len(blocks)))
	for _, b := range blocks {
		dst = binary.BigEndian.AppendUint32(dst, b.Left)
		dst = binary.BigEndian.AppendUint32(dst, b.Right)
	}
	return dst
}

// ParseSACK decodes the blocks carried by an ACK payload. A payload without
// the tag yields ErrNoSACK; a tagged payload with a bad count or a short body
// yields ErrBadSACK.
func ParseSACK(payload []byte) ([]SACKBlock, error) {
	if len(payload) < sackPrefixLen || string(payload[:len(sackTag)]) != sackTag {
		return nil, ErrNoSACK
	}
	n := int(payload[len(sackTag)])
	body := payload[sackPrefixLen:]
	if n == 0 || n > MaxSACKBlocks || len(body) < n*sackBlockLen {
		return nil, fmt.Errorf("%w: %d blocks in %d bytes", ErrBadSACK, n, len(body))
	}
	blocks := make([]SACKBlock, n)
	for i := range blocks {
		blocks[i] = SACKBlock{
			Left:  binary.BigEndian.Uint32(body),
			Right: binary.BigEndian.Uint32(body[4:]),
		}
		body = body[sackBlockLen:]
	}
	return blocks, nil
}

// Sequence numbers wrap (RFC 1982): a follows b when the distance a-b, read
// as a signed 32-bit value, is positive.
func SeqAfter(a, b uint32) bool        { return int32(a-b) > 0 }
func SeqAfterOrEqual(a, b uint32) bool { return int32(a-b) >= 0 }
