package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes CRC32-C over the given data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// Wire layout (28 bytes, after the 4-byte frame magic):
//
//	Byte  0:     Version
//	Byte  1:     Flags
//	Byte  2-3:   Payload Length
//	Byte  4-7:   Destination Stream ID
//	Byte  8-11:  Source Stream ID
//	Byte  12-15: Sequence Number (byte offset of the first payload byte)
//	Byte  16-19: Acknowledgment Number (next byte expected, valid with FlagACK)
//	Byte  20-21: Window (receive window in segments)
//	Byte  22-23: Reserved
//	Byte  24-27: Checksum (CRC32-C)
const packetHeaderSize = 28

// Packet is one decoded stream datagram: header fields plus payload.
type Packet struct {
	Version uint8
	Flags   uint8

	DstStream uint32
	SrcStream uint32

	Seq    uint32
	Ack    uint32
	Window uint16

	Payload []byte
}

// Flag helpers.
func (p *Packet) HasFlag(f uint8) bool { return p.Flags&f != 0 }
func (p *Packet) SetFlag(f uint8)      { p.Flags |= f }
func (p *Packet) ClearFlag(f uint8)    { p.Flags &^= f }

// FrameSize is the number of bytes MarshalFrame writes for p.
func (p *Packet) FrameSize() int {
	return len(FrameMagic) + packetHeaderSize + len(p.Payload)
}

// Marshal serializes the packet to a freshly allocated frame.
func (p *Packet) Marshal() ([]byte, error) {
	buf := make([]byte, p.FrameSize())
	n, err := p.MarshalFrame(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// MarshalFrame writes magic, header and payload into buf and returns the
// frame length. buf must hold at least FrameSize() bytes.
func (p *Packet) MarshalFrame(buf []byte) (int, error) {
	payloadLen := len(p.Payload)
	if payloadLen > MaxPayloadSize {
		return 0, fmt.Errorf("payload too large: %d bytes (max %d)", payloadLen, MaxPayloadSize)
	}
	total := p.FrameSize()
	if len(buf) < total {
		return 0, fmt.Errorf("frame buffer too small: %d bytes, need %d", len(buf), total)
	}

	copy(buf[0:4], FrameMagic[:])
	h := buf[4:total]
	h[0] = p.Version
	h[1] = p.Flags
	binary.BigEndian.PutUint16(h[2:4], uint16(payloadLen))
	binary.BigEndian.PutUint32(h[4:8], p.DstStream)
	binary.BigEndian.PutUint32(h[8:12], p.SrcStream)
	binary.BigEndian.PutUint32(h[12:16], p.Seq)
	binary.BigEndian.PutUint32(h[16:20], p.Ack)
	binary.BigEndian.PutUint16(h[20:22], p.Window)
	binary.BigEndian.PutUint16(h[22:24], 0)
	binary.BigEndian.PutUint32(h[24:28], 0)
	copy(h[packetHeaderSize:], p.Payload)

	// Checksum: CRC32-C over header (with checksum field zeroed) + payload.
	binary.BigEndian.PutUint32(h[24:28], Checksum(h))
	return total, nil
}

// UnmarshalFrame checks the frame magic and decodes the packet that follows.
func UnmarshalFrame(frame []byte) (*Packet, error) {
	if len(frame) < len(FrameMagic) || [4]byte(frame[0:4]) != FrameMagic {
		return nil, ErrBadMagic
	}
	return Unmarshal(frame[len(FrameMagic):])
}

// Unmarshal deserializes a packet from wire bytes (without frame magic).
// The payload is copied, so data may be reused by the caller.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < packetHeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (min %d)", len(data), packetHeaderSize)
	}

	payloadLen := binary.BigEndian.Uint16(data[2:4])
	total := packetHeaderSize + int(payloadLen)
	if len(data) < total {
		return nil, fmt.Errorf("packet truncated: have %d bytes, need %d", len(data), total)
	}

	// Verify checksum before parsing.
	wireChecksum := binary.BigEndian.Uint32(data[24:28])
	binary.BigEndian.PutUint32(data[24:28], 0) // zero for computation
	computed := Checksum(data[:total])
	binary.BigEndian.PutUint32(data[24:28], wireChecksum) // restore

	if computed != wireChecksum {
		return nil, ErrChecksumMismatch
	}

	p := &Packet{
		Version:   data[0],
		Flags:     data[1],
		DstStream: binary.BigEndian.Uint32(data[4:8]),
		SrcStream: binary.BigEndian.Uint32(data[8:12]),
		Seq:       binary.BigEndian.Uint32(data[12:16]),
		Ack:       binary.BigEndian.Uint32(data[16:20]),
		Window:    binary.BigEndian.Uint16(data[20:22]),
	}

	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, data[packetHeaderSize:total])
	}

	return p, nil
}

// PacketHeaderSize is the fixed header length that follows the frame magic.
func PacketHeaderSize() int { return packetHeaderSize }
