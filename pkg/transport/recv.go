package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
)

// recvSegment is an out-of-order segment waiting for reassembly.
type recvSegment struct {
	seq  uint32
	data []byte
}

// recvState is the receiving half of a stream.
type recvState struct {
	mu       sync.Mutex
	onData   DataFunc
	expected uint32         // next in-order seq
	ooo      []*recvSegment // out-of-order buffer
	closed   bool           // no further delivery (destroyed, peer FIN or RST)

	reading atomic.Bool   // ReadStart called and not closed
	nxt     atomic.Uint32 // mirror of expected for outgoing ACKs
}

func (r *recvState) close() {
	r.mu.Lock()
	r.closed = true
	r.ooo = nil
	r.mu.Unlock()
	r.reading.Store(false)
}

// reassemble accepts one data segment and returns the chunks that became
// deliverable in order. Must be called with mu held.
func (r *recvState) reassemble(seq uint32, data []byte) (deliver [][]byte, dup bool) {
	if protocol.SeqAfter(r.expected, seq) {
		end := seq + uint32(len(data))
		if !protocol.SeqAfter(end, r.expected) {
			return nil, true
		}
		// Overlaps the cumulative point: keep only the new tail.
		data = data[r.expected-seq:]
		seq = r.expected
	}

	if seq != r.expected {
		if !r.hasOOOSeg(seq) && len(r.ooo) < MaxOOOBuf {
			r.ooo = append(r.ooo, &recvSegment{seq: seq, data: data})
		}
		return nil, false
	}

	deliver = append(deliver, data)
	r.expected = seq + uint32(len(data))
	for {
		found := false
		for i, seg := range r.ooo {
			if seg.seq == r.expected {
				deliver = append(deliver, seg.data)
				r.expected = seg.seq + uint32(len(seg.data))
				r.ooo = append(r.ooo[:i], r.ooo[i+1:]...)
				found = true
				break
			}
			if protocol.SeqAfter(r.expected, seg.seq) {
				// Fully or partly covered by data just delivered.
				segEnd := seg.seq + uint32(len(seg.data))
				r.ooo = append(r.ooo[:i], r.ooo[i+1:]...)
				if protocol.SeqAfter(segEnd, r.expected) {
					tail := seg.data[r.expected-seg.seq:]
					deliver = append(deliver, tail)
					r.expected = segEnd
				}
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return deliver, false
}

func (r *recvState) hasOOOSeg(seq uint32) bool {
	for _, seg := range r.ooo {
		if seg.seq == seq {
			return true
		}
	}
	return false
}

// sackBlocks describes the out-of-order buffer as merged ranges, lowest
// first. Must be called with mu held.
func (r *recvState) sackBlocks() []protocol.SACKBlock {
	if len(r.ooo) == 0 {
		return nil
	}

	sorted := make([]*recvSegment, len(r.ooo))
	copy(sorted, r.ooo)
	sort.Slice(sorted, func(i, j int) bool { return protocol.SeqAfter(sorted[j].seq, sorted[i].seq) })

	var blocks []protocol.SACKBlock
	cur := protocol.SACKBlock{Left: sorted[0].seq, Right: sorted[0].seq + uint32(len(sorted[0].data))}
	for _, seg := range sorted[1:] {
		segEnd := seg.seq + uint32(len(seg.data))
		if protocol.SeqAfterOrEqual(cur.Right, seg.seq) {
			if protocol.SeqAfter(segEnd, cur.Right) {
				cur.Right = segEnd
			}
			continue
		}
		blocks = append(blocks, cur)
		if len(blocks) == protocol.MaxSACKBlocks {
			return blocks
		}
		cur = protocol.SACKBlock{Left: seg.seq, Right: segEnd}
	}
	return append(blocks, cur)
}

// ackState batches pure ACKs: up to DelayedACKThreshold segments or the
// delayed ACK timeout, whichever comes first.
type ackState struct {
	mu      sync.Mutex
	pending int
	timer   *time.Timer
	stopped bool

	lastWindow atomic.Uint32 // window carried by the last packet sent
}

func (a *ackState) cancelPending() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.pending = 0
	a.mu.Unlock()
}

func (a *ackState) stop() {
	a.mu.Lock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}

// recvWindow is the number of free notification slots, i.e. how many more
// segments can be handed to the application without blocking.
func (s *Stream) recvWindow() uint16 {
	if !s.recv.reading.Load() {
		return 0
	}
	return uint16(min(max(s.queue.Free(), 0), 0xFFFF))
}

func (s *Stream) handleData(seq uint32, data []byte) {
	s.stats.segsRecv.Add(1)

	s.recv.mu.Lock()
	if s.recv.closed || s.recv.onData == nil {
		s.recv.mu.Unlock()
		s.sendAck() // zero window
		return
	}
	hadOOO := len(s.recv.ooo) > 0
	deliver, dup := s.recv.reassemble(seq, data)
	expected := s.recv.expected
	hasOOO := len(s.recv.ooo) > 0
	onData := s.recv.onData
	s.recv.mu.Unlock()

	if len(deliver) > 0 && s.beginNotify() {
		for _, chunk := range deliver {
			s.stats.bytesRecv.Add(uint64(len(chunk)))
			err := s.queue.Post(func() {
				onData(len(chunk), chunk)
				s.consumed()
			})
			if err != nil {
				s.log.Error("data delivery dropped", "bytes", len(chunk), "error", err)
			}
		}
		// Bytes are acknowledged only once queued for delivery, and before
		// teardown can pass the posting barrier and send its final ACK.
		s.recv.nxt.Store(expected)
		s.posting.Done()
	}

	if dup {
		s.stats.dupSegs.Add(1)
	}
	// Out-of-order data, a filled gap or a duplicate is acknowledged at once
	// so the sender learns about holes quickly (RFC 5681 Section 4.2).
	if hasOOO || hadOOO || dup {
		s.sendAck()
		return
	}
	s.scheduleAck()
}

// consumed runs on the stream's queue after each delivery and reopens a
// window that was advertised as (nearly) closed.
func (s *Stream) consumed() {
	n := s.queue.Cap()
	if s.ack.lastWindow.Load() > uint32(n/4) || s.queue.Free() < n/2 {
		return
	}
	s.sendAck()
}

func (s *Stream) scheduleAck() {
	s.ack.mu.Lock()
	if s.ack.stopped {
		s.ack.mu.Unlock()
		return
	}
	s.ack.pending++
	if s.ack.pending >= DelayedACKThreshold {
		s.ack.mu.Unlock()
		s.sendAck()
		return
	}
	if s.ack.timer == nil {
		s.ack.timer = time.AfterFunc(s.t.cfg.delayedACKTimeout(), s.sendAck)
	}
	s.ack.mu.Unlock()
}

// sendAck sends a cumulative ACK now, with SACK blocks when segments are
// waiting out of order.
func (s *Stream) sendAck() {
	if s.peer.Load() == nil {
		return
	}
	s.ack.cancelPending()

	s.recv.mu.Lock()
	blocks := s.recv.sackBlocks()
	s.recv.mu.Unlock()

	pkt := s.packet(0, s.send.nextSeq(), protocol.AppendSACK(nil, blocks))
	if len(blocks) > 0 {
		s.stats.sackSent.Add(uint64(len(blocks)))
	}
	if err := s.transmit(pkt); err != nil {
		s.log.Debug("ack send failed", "error", err)
	}
}
