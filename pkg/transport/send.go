package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
)

var (
	errStopped = errors.New("stream stopped")
	errReset   = errors.New("stream reset")
)

// retxEntry is a sent-but-unacknowledged data segment. data aliases the
// caller's write buffer.
type retxEntry struct {
	data      []byte
	seq       uint32
	sentAt    time.Time
	attempts  int       // transmissions of any kind; > 1 disables RTT sampling
	timeouts  int       // RTO expiries; the stream gives up at maxRetx
	recoverAt time.Time // last fast or SACK-hole retransmission
	sacked    bool      // covered by a SACK block, never retransmitted
}

func (e *retxEntry) end() uint32 { return e.seq + uint32(len(e.data)) }

// segment is a retransmission to put on the wire once sendState.mu is released.
type segment struct {
	seq  uint32
	data []byte
}

// sendState is the sending half of a stream: the retransmission queue,
// RTT estimation (RFC 6298) and congestion control (RFC 5681, 3465).
type sendState struct {
	mu sync.Mutex

	mss        int
	maxCongWin int
	maxRetx    int

	unacked  []*retxEntry // ordered by seq
	inFlight int          // bytes in unacked
	nxt      uint32       // next new sequence number
	lastAck  uint32       // highest cumulative ACK received
	lastWin  uint16       // window carried by the previous ACK
	dupAcks  int

	rto    time.Duration
	srtt   time.Duration
	rttvar time.Duration

	cwnd          int
	ssthresh      int
	inRecovery    bool
	recoveryPoint uint32
	lastRetx      time.Time // last RTO retransmission, one per RTO period

	peerWin      int // peer's advertised receive window in bytes
	peerWinKnown bool

	windowCh chan struct{} // signaled when the window may have opened
}

func (ss *sendState) init(cfg *Config) {
	ss.mss = cfg.mss()
	ss.maxCongWin = cfg.maxCongWin()
	ss.maxRetx = cfg.maxRetxAttempts()
	ss.rto = InitialRTO
	ss.cwnd = min(InitialCongSegments*ss.mss, ss.maxCongWin)
	ss.ssthresh = ss.maxCongWin / 2
	ss.windowCh = make(chan struct{}, 1)
}

func (ss *sendState) nextSeq() uint32 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.nxt
}

func (ss *sendState) acked() uint32 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.lastAck
}

// effectiveWindow is min(cwnd, peer window). Must be called with mu held.
func (ss *sendState) effectiveWindow() int {
	win := ss.cwnd
	if ss.peerWinKnown && ss.peerWin < win {
		win = ss.peerWin
	}
	return win
}

// windowAvailable must be called with mu held.
func (ss *sendState) windowAvailable() bool {
	return ss.inFlight < ss.effectiveWindow()
}

func (ss *sendState) signalWindow() {
	select {
	case ss.windowCh <- struct{}{}:
	default:
	}
}

// track registers a segment about to be sent and returns its sequence
// number. Tracking before the send keeps a fast ACK from overtaking it.
func (ss *sendState) track(data []byte) uint32 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	seq := ss.nxt
	ss.unacked = append(ss.unacked, &retxEntry{
		data:     data,
		seq:      seq,
		sentAt:   time.Now(),
		attempts: 1,
	})
	ss.inFlight += len(data)
	ss.nxt += uint32(len(data))
	return seq
}

func (ss *sendState) clear() {
	ss.mu.Lock()
	ss.unacked = nil
	ss.inFlight = 0
	ss.mu.Unlock()
	ss.signalWindow()
}

// onAck processes a cumulative ACK plus optional SACK blocks. It returns the
// segments to retransmit right away and whether the cumulative ACK advanced.
// Only pure ACKs with an unchanged window (or carrying SACK) count as
// duplicates (RFC 5681 Section 2).
func (ss *sendState) onAck(ack uint32, window uint16, pure bool, blocks []protocol.SACKBlock, st *streamCounters) (retx []segment, advanced bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	defer ss.signalWindow()

	ss.peerWin = int(window) * ss.mss
	ss.peerWinKnown = true
	prevWin := ss.lastWin
	ss.lastWin = window

	if protocol.SeqAfter(ack, ss.nxt) || protocol.SeqAfter(ss.lastAck, ack) {
		return nil, false // acknowledges unsent data, or stale
	}

	now := time.Now()
	if len(blocks) > 0 {
		st.sackRecv.Add(uint64(len(blocks)))
		ss.markSacked(blocks)
	}

	if ack == ss.lastAck {
		if pure && len(ss.unacked) > 0 && (window == prevWin || len(blocks) > 0) {
			ss.dupAcks++
			st.dupACKs.Add(1)
			if ss.dupAcks == 3 {
				if seg, ok := ss.firstUnsacked(now, 0); ok {
					retx = append(retx, seg)
					st.fastRetx.Add(1)
				}
				ss.enterRecovery()
			} else if ss.dupAcks > 3 {
				ss.cwnd = min(ss.cwnd+ss.mss, ss.maxCongWin)
			}
		}
	} else {
		advanced = true
		bytesAcked := int(ack - ss.lastAck)
		ss.lastAck = ack
		ss.dupAcks = 0
		ss.lastRetx = time.Time{}
		ss.removeAcked(ack, now)

		if ss.inRecovery {
			if protocol.SeqAfterOrEqual(ack, ss.recoveryPoint) {
				ss.inRecovery = false
			} else if seg, ok := ss.firstUnsacked(now, ss.reorderWindow()); ok {
				// Partial ACK: the next hole is lost too (RFC 6582).
				retx = append(retx, seg)
				st.fastRetx.Add(1)
			}
		}

		// Appropriate Byte Counting (RFC 3465)
		if ss.cwnd < ss.ssthresh {
			ss.cwnd += bytesAcked
		} else {
			ss.cwnd += max(ss.mss*bytesAcked/ss.cwnd, 1)
		}
		ss.cwnd = min(ss.cwnd, ss.maxCongWin)
	}

	if len(blocks) > 0 {
		holes := ss.sackHoles(blocks, now, 4-len(retx))
		if len(holes) > 0 {
			ss.enterRecovery()
			st.fastRetx.Add(uint64(len(holes)))
			retx = append(retx, holes...)
		}
	}
	return retx, advanced
}

// removeAcked drops segments covered by ack and samples the RTT from
// segments sent once (Karn's algorithm). Must be called with mu held.
func (ss *sendState) removeAcked(ack uint32, now time.Time) {
	i := 0
	for ; i < len(ss.unacked); i++ {
		e := ss.unacked[i]
		if !protocol.SeqAfterOrEqual(ack, e.end()) {
			if protocol.SeqAfter(ack, e.seq) {
				// ACK inside a segment: keep the unacknowledged tail.
				cut := int(ack - e.seq)
				e.data = e.data[cut:]
				e.seq = ack
				ss.inFlight -= cut
			}
			break
		}
		if e.attempts == 1 && !e.sacked {
			ss.updateRTT(now.Sub(e.sentAt))
		}
		ss.inFlight -= len(e.data)
		ss.unacked[i] = nil
	}
	ss.unacked = ss.unacked[i:]
	if len(ss.unacked) == 0 {
		ss.unacked = nil
		ss.inFlight = 0
	}
}

// markSacked must be called with mu held.
func (ss *sendState) markSacked(blocks []protocol.SACKBlock) {
	for _, e := range ss.unacked {
		if e.sacked {
			continue
		}
		for _, b := range blocks {
			if b.Contains(e.seq, e.end()) {
				e.sacked = true
				break
			}
		}
	}
}

// firstUnsacked marks the oldest unsacked segment as retransmitted unless
// it was sent less than minAge ago. Must be called with mu held.
func (ss *sendState) firstUnsacked(now time.Time, minAge time.Duration) (segment, bool) {
	for _, e := range ss.unacked {
		if e.sacked {
			continue
		}
		if now.Sub(e.sentAt) < minAge || !ss.recoveryDue(e, now) {
			return segment{}, false
		}
		e.attempts++
		e.sentAt = now
		e.recoverAt = now
		return segment{seq: e.seq, data: e.data}, true
	}
	return segment{}, false
}

// recoveryDue reports whether e may be resent by fast recovery: at most
// once per RTO, so a stream of SACKs cannot resend the same hole each RTT.
// Must be called with mu held.
func (ss *sendState) recoveryDue(e *retxEntry, now time.Time) bool {
	return e.recoverAt.IsZero() || now.Sub(e.recoverAt) >= ss.rto
}

// sackHoles returns up to limit unsacked segments below the highest SACKed
// byte that have been outstanding for at least one smoothed RTT and were not
// already resent by recovery within the last RTO. Must be called with mu held.
func (ss *sendState) sackHoles(blocks []protocol.SACKBlock, now time.Time, limit int) []segment {
	if limit <= 0 {
		return nil
	}
	high := blocks[0].Right
	for _, b := range blocks[1:] {
		if protocol.SeqAfter(b.Right, high) {
			high = b.Right
		}
	}
	reorder := ss.reorderWindow()

	var holes []segment
	for _, e := range ss.unacked {
		if !protocol.SeqAfterOrEqual(high, e.end()) {
			break
		}
		if e.sacked || now.Sub(e.sentAt) < reorder || !ss.recoveryDue(e, now) {
			continue
		}
		e.attempts++
		e.sentAt = now
		e.recoverAt = now
		holes = append(holes, segment{seq: e.seq, data: e.data})
		if len(holes) == limit {
			break
		}
	}
	return holes
}

// reorderWindow is how long a segment may stay unacknowledged below SACKed
// data before it is presumed lost. Must be called with mu held.
func (ss *sendState) reorderWindow() time.Duration {
	return max(ss.srtt, time.Millisecond)
}

// enterRecovery halves the congestion window once per loss event.
// Must be called with mu held.
func (ss *sendState) enterRecovery() {
	if ss.inRecovery {
		return
	}
	ss.ssthresh = max(ss.cwnd/2, 2*ss.mss)
	ss.cwnd = ss.ssthresh
	ss.inRecovery = true
	ss.recoveryPoint = ss.nxt
}

// expired returns the oldest unsacked segment whose RTO has elapsed, at most
// one per RTO period, or protocol.ErrRetransmitMax once a segment has timed
// out maxRetx times. Fast and SACK-hole retransmissions do not count.
func (ss *sendState) expired(now time.Time) (segment, bool, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if len(ss.unacked) == 0 {
		return segment{}, false, nil
	}
	if !ss.lastRetx.IsZero() && now.Sub(ss.lastRetx) < ss.rto {
		return segment{}, false, nil
	}

	for _, e := range ss.unacked {
		if e.sacked {
			continue
		}
		if now.Sub(e.sentAt) <= ss.rto {
			break // oldest unsacked segment has not timed out
		}
		if e.timeouts >= ss.maxRetx {
			return segment{}, false, protocol.ErrRetransmitMax
		}

		if !ss.inRecovery {
			// New loss event: collapse the window and back off the timer.
			ss.ssthresh = max(ss.cwnd/2, ss.mss)
			ss.cwnd = min(InitialCongSegments*ss.mss, ss.maxCongWin)
			ss.inRecovery = true
			ss.recoveryPoint = ss.nxt
			ss.rto = min(ss.rto*2, RTOMax)
		}
		e.attempts++
		e.timeouts++
		e.sentAt = now
		ss.lastRetx = now
		return segment{seq: e.seq, data: e.data}, true, nil
	}
	return segment{}, false, nil
}

// updateRTT must be called with mu held.
func (ss *sendState) updateRTT(rtt time.Duration) {
	if ss.srtt == 0 {
		// First measurement (RFC 6298 Section 2.2)
		ss.srtt = rtt
		ss.rttvar = rtt / 2
	} else {
		// RTTVAR = (1-β)·RTTVAR + β·|SRTT - R|, β = 1/4
		diff := ss.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		ss.rttvar = ss.rttvar*3/4 + diff/4
		// SRTT = (1-α)·SRTT + α·R, α = 1/8
		ss.srtt = ss.srtt*7/8 + rtt/8
	}
	ss.rto = ss.srtt + max(4*ss.rttvar, ClockGranularity)
	ss.rto = min(max(ss.rto, RTOMin), RTOMax)
}

// writeLoop segments queued writes at MSS and sends them in order.
func (s *Stream) writeLoop() {
	defer s.loops.Done()
	for {
		select {
		case <-s.stop:
			return
		case req := <-s.writeCh:
			if req.size == 0 {
				s.completeWrites(s.send.acked())
				continue
			}
			if err := s.sendRequest(req); errors.Is(err, errStopped) {
				return
			}
		}
	}
}

func (s *Stream) sendRequest(req *WriteRequest) error {
	for _, b := range req.bufs {
		for off := 0; off < len(b); {
			end := min(off+s.mss, len(b))
			if err := s.sendSegment(b[off:end]); err != nil {
				return err
			}
			off = end
		}
	}
	return nil
}

// sendSegment waits for the send window, then transmits one data segment.
// While the window stays closed it probes the peer with exponential backoff.
func (s *Stream) sendSegment(data []byte) error {
	probe := ZeroWinProbeInitial
	for {
		select {
		case <-s.reset:
			return errReset
		default:
		}

		s.send.mu.Lock()
		avail := s.send.windowAvailable()
		s.send.mu.Unlock()
		if avail {
			break
		}

		select {
		case <-s.send.windowCh:
			probe = ZeroWinProbeInitial
		case <-s.stop:
			return errStopped
		case <-s.reset:
			return errReset
		case <-time.After(probe):
			s.stats.probes.Add(1)
			s.sendControl(protocol.FlagProbe)
			probe = min(probe*2, ZeroWinProbeMax)
		}
	}

	seq := s.send.track(data)
	s.ack.cancelPending() // the data packet carries the ACK
	if err := s.transmit(s.packet(protocol.FlagData, seq, data)); err != nil {
		// Left to the retransmission timer.
		s.log.Debug("segment send failed", "seq", seq, "error", err)
	}
	s.stats.bytesSent.Add(uint64(len(data)))
	s.stats.segsSent.Add(1)
	return nil
}

func (s *Stream) retransmit(segs []segment) {
	for _, seg := range segs {
		if err := s.transmit(s.packet(protocol.FlagData, seg.seq, seg.data)); err != nil {
			s.log.Debug("retransmit failed", "seq", seg.seq, "error", err)
		}
	}
}

// retransmitExpired resends the oldest timed-out segment.
func (s *Stream) retransmitExpired() error {
	seg, ok, err := s.send.expired(time.Now())
	if err != nil {
		s.log.Error("max retransmits exceeded, resetting stream")
		return err
	}
	if ok {
		s.stats.retransmits.Add(1)
		s.retransmit([]segment{seg})
	}
	return nil
}

func (s *Stream) handleAck(ack uint32, window uint16, pure bool, blocks []protocol.SACKBlock) {
	retx, advanced := s.send.onAck(ack, window, pure, blocks, &s.stats)
	s.retransmit(retx)
	if len(blocks) > 0 {
		s.markUnordered(blocks)
	}
	if advanced {
		s.completeWrites(ack)
	}
}
