package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
	"github.com/TeoSlayer/streamperf/pkg/reactor"
)

// State is a stream's position in its lifecycle:
// Initialized → Connected → Closing → Closed.
type State uint8

const (
	StateInitialized State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "unknown"
	}
}

// DataFunc receives one in-order chunk of the inbound byte stream. readLen
// always equals len(buf) and is never zero. buf is owned by the callee.
type DataFunc func(readLen int, buf []byte)

type peer struct {
	id   uint32
	addr *net.UDPAddr
}

// Stream is one side of a duplex byte stream multiplexed over an Endpoint.
type Stream struct {
	t        *Transport
	ep       EndpointHandle
	localID  uint32
	queue    *reactor.Queue
	onClosed func()
	log      *slog.Logger
	mss      int

	peer atomic.Pointer[peer] // set once by Connect

	mu           sync.Mutex // protects state, writes, nextWriteSeq, resetErr, closed
	state        State
	nextWriteSeq uint32
	writes       []*WriteRequest // submitted and not yet completed, in sequence order
	resetErr     error           // set when the peer reset or retransmission gave up
	closed       bool            // no notifications may be posted any more
	posting      sync.WaitGroup  // notifications being posted outside mu

	writeCh   chan *WriteRequest
	stop      chan struct{} // closed by Destroy
	reset     chan struct{} // closed when the stream is abandoned
	resetOnce sync.Once
	loops     sync.WaitGroup // writer and retransmit loops
	released  chan struct{}  // closed when teardown has finished

	send sendState
	recv recvState
	ack  ackState

	stats streamCounters
}

// StreamStats tracks per-stream traffic and reliability metrics.
type StreamStats struct {
	BytesSent   uint64 // user bytes sent (first transmission)
	BytesRecv   uint64 // user bytes delivered in order
	SegsSent    uint64
	SegsRecv    uint64
	Retransmits uint64 // timeout-based retransmissions
	FastRetx    uint64 // dup-ACK and SACK driven retransmissions
	SACKRecv    uint64
	SACKSent    uint64
	DupACKs     uint64
	DupSegs     uint64 // data segments received below the cumulative ACK
	Probes      uint64 // window probes sent
}

type streamCounters struct {
	bytesSent, bytesRecv, segsSent, segsRecv  atomic.Uint64
	retransmits, fastRetx, sackRecv, sackSent atomic.Uint64
	dupACKs, dupSegs, probes                  atomic.Uint64
}

func newStream(t *Transport, h EndpointHandle, localID uint32, onClosed func()) *Stream {
	s := &Stream{
		t:        t,
		ep:       h,
		localID:  localID,
		queue:    t.d.NewQueue(fmt.Sprintf("stream-%d", localID), t.cfg.recvQueueLen()),
		onClosed: onClosed,
		log:      t.log.With("endpoint", h, "stream", localID),
		mss:      t.cfg.mss(),
		writeCh:  make(chan *WriteRequest, t.cfg.writeQueueLen()),
		stop:     make(chan struct{}),
		reset:    make(chan struct{}),
		released: make(chan struct{}),
	}
	s.send.init(&t.cfg)
	return s
}

// LocalID is the id peers address this stream by.
func (s *Stream) LocalID() uint32 { return s.localID }

// RemoteID returns the peer stream id, or 0 before Connect.
func (s *Stream) RemoteID() uint32 {
	if p := s.peer.Load(); p != nil {
		return p.id
	}
	return 0
}

// Endpoint returns the handle of the owning endpoint.
func (s *Stream) Endpoint() EndpointHandle { return s.ep }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		BytesSent:   s.stats.bytesSent.Load(),
		BytesRecv:   s.stats.bytesRecv.Load(),
		SegsSent:    s.stats.segsSent.Load(),
		SegsRecv:    s.stats.segsRecv.Load(),
		Retransmits: s.stats.retransmits.Load(),
		FastRetx:    s.stats.fastRetx.Load(),
		SACKRecv:    s.stats.sackRecv.Load(),
		SACKSent:    s.stats.sackSent.Load(),
		DupACKs:     s.stats.dupACKs.Load(),
		DupSegs:     s.stats.dupSegs.Load(),
		Probes:      s.stats.probes.Load(),
	}
}

// Connect pairs the stream with remoteID at remoteAddr and starts the send
// machinery. The owning endpoint must be bound.
func (s *Stream) Connect(remoteID uint32, remoteAddr string) error {
	cerr := func(err error) error {
		return &ConnectError{StreamID: s.localID, Addr: remoteAddr, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateConnected:
		return cerr(protocol.ErrAlreadyConnected)
	case StateClosing, StateClosed:
		return cerr(protocol.ErrStreamDestroyed)
	}

	ep, err := s.t.Endpoint(s.ep)
	if err != nil {
		return cerr(err)
	}
	if !ep.Bound() {
		return cerr(protocol.ErrEndpointNotBound)
	}
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return cerr(fmt.Errorf("resolve: %w", err))
	}
	if addr.Port == 0 {
		return cerr(fmt.Errorf("resolve: missing port"))
	}

	s.peer.Store(&peer{id: remoteID, addr: addr})
	s.state = StateConnected

	s.loops.Add(2)
	go s.writeLoop()
	go s.retxLoop()

	s.log.Debug("stream connected", "remote_id", remoteID, "remote", addr.String())
	return nil
}

// ReadStart registers the delivery callback. Until it is called the stream
// advertises a zero receive window, so the peer holds its data back.
func (s *Stream) ReadStart(onData DataFunc) error {
	if onData == nil {
		return fmt.Errorf("read start: nil callback")
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateClosing || st == StateClosed {
		return protocol.ErrStreamDestroyed
	}

	s.recv.mu.Lock()
	if s.recv.onData != nil {
		s.recv.mu.Unlock()
		return protocol.ErrReadStarted
	}
	s.recv.onData = onData
	s.recv.mu.Unlock()
	s.recv.reading.Store(true)

	// Open the window for a peer that may already be probing.
	if s.peer.Load() != nil {
		s.sendAck()
	}
	return nil
}

// Write submits bufs as one logical write. The buffers are not copied and
// must not be modified until onAcked runs. onAcked runs exactly once: with a
// nil status when the peer has cumulatively acknowledged every byte, or with
// protocol.ErrCanceled when the stream is destroyed first. unordered reports
// that the tail of the write was selectively acknowledged before the
// cumulative acknowledgement reached it.
func (s *Stream) Write(bufs [][]byte, onAcked AckFunc) (*WriteRequest, error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	werr := func(err error) error {
		return &WriteError{StreamID: s.localID, State: s.state, Err: err}
	}
	switch {
	case s.state == StateClosing || s.state == StateClosed:
		return nil, werr(protocol.ErrStreamDestroyed)
	case s.state != StateConnected:
		return nil, werr(protocol.ErrNotConnected)
	case s.resetErr != nil:
		return nil, werr(s.resetErr)
	case total > MaxWriteSize:
		return nil, werr(fmt.Errorf("write of %d bytes exceeds %d", total, MaxWriteSize))
	}

	req := &WriteRequest{
		stream:  s,
		bufs:    bufs,
		size:    total,
		start:   s.nextWriteSeq,
		end:     s.nextWriteSeq + uint32(total),
		onAcked: onAcked,
	}
	select {
	case s.writeCh <- req:
	default:
		return nil, werr(protocol.ErrWriteQueueFull)
	}
	s.nextWriteSeq = req.end
	s.writes = append(s.writes, req)
	return req, nil
}

// Destroy moves the stream to Closing and schedules its release. Outstanding
// writes complete with protocol.ErrCanceled, notifications already queued
// still run, then onClosed fires and the stream is Closed. Destroy must be
// called at most once; later calls return protocol.ErrStreamDestroyed.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return protocol.ErrStreamDestroyed
	}
	prev := s.state
	s.state = StateClosing
	s.mu.Unlock()

	close(s.stop)
	s.recv.close()
	s.log.Debug("stream destroy", "from", prev.String())
	go s.teardown(prev == StateConnected)
	return nil
}

func (s *Stream) teardown(connected bool) {
	s.loops.Wait()

	s.mu.Lock()
	s.closed = true
	pending := s.writes
	s.writes = nil
	for _, r := range pending {
		r.finish(WriteCanceled)
	}
	s.mu.Unlock()
	s.posting.Wait() // notifications racing with Destroy are queued before the cancellations

	s.ack.stop()
	if connected {
		s.sendAck() // flush anything still held by the delayed ACK
		s.sendControl(protocol.FlagFIN | protocol.FlagACK)
	}

	for _, r := range pending {
		s.postAck(r, protocol.ErrCanceled)
	}

	if ep, err := s.t.Endpoint(s.ep); err == nil {
		ep.detach(s.localID)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.log.Debug("stream closed", "canceled_writes", len(pending), "stats", s.Stats())

	if err := s.queue.Post(func() {
		if s.onClosed != nil {
			s.onClosed()
		}
	}); err != nil {
		s.log.Error("stream close notification dropped", "error", err)
	}
	s.queue.Close()
	close(s.released)
}

// beginNotify reports whether notifications may still be posted. When it
// returns true the caller must call s.posting.Done after posting.
func (s *Stream) beginNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.posting.Add(1)
	return true
}

func (s *Stream) postAck(r *WriteRequest, status error) {
	unordered := r.Unordered()
	err := s.queue.Post(func() {
		if r.onAcked != nil {
			r.onAcked(r, status, unordered)
		}
	})
	if err != nil {
		s.log.Error("write acknowledgement dropped", "write_end", r.end, "error", err)
	}
}

// completeWrites acknowledges every write fully covered by the cumulative ack.
func (s *Stream) completeWrites(ack uint32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var done []*WriteRequest
	for len(s.writes) > 0 && protocol.SeqAfterOrEqual(ack, s.writes[0].end) {
		r := s.writes[0]
		s.writes[0] = nil
		s.writes = s.writes[1:]
		r.finish(WriteAcked)
		done = append(done, r)
	}
	if len(done) == 0 {
		s.mu.Unlock()
		return
	}
	s.posting.Add(1)
	s.mu.Unlock()
	defer s.posting.Done()

	for _, r := range done {
		s.postAck(r, nil)
	}
}

// markUnordered flags writes whose last byte is covered by a SACK block.
func (s *Stream) markUnordered(blocks []protocol.SACKBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.writes {
		if r.size == 0 {
			continue
		}
		last := r.end - 1
		for _, b := range blocks {
			if protocol.SeqAfterOrEqual(last, b.Left) && protocol.SeqAfter(b.Right, last) {
				r.unordered.Store(true)
				break
			}
		}
	}
}

// abandon fails every outstanding write with cause and stops sending.
func (s *Stream) abandon(cause error) {
	s.resetOnce.Do(func() { close(s.reset) })
	s.send.clear()

	s.mu.Lock()
	if s.resetErr == nil {
		s.resetErr = cause
	}
	if s.closed {
		s.mu.Unlock()
		return
	}
	pending := s.writes
	s.writes = nil
	for _, r := range pending {
		r.finish(WriteFailed)
	}
	s.posting.Add(1)
	s.mu.Unlock()
	defer s.posting.Done()

	if len(pending) > 0 {
		s.log.Warn("stream abandoned", "error", cause, "failed_writes", len(pending))
	}
	for _, r := range pending {
		s.postAck(r, cause)
	}
}

// packet builds an outgoing packet addressed to the peer, piggybacking the
// current cumulative ACK and receive window.
func (s *Stream) packet(flags uint8, seq uint32, payload []byte) *protocol.Packet {
	p := s.peer.Load()
	win := s.recvWindow()
	s.ack.lastWindow.Store(uint32(win))
	return &protocol.Packet{
		Version:   protocol.Version,
		Flags:     flags | protocol.FlagACK,
		DstStream: p.id,
		SrcStream: s.localID,
		Seq:       seq,
		Ack:       s.recv.nxt.Load(),
		Window:    win,
		Payload:   payload,
	}
}

func (s *Stream) transmit(pkt *protocol.Packet) error {
	p := s.peer.Load()
	if p == nil {
		return protocol.ErrNotConnected
	}
	ep, err := s.t.Endpoint(s.ep)
	if err != nil {
		return err
	}
	return ep.send(pkt, p.addr)
}

func (s *Stream) sendControl(flags uint8) {
	pkt := s.packet(flags, s.send.nextSeq(), nil)
	if err := s.transmit(pkt); err != nil {
		s.log.Debug("control send failed", "flags", flags, "error", err)
	}
}

// handlePacket is called by the endpoint's route loop for every packet
// addressed to this stream.
func (s *Stream) handlePacket(pkt *protocol.Packet, from *net.UDPAddr) {
	p := s.peer.Load()
	if p == nil || pkt.SrcStream != p.id {
		return
	}

	if pkt.HasFlag(protocol.FlagRST) {
		s.log.Debug("stream reset by peer")
		s.recv.close()
		s.abandon(protocol.ErrConnReset)
		return
	}

	if pkt.HasFlag(protocol.FlagACK) {
		var blocks []protocol.SACKBlock
		if !pkt.HasFlag(protocol.FlagData) {
			var err error
			if blocks, err = protocol.ParseSACK(pkt.Payload); errors.Is(err, protocol.ErrBadSACK) {
				s.log.Debug("ignoring SACK data", "error", err)
			}
		}
		pure := pkt.Flags&(protocol.FlagData|protocol.FlagFIN|protocol.FlagProbe) == 0
		s.handleAck(pkt.Ack, pkt.Window, pure, blocks)
	}

	if pkt.HasFlag(protocol.FlagData) && len(pkt.Payload) > 0 {
		s.handleData(pkt.Seq, pkt.Payload)
	}

	if pkt.HasFlag(protocol.FlagProbe) {
		s.sendAck()
	}

	if pkt.HasFlag(protocol.FlagFIN) {
		s.log.Debug("peer closed stream", "remote", from)
		s.recv.close()
		// Writes covered by the FIN's ACK (zero-length ones included) are
		// complete; the rest will never be acknowledged.
		s.completeWrites(s.send.acked())
		s.abandon(protocol.ErrConnReset)
	}
}

// retxLoop runs the retransmission timer until Destroy.
func (s *Stream) retxLoop() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.t.cfg.retxInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.retransmitExpired(); err != nil {
				s.sendControl(protocol.FlagRST)
				s.recv.close()
				s.abandon(err)
			}
		}
	}
}
