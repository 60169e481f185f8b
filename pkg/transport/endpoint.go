package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TeoSlayer/streamperf/internal/pool"
	"github.com/TeoSlayer/streamperf/internal/sockopt"
	"github.com/TeoSlayer/streamperf/pkg/protocol"
	"github.com/TeoSlayer/streamperf/pkg/reactor"
)

type incomingPacket struct {
	pkt  *protocol.Packet
	from *net.UDPAddr
}

// Endpoint owns one UDP socket and the streams multiplexed over it.
type Endpoint struct {
	t      *Transport
	handle EndpointHandle
	queue  *reactor.Queue
	log    *slog.Logger

	mu      sync.RWMutex
	conn    *net.UDPConn
	streams map[uint32]*Stream // local stream id → stream
	closing bool

	recvCh   chan *incomingPacket
	done     chan struct{}
	released chan struct{} // closed once Close has released the socket
	readWg   sync.WaitGroup
	routeWg  sync.WaitGroup

	stats endpointCounters
}

// EndpointStats is a snapshot of an endpoint's socket traffic.
type EndpointStats struct {
	PktsSent   uint64
	PktsRecv   uint64
	BytesSent  uint64
	BytesRecv  uint64
	BadFrames  uint64 // foreign magic or checksum mismatch
	Unroutable uint64 // no stream with the destination id
}

type endpointCounters struct {
	pktsSent, pktsRecv, bytesSent, bytesRecv, badFrames, unroutable atomic.Uint64
}

func newEndpoint(t *Transport, h EndpointHandle) *Endpoint {
	return &Endpoint{
		t:       t,
		handle:  h,
		queue:   t.d.NewQueue(fmt.Sprintf("endpoint-%d", h), 4),
		log:     t.log.With("endpoint", h),
		streams: make(map[uint32]*Stream),
		recvCh:   make(chan *incomingPacket, EndpointRecvChSize),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// Handle is the registry index streams use to reach this endpoint.
func (ep *Endpoint) Handle() EndpointHandle { return ep.handle }

// Bind opens the UDP socket at addr ("host:port") and starts receiving.
func (ep *Endpoint) Bind(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: fmt.Errorf("resolve: %w", err)}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closing {
		return &BindError{Addr: addr, Err: protocol.ErrEndpointClosed}
	}
	if ep.conn != nil {
		return &BindError{Addr: addr, Err: protocol.ErrAlreadyBound}
	}

	lc := net.ListenConfig{Control: sockopt.Control(ep.t.cfg.SocketBuffer)}
	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return &BindError{Addr: addr, Err: fmt.Errorf("listen udp: %w", err)}
	}
	ep.conn = pc.(*net.UDPConn)

	attrs := []any{"addr", ep.conn.LocalAddr().String()}
	if raw, err := ep.conn.SyscallConn(); err == nil {
		if rcv, snd, err := sockopt.Buffers(raw); err == nil {
			attrs = append(attrs, "rcvbuf", rcv, "sndbuf", snd)
		}
	}
	ep.log.Debug("endpoint bound", attrs...)

	ep.readWg.Add(1)
	go ep.readLoop()
	ep.routeWg.Add(1)
	go ep.routeLoop()
	return nil
}

// Bound reports whether Bind succeeded and Close has not been called.
func (ep *Endpoint) Bound() bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.conn != nil && !ep.closing
}

// LocalAddr returns the bound socket address, or nil before Bind.
func (ep *Endpoint) LocalAddr() net.Addr {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.conn != nil {
		return ep.conn.LocalAddr()
	}
	return nil
}

// Streams returns the number of streams still attached.
func (ep *Endpoint) Streams() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return len(ep.streams)
}

// Stats returns a snapshot of the socket counters.
func (ep *Endpoint) Stats() EndpointStats {
	return EndpointStats{
		PktsSent:   ep.stats.pktsSent.Load(),
		PktsRecv:   ep.stats.pktsRecv.Load(),
		BytesSent:  ep.stats.bytesSent.Load(),
		BytesRecv:  ep.stats.bytesRecv.Load(),
		BadFrames:  ep.stats.badFrames.Load(),
		Unroutable: ep.stats.unroutable.Load(),
	}
}

// Close tears the socket down asynchronously. It is rejected while streams
// are still attached and may succeed only once. onClosed runs exactly once on
// the endpoint's queue after the read and route loops have exited and the
// socket is released; the endpoint leaves the registry right after it.
func (ep *Endpoint) Close(onClosed func()) error {
	ep.mu.Lock()
	if ep.closing {
		ep.mu.Unlock()
		return protocol.ErrEndpointClosed
	}
	if n := len(ep.streams); n > 0 {
		ep.mu.Unlock()
		return fmt.Errorf("%w (%d)", protocol.ErrEndpointBusy, n)
	}
	ep.closing = true
	conn := ep.conn
	ep.mu.Unlock()

	go func() {
		close(ep.done)
		if conn != nil {
			if err := conn.Close(); err != nil {
				ep.log.Warn("endpoint socket close failed", "error", err)
			}
			ep.readWg.Wait() // readLoop exits on the closed socket before recvCh closes
			close(ep.recvCh)
			ep.routeWg.Wait()
		}
		ep.log.Debug("endpoint closed", "stats", ep.Stats())

		err := ep.queue.Post(func() {
			if onClosed != nil {
				onClosed()
			}
			ep.t.unregister(ep.handle)
		})
		if err != nil {
			ep.log.Error("endpoint close notification dropped", "error", err)
			ep.t.unregister(ep.handle)
		}
		ep.queue.Close()
		close(ep.released)
	}()
	return nil
}

func (ep *Endpoint) attach(s *Stream) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closing {
		return protocol.ErrEndpointClosed
	}
	if _, ok := ep.streams[s.localID]; ok {
		return fmt.Errorf("stream %d: %w", s.localID, protocol.ErrStreamIDInUse)
	}
	ep.streams[s.localID] = s
	return nil
}

// attached returns a snapshot of the streams still attached.
func (ep *Endpoint) attached() []*Stream {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	streams := make([]*Stream, 0, len(ep.streams))
	for _, s := range ep.streams {
		streams = append(streams, s)
	}
	return streams
}

func (ep *Endpoint) detach(localID uint32) {
	ep.mu.Lock()
	delete(ep.streams, localID)
	ep.mu.Unlock()
}

func (ep *Endpoint) stream(localID uint32) *Stream {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.streams[localID]
}

// send marshals pkt into a pooled frame and writes it to addr.
func (ep *Endpoint) send(pkt *protocol.Packet, addr *net.UDPAddr) error {
	ep.mu.RLock()
	conn := ep.conn
	ep.mu.RUnlock()
	if conn == nil {
		return protocol.ErrEndpointNotBound
	}

	bufPtr := pool.Get(pkt.FrameSize())
	defer pool.Put(bufPtr)
	n, err := pkt.MarshalFrame(*bufPtr)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP((*bufPtr)[:n], addr); err != nil {
		return err
	}
	ep.stats.pktsSent.Add(1)
	ep.stats.bytesSent.Add(uint64(n))
	return nil
}

func (ep *Endpoint) readLoop() {
	defer ep.readWg.Done()
	bufPtr := pool.GetLarge()
	defer pool.PutLarge(bufPtr)
	buf := *bufPtr

	for {
		n, remote, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				ep.log.Debug("endpoint read loop stopped", "reason", "conn closed")
				return
			}
			select {
			case <-ep.done:
				return
			default:
			}
			ep.log.Warn("endpoint read error", "error", err)
			continue
		}

		pkt, err := protocol.UnmarshalFrame(buf[:n])
		if err != nil {
			ep.stats.badFrames.Add(1)
			ep.log.Debug("dropping datagram", "remote", remote, "error", err)
			continue
		}
		ep.stats.pktsRecv.Add(1)
		ep.stats.bytesRecv.Add(uint64(n))

		select {
		case ep.recvCh <- &incomingPacket{pkt: pkt, from: remote}:
		case <-ep.done:
			return
		}
	}
}

func (ep *Endpoint) routeLoop() {
	defer ep.routeWg.Done()
	for in := range ep.recvCh {
		ep.route(in.pkt, in.from)
	}
}

func (ep *Endpoint) route(pkt *protocol.Packet, from *net.UDPAddr) {
	if pkt.Version != protocol.Version {
		ep.stats.badFrames.Add(1)
		return
	}
	if s := ep.stream(pkt.DstStream); s != nil {
		s.handlePacket(pkt, from)
		return
	}

	ep.stats.unroutable.Add(1)
	if pkt.HasFlag(protocol.FlagRST) || pkt.HasFlag(protocol.FlagFIN) {
		return
	}
	rst := &protocol.Packet{
		Version:   protocol.Version,
		Flags:     protocol.FlagRST,
		DstStream: pkt.SrcStream,
		SrcStream: pkt.DstStream,
	}
	if err := ep.send(rst, from); err != nil {
		ep.log.Debug("rst send failed", "remote", from, "error", err)
	}
}
