package harness

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/TeoSlayer/streamperf/pkg/transport"
)

// Side names one peer of the scenario.
type Side uint8

const (
	Receiver Side = iota // A
	Sender               // B
)

func (s Side) String() string {
	switch s {
	case Receiver:
		return "A"
	case Sender:
		return "B"
	default:
		return "?"
	}
}

// Trigger decides when a side tears itself down.
type Trigger string

const (
	// TriggerAck tears the receiver down from the sender's write
	// acknowledgement, together with the sender.
	TriggerAck Trigger = "ack"
	// TriggerReadComplete tears the receiver down once it has read the
	// whole payload.
	TriggerReadComplete Trigger = "read-complete"
)

func (t *Trigger) String() string { return string(*t) }
func (t *Trigger) Type() string   { return "trigger" }

func (t *Trigger) Set(v string) error {
	switch Trigger(v) {
	case TriggerAck, TriggerReadComplete:
		*t = Trigger(v)
		return nil
	}
	return fmt.Errorf("unknown teardown trigger %q (want %s or %s)", v, TriggerAck, TriggerReadComplete)
}

type stage uint8

const (
	stageOpen stage = iota
	stageDestroying
	stageStreamClosed
	stageEndpointClosing
	stageEndpointClosed
)

func (s stage) String() string {
	switch s {
	case stageOpen:
		return "open"
	case stageDestroying:
		return "destroying"
	case stageStreamClosed:
		return "stream closed"
	case stageEndpointClosing:
		return "endpoint closing"
	case stageEndpointClosed:
		return "endpoint closed"
	default:
		return "unknown"
	}
}

type peerState struct {
	side   Side
	ep     *transport.Endpoint
	stream *transport.Stream // nil when setup failed before creating it
	stage  stage
	reason string
}

// coordinator drives the teardown cascade of both peers:
// stream destroy → stream closed → endpoint close → endpoint closed.
// Each step runs exactly once per peer and only after the previous one;
// anything else is recorded as an assertion failure.
type coordinator struct {
	log      *slog.Logger
	failures *failures

	mu        sync.Mutex
	peers     [2]*peerState
	notices   []string
	remaining int
	done      chan struct{}
}

func newCoordinator(log *slog.Logger, f *failures) *coordinator {
	return &coordinator{log: log, failures: f, done: make(chan struct{})}
}

// register adds a peer. Must be called before any close is requested.
func (c *coordinator) register(side Side, ep *transport.Endpoint) {
	c.mu.Lock()
	c.peers[side] = &peerState{side: side, ep: ep}
	c.remaining++
	c.mu.Unlock()
}

func (c *coordinator) attach(side Side, s *transport.Stream) {
	c.mu.Lock()
	c.peers[side].stream = s
	c.mu.Unlock()
}

// Done is closed once every registered endpoint has reported closed.
func (c *coordinator) Done() <-chan struct{} { return c.done }

// requested reports whether side's teardown has begun.
func (c *coordinator) requested(side Side) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peers[side]
	return p != nil && p.stage != stageOpen
}

// RequestClose starts side's cascade. Later requests for the same side are
// absorbed, so the stream is destroyed at most once.
func (c *coordinator) RequestClose(side Side, reason string) {
	c.mu.Lock()
	p := c.peers[side]
	if p == nil {
		c.mu.Unlock()
		return
	}
	if p.stage != stageOpen {
		c.mu.Unlock()
		c.log.Debug("close already requested", "peer", side, "reason", reason, "first_reason", p.reason)
		return
	}
	p.stage = stageDestroying
	p.reason = reason
	stream := p.stream
	c.mu.Unlock()

	c.log.Info("closing peer", "peer", side, "reason", reason)
	if stream == nil {
		c.advance(p, stageDestroying, stageStreamClosed, "")
		c.closeEndpoint(p)
		return
	}
	if err := stream.Destroy(); err != nil {
		c.failures.add("teardown", "destroy stream %s: %v", side, err)
	}
}

// streamClosed is the stream's onClosed callback.
func (c *coordinator) streamClosed(side Side) {
	p := c.peer(side)
	if !c.advance(p, stageDestroying, stageStreamClosed, "stream closed") {
		return
	}
	c.closeEndpoint(p)
}

func (c *coordinator) closeEndpoint(p *peerState) {
	if !c.advance(p, stageStreamClosed, stageEndpointClosing, "") {
		return
	}
	if err := p.ep.Close(func() { c.endpointClosed(p.side) }); err != nil {
		c.failures.add("teardown", "close endpoint %s: %v", p.side, err)
	}
}

// endpointClosed is the endpoint's onClosed callback.
func (c *coordinator) endpointClosed(side Side) {
	p := c.peer(side)
	if !c.advance(p, stageEndpointClosing, stageEndpointClosed, "endpoint closed") {
		return
	}
	c.mu.Lock()
	c.remaining--
	last := c.remaining == 0
	c.mu.Unlock()
	if last {
		close(c.done)
	}
}

func (c *coordinator) peer(side Side) *peerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[side]
}

// advance moves p from one stage to the next. A notice, if given, is
// appended to the close log.
func (c *coordinator) advance(p *peerState, from, to stage, notice string) bool {
	c.mu.Lock()
	if p.stage != from {
		got := p.stage
		c.mu.Unlock()
		c.failures.add("teardown", "peer %s: %s while %s, want %s", p.side, to, got, from)
		return false
	}
	p.stage = to
	if notice != "" {
		c.notices = append(c.notices, p.side.String()+" "+notice)
	}
	c.mu.Unlock()
	if notice != "" {
		c.log.Info(notice, "peer", p.side)
	}
	return true
}

// stages returns the current stage of each registered peer.
func (c *coordinator) stages() map[Side]stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Side]stage, len(c.peers))
	for _, p := range c.peers {
		if p != nil {
			out[p.side] = p.stage
		}
	}
	return out
}

func (c *coordinator) closeNotices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notices...)
}
