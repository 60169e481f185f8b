// Package harness runs the two-peer stream transfer scenario.
//
// Peer A (receiver) and peer B (sender) each bind one endpoint on loopback
// and open one stream to the other. B writes a single payload, A folds every
// delivery into a rolling hash, and both peers then tear down stream first,
// endpoint second. The run passes when both digests and the byte count
// match and every lifecycle notification fired exactly once, in order.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/TeoSlayer/streamperf/pkg/reactor"
	"github.com/TeoSlayer/streamperf/pkg/transport"
)

// Defaults used by the command line.
const (
	DefaultSize     = 50 << 20
	DefaultRecvAddr = "127.0.0.1:8081"
	DefaultSendAddr = "127.0.0.1:8082"
	DefaultRecvID   = 1
	DefaultSendID   = 2
)

// ErrAlreadyRan is returned by a second call to Scenario.Run.
var ErrAlreadyRan = errors.New("harness: scenario already ran")

// Config describes one run. Zero addresses and ids use the defaults above;
// Size is taken as given, so 0 runs the empty-payload case. The payload goes
// out as one write, so Size is limited to transport.MaxWriteSize.
type Config struct {
	Size             uint64
	RecvAddr         string // peer A
	SendAddr         string // peer B
	RecvID           uint32
	SendID           uint32
	Pattern          Pattern
	ReceiverTeardown Trigger       // "" means TriggerAck
	BufSize          int           // split the payload into buffers of this size; 0 is one buffer
	Progress         time.Duration // interval between progress lines; 0 disables them
	Transport        transport.Config
	Logger           *slog.Logger
}

func (c *Config) recvAddr() string {
	if c.RecvAddr != "" {
		return c.RecvAddr
	}
	return DefaultRecvAddr
}

func (c *Config) sendAddr() string {
	if c.SendAddr != "" {
		return c.SendAddr
	}
	return DefaultSendAddr
}

func (c *Config) recvID() uint32 {
	if c.RecvID != 0 {
		return c.RecvID
	}
	return DefaultRecvID
}

func (c *Config) sendID() uint32 {
	if c.SendID != 0 {
		return c.SendID
	}
	return DefaultSendID
}

func (c *Config) trigger() Trigger {
	if c.ReceiverTeardown == "" {
		return TriggerAck
	}
	return c.ReceiverTeardown
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Scenario holds everything one run touches. Nothing is shared between
// scenarios, so several can run side by side.
type Scenario struct {
	cfg   Config
	runID string
	log   *slog.Logger

	d  *reactor.Dispatcher
	tr *transport.Transport

	epA, epB *transport.Endpoint
	a, b     *transport.Stream

	failures  failures
	coord     *coordinator
	driver    *writeDriver
	collector *readCollector

	ran atomic.Bool
}

// New prepares a scenario. Nothing is bound until Run.
func New(cfg Config) *Scenario {
	runID := uuid.NewString()
	log := cfg.logger().With("run_id", runID)

	tcfg := cfg.Transport
	if tcfg.Logger == nil {
		tcfg.Logger = log
	}
	d := reactor.New(log)

	s := &Scenario{
		cfg:   cfg,
		runID: runID,
		log:   log,
		d:     d,
		tr:    transport.New(d, tcfg),
	}
	s.coord = newCoordinator(log, &s.failures)
	s.driver = newWriteDriver(log.With("peer", Sender), s.coord, &s.failures, cfg.trigger())
	s.collector = newReadCollector(log.With("peer", Receiver), s.coord, &s.failures, cfg.trigger(), cfg.Size, cfg.Progress)
	return s
}

// RunID identifies the run in every log line it produces.
func (s *Scenario) RunID() string { return s.runID }

// Run performs the scenario and blocks until both peers are torn down or
// ctx ends. The returned error is Result.Err; the Result is always non-nil
// unless the scenario already ran.
func (s *Scenario) Run(ctx context.Context) (*Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	res := &Result{RunID: s.runID, Size: s.cfg.Size}

	if s.cfg.Size > transport.MaxWriteSize {
		res.SetupErr = &SetupError{Stage: "payload", Peer: Sender.String(),
			Err: fmt.Errorf("size %s exceeds the single-write limit of %s",
				humanize.IBytes(s.cfg.Size), humanize.IBytes(transport.MaxWriteSize))}
		return res, res.Err()
	}

	s.log.Info("generating data", "size", humanize.IBytes(s.cfg.Size), "pattern", string(s.cfg.Pattern))
	payload, err := s.cfg.Pattern.Generate(s.cfg.Size)
	if err != nil {
		res.SetupErr = &SetupError{Stage: "payload", Peer: Sender.String(), Err: err}
		return res, res.Err()
	}

	if err := s.setup(); err != nil {
		s.log.Error("setup failed", "error", err)
		res.SetupErr = err
		s.abort()
	} else {
		start := time.Now()
		if err := s.driver.start(s.b, payload, s.cfg.BufSize); err != nil {
			s.log.Error("write failed", "error", err)
			res.WriteErr = err
			s.abort()
		} else {
			// After the write is queued: an empty payload may tear A down here.
			s.collector.begin(start)
		}
	}

	if err := s.d.Run(ctx); err != nil {
		s.log.Error("dispatcher stopped abnormally", "error", err)
		res.DispatcherErr = err
		// The close cascade can no longer run; release sockets and loops directly.
		s.tr.Stop()
	} else {
		select {
		case <-s.coord.Done():
		default:
			s.failures.add("teardown", "dispatcher drained with peers at %v", s.coord.stages())
		}
	}

	s.fill(res)
	s.report(res)
	return res, res.Err()
}

// setup binds B then A, creates and connects both streams and starts
// reading on A. Both endpoints are registered with the coordinator before
// anything can fail, so abort can always close them.
func (s *Scenario) setup() error {
	s.epA = s.tr.NewEndpoint()
	s.epB = s.tr.NewEndpoint()
	s.coord.register(Receiver, s.epA)
	s.coord.register(Sender, s.epB)

	if err := s.epB.Bind(s.cfg.sendAddr()); err != nil {
		return &SetupError{Stage: "bind", Peer: Sender.String(), Err: err}
	}
	if err := s.epA.Bind(s.cfg.recvAddr()); err != nil {
		return &SetupError{Stage: "bind", Peer: Receiver.String(), Err: err}
	}

	a, err := s.tr.NewStream(s.epA.Handle(), s.cfg.recvID(), func() { s.coord.streamClosed(Receiver) })
	if err != nil {
		return &SetupError{Stage: "stream", Peer: Receiver.String(), Err: err}
	}
	s.a = a
	s.coord.attach(Receiver, a)

	b, err := s.tr.NewStream(s.epB.Handle(), s.cfg.sendID(), func() { s.coord.streamClosed(Sender) })
	if err != nil {
		return &SetupError{Stage: "stream", Peer: Sender.String(), Err: err}
	}
	s.b = b
	s.coord.attach(Sender, b)

	if err := a.Connect(s.cfg.sendID(), s.epB.LocalAddr().String()); err != nil {
		return &SetupError{Stage: "connect", Peer: Receiver.String(), Err: err}
	}
	if err := b.Connect(s.cfg.recvID(), s.epA.LocalAddr().String()); err != nil {
		return &SetupError{Stage: "connect", Peer: Sender.String(), Err: err}
	}
	if err := a.ReadStart(s.collector.onData); err != nil {
		return &SetupError{Stage: "read", Peer: Receiver.String(), Err: err}
	}

	s.log.Info("peers connected",
		"a", s.epA.LocalAddr().String(), "a_id", s.cfg.recvID(),
		"b", s.epB.LocalAddr().String(), "b_id", s.cfg.sendID())
	return nil
}

// abort tears down whatever setup managed to create.
func (s *Scenario) abort() {
	s.coord.RequestClose(Receiver, "abort")
	s.coord.RequestClose(Sender, "abort")
}

// fill copies the observations into res. Only called after the dispatcher
// stopped, so no callback is running.
func (s *Scenario) fill(res *Result) {
	res.Written = summarize(s.driver.digest)
	res.Read = summarize(s.collector.digest)
	res.ReadComplete = s.collector.complete
	res.Stats = s.collector.stats
	res.Acked, res.AckStatus, res.AckUnordered, res.AckedAt = s.driver.result()
	res.CloseNotices = s.coord.closeNotices()
	if s.a != nil {
		res.ReceiverStream = s.a.Stats()
	}
	if s.b != nil {
		res.SenderStream = s.b.Stats()
	}
	res.Failures = s.failures.all()
}

func (s *Scenario) report(res *Result) {
	s.log.Info("digests",
		"readhash", res.Read.Hash.String(),
		"writehash", res.Written.Hash.String(),
		"read_bytes", res.Read.Bytes,
		"write_bytes", res.Written.Bytes,
		"match", res.Integrity() == nil)
	s.log.Info("run finished",
		"elapsed", res.Stats.Elapsed().String(),
		"rate", humanize.IBytes(uint64(res.Stats.Throughput()))+"/s",
		"retransmits", res.SenderStream.Retransmits+res.SenderStream.FastRetx,
		"passed", res.Passed())
	for _, f := range res.Failures {
		s.log.Error("assertion failed", "component", f.Component, "error", f.Msg)
	}
}
