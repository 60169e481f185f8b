package harness

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
	"github.com/TeoSlayer/streamperf/pkg/rollhash"
	"github.com/TeoSlayer/streamperf/pkg/transport"
)

// Pattern selects the payload content.
type Pattern string

const (
	PatternZero     Pattern = "zero"     // all zero bytes
	PatternSequence Pattern = "sequence" // byte i is i mod 251
	PatternRandom   Pattern = "random"   // crypto/rand
)

func (p *Pattern) String() string { return string(*p) }
func (p *Pattern) Type() string   { return "pattern" }

func (p *Pattern) Set(v string) error {
	switch Pattern(v) {
	case PatternZero, PatternSequence, PatternRandom:
		*p = Pattern(v)
		return nil
	}
	return fmt.Errorf("unknown payload pattern %q (want zero, sequence or random)", v)
}

// Generate returns n bytes of the pattern. An empty pattern means zero.
func (p Pattern) Generate(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	switch p {
	case "", PatternZero:
	case PatternSequence:
		for i := range buf {
			buf[i] = byte(i % 251)
		}
	case PatternRandom:
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("random payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown payload pattern %q", string(p))
	}
	return buf, nil
}

// split cuts payload into buffers of at most size bytes. size <= 0 keeps a
// single buffer.
func split(payload []byte, size int) [][]byte {
	if size <= 0 || len(payload) <= size {
		return [][]byte{payload}
	}
	bufs := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		bufs = append(bufs, payload[off:min(off+size, len(payload))])
	}
	return bufs
}

// writeDriver owns the payload, folds it into the write-side digest and
// submits it as one write on the sending stream.
type writeDriver struct {
	log      *slog.Logger
	coord    *coordinator
	failures *failures
	trigger  Trigger // receiver teardown trigger

	digest *rollhash.Fingerprint

	mu        sync.Mutex // written on the sender's queue, read after the run
	acks      int
	status    error
	unordered bool
	ackedAt   time.Time
}

func newWriteDriver(log *slog.Logger, coord *coordinator, f *failures, trigger Trigger) *writeDriver {
	return &writeDriver{
		log:      log,
		coord:    coord,
		failures: f,
		trigger:  trigger,
		digest:   rollhash.NewFingerprint(),
	}
}

// start folds payload and writes it on s.
func (w *writeDriver) start(s *transport.Stream, payload []byte, bufSize int) error {
	w.digest.Write(payload)
	bufs := split(payload, bufSize)
	w.log.Info("writing data",
		"size", humanize.IBytes(uint64(len(payload))),
		"buffers", len(bufs),
		"hash", w.digest.Sum().String())

	if _, err := s.Write(bufs, w.onAcked); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// onAcked runs once on the sender's queue.
func (w *writeDriver) onAcked(req *transport.WriteRequest, status error, unordered bool) {
	w.mu.Lock()
	w.acks++
	n := w.acks
	if n == 1 {
		w.status = status
		w.unordered = unordered
		w.ackedAt = time.Now()
	}
	w.mu.Unlock()
	if n > 1 {
		w.failures.add("writer", "write acknowledged %d times", n)
		return
	}

	w.log.Info("write acked", "status", statusString(status), "unordered", unordered, "bytes", req.Len())
	switch {
	case status == nil:
	case errors.Is(status, protocol.ErrCanceled) && w.coord.requested(Sender):
		w.log.Info("write cancellation tolerated, teardown already requested")
	default:
		w.failures.add("writer", "write acknowledged with status %v", status)
	}

	w.coord.RequestClose(Sender, "write acknowledged")
	if w.trigger != TriggerReadComplete {
		w.coord.RequestClose(Receiver, "peer write acknowledged")
	}
}

func (w *writeDriver) result() (acked bool, status error, unordered bool, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acks > 0, w.status, w.unordered, w.ackedAt
}

func statusString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
