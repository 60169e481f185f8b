package harness

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/TeoSlayer/streamperf/pkg/rollhash"
)

// readCollector folds every delivery on the receiving stream into the
// read-side digest. Deliveries run on the receiver's queue one at a time;
// the scenario reads the fields only after the dispatcher has stopped.
type readCollector struct {
	log      *slog.Logger
	coord    *coordinator
	failures *failures
	trigger  Trigger

	expected uint64
	progress time.Duration // 0 disables progress lines

	digest    *rollhash.Fingerprint
	stats     Statistics
	complete  bool
	lastPrint time.Time
	lastBytes uint64
}

func newReadCollector(log *slog.Logger, coord *coordinator, f *failures, trigger Trigger, expected uint64, progress time.Duration) *readCollector {
	return &readCollector{
		log:      log,
		coord:    coord,
		failures: f,
		trigger:  trigger,
		expected: expected,
		progress: progress,
		digest:   rollhash.NewFingerprint(),
	}
}

// begin stamps the start time. An empty payload is complete right away.
func (r *readCollector) begin(now time.Time) {
	r.stats.Start = now
	r.stats.LastEvent = now
	r.lastPrint = now
	if r.expected == 0 {
		r.markComplete()
	}
}

// onData is the receiving stream's delivery callback.
func (r *readCollector) onData(readLen int, buf []byte) {
	if readLen != len(buf) {
		r.failures.add("reader", "delivery reports %d bytes, buffer holds %d", readLen, len(buf))
	}
	if len(buf) == 0 {
		r.failures.add("reader", "empty delivery")
		return
	}

	now := time.Now()
	r.stats.BytesTransferred += uint64(len(buf))
	r.stats.LastEvent = now
	r.digest.Write(buf)

	if r.stats.BytesTransferred > r.expected {
		r.failures.add("reader", "read %d bytes, more than the %d written", r.stats.BytesTransferred, r.expected)
	}
	r.maybePrint(now)
	if r.stats.BytesTransferred == r.expected {
		r.markComplete()
	}
}

func (r *readCollector) markComplete() {
	if r.complete {
		return
	}
	r.complete = true
	r.log.Info("read all bytes",
		"bytes", humanize.IBytes(r.stats.BytesTransferred),
		"elapsed", r.stats.Elapsed().String(),
		"rate", humanize.IBytes(uint64(r.stats.Throughput()))+"/s")
	if r.trigger == TriggerReadComplete {
		r.coord.RequestClose(Receiver, "read complete")
	}
}

func (r *readCollector) maybePrint(now time.Time) {
	if r.progress <= 0 || now.Sub(r.lastPrint) < r.progress {
		return
	}
	delta := r.stats.BytesTransferred - r.lastBytes
	rate := float64(delta) / now.Sub(r.lastPrint).Seconds()
	r.log.Info("progress",
		"read", humanize.IBytes(r.stats.BytesTransferred),
		"of", humanize.IBytes(r.expected),
		"rate", humanize.IBytes(uint64(rate))+"/s")
	r.lastPrint = now
	r.lastBytes = r.stats.BytesTransferred
}
