package harness

import (
	"errors"
	"time"

	"github.com/TeoSlayer/streamperf/pkg/rollhash"
	"github.com/TeoSlayer/streamperf/pkg/transport"
)

// Statistics is observational only; it never affects the verdict.
type Statistics struct {
	BytesTransferred uint64
	Start            time.Time // write submitted
	LastEvent        time.Time // last delivery
}

// Elapsed is the time from write submission to the last delivery.
func (s Statistics) Elapsed() time.Duration {
	if s.LastEvent.Before(s.Start) {
		return 0
	}
	return s.LastEvent.Sub(s.Start)
}

// Throughput is in bytes per second, 0 when nothing was measured.
func (s Statistics) Throughput() float64 {
	el := s.Elapsed()
	if el <= 0 {
		return 0
	}
	return float64(s.BytesTransferred) / el.Seconds()
}

// DigestSummary is what one side folded.
type DigestSummary struct {
	Bytes  uint64
	Hash   rollhash.Hash
	Strong uint64
}

func summarize(f *rollhash.Fingerprint) DigestSummary {
	return DigestSummary{Bytes: f.Len(), Hash: f.Sum(), Strong: f.Strong()}
}

// Result is the outcome of one scenario run.
type Result struct {
	RunID string
	Size  uint64

	Written DigestSummary
	Read    DigestSummary

	Acked        bool
	AckStatus    error
	AckUnordered bool
	AckedAt      time.Time
	ReadComplete bool
	Stats        Statistics

	// CloseNotices lists the teardown stages in the order they completed.
	CloseNotices []string

	SenderStream   transport.StreamStats
	ReceiverStream transport.StreamStats

	SetupErr      error
	WriteErr      error
	DispatcherErr error
	Failures      []*AssertionError
}

// Integrity compares the two digests and the byte count against Size.
func (r *Result) Integrity() error {
	if r.Read.Bytes == r.Size && r.Written.Bytes == r.Size &&
		r.Read.Hash == r.Written.Hash && r.Read.Strong == r.Written.Strong {
		return nil
	}
	return &IntegrityError{
		WantBytes:  r.Size,
		GotBytes:   r.Read.Bytes,
		WantHash:   r.Written.Hash,
		GotHash:    r.Read.Hash,
		WantStrong: r.Written.Strong,
		GotStrong:  r.Read.Strong,
	}
}

// Err classifies the run, first match wins: setup, write, dispatcher,
// integrity, then all assertion failures joined.
func (r *Result) Err() error {
	switch {
	case r.SetupErr != nil:
		return r.SetupErr
	case r.WriteErr != nil:
		return r.WriteErr
	case r.DispatcherErr != nil:
		return r.DispatcherErr
	}
	if err := r.Integrity(); err != nil {
		return err
	}
	if len(r.Failures) > 0 {
		errs := make([]error, len(r.Failures))
		for i, f := range r.Failures {
			errs[i] = f
		}
		return errors.Join(errs...)
	}
	return nil
}

// Passed reports whether the run succeeded.
func (r *Result) Passed() bool { return r.Err() == nil }
