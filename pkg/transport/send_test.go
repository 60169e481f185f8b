package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/streamperf/pkg/protocol"
)

func newSendState(cfg Config) *sendState {
	ss := &sendState{}
	ss.init(&cfg)
	return ss
}

func trackN(ss *sendState, n, size int) {
	for i := 0; i < n; i++ {
		ss.track(make([]byte, size))
	}
}

func age(ss *sendState, d time.Duration) {
	for _, e := range ss.unacked {
		e.sentAt = e.sentAt.Add(-d)
	}
}

func TestCumulativeAckTrimsQueue(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{})
	var st streamCounters
	trackN(ss, 4, 100)
	assert.Equal(t, 400, ss.inFlight)

	retx, advanced := ss.onAck(250, 10, true, nil, &st)
	assert.True(t, advanced)
	assert.Empty(t, retx)
	assert.Equal(t, 150, ss.inFlight)
	require.Len(t, ss.unacked, 2)
	assert.Equal(t, uint32(250), ss.unacked[0].seq, "straddling segment keeps its tail")
	assert.Len(t, ss.unacked[0].data, 50)

	// Stale and future ACKs are ignored.
	_, advanced = ss.onAck(100, 10, true, nil, &st)
	assert.False(t, advanced)
	_, advanced = ss.onAck(1000, 10, true, nil, &st)
	assert.False(t, advanced)
	assert.Equal(t, uint32(250), ss.acked())
}

func TestThirdDupAckRetransmits(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{})
	var st streamCounters
	trackN(ss, 4, 100)
	ss.onAck(100, 10, true, nil, &st)

	for i := 0; i < 2; i++ {
		retx, _ := ss.onAck(100, 10, true, nil, &st)
		assert.Empty(t, retx)
	}
	retx, _ := ss.onAck(100, 10, true, nil, &st)
	require.Len(t, retx, 1)
	assert.Equal(t, uint32(100), retx[0].seq)
	assert.True(t, ss.inRecovery)
	assert.Equal(t, uint64(3), st.dupACKs.Load())
	assert.Equal(t, uint64(1), st.fastRetx.Load())
}

func TestWindowUpdateIsNotDupAck(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{})
	var st streamCounters
	trackN(ss, 2, 100)
	ss.onAck(0, 32, true, nil, &st)
	ss.onAck(0, 64, true, nil, &st)
	assert.Zero(t, st.dupACKs.Load())
	assert.Equal(t, 64*ss.mss, ss.peerWin)
}

func TestSACKRetransmitsHoles(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{})
	var st streamCounters
	trackN(ss, 4, 100)
	age(ss, time.Second)

	retx, advanced := ss.onAck(0, 10, true, []protocol.SACKBlock{{Left: 200, Right: 400}}, &st)
	assert.False(t, advanced)
	require.Len(t, retx, 2)
	assert.Equal(t, uint32(0), retx[0].seq)
	assert.Equal(t, uint32(100), retx[1].seq)
	assert.True(t, ss.unacked[2].sacked)
	assert.True(t, ss.unacked[3].sacked)
	assert.Equal(t, uint64(1), st.sackRecv.Load())
}

func TestExpiredBacksOff(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{MaxRetxAttempts: 3})
	trackN(ss, 1, 100)

	_, ok, err := ss.expired(time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "not yet timed out")

	age(ss, 2*InitialRTO)
	seg, ok, err := ss.expired(time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), seg.seq)
	assert.Equal(t, 2*InitialRTO, ss.rto)

	// One retransmission per RTO period.
	_, ok, _ = ss.expired(time.Now())
	assert.False(t, ok)

	ss.unacked[0].timeouts = 3
	ss.lastRetx = time.Time{}
	age(ss, 10*InitialRTO)
	_, _, err = ss.expired(time.Now())
	assert.ErrorIs(t, err, protocol.ErrRetransmitMax)
}

func TestOnlyTimeoutsExhaustRetransmits(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{MaxRetxAttempts: 3})
	trackN(ss, 1, 100)
	ss.unacked[0].attempts = 50 // many fast retransmissions

	for i := 0; i < 3; i++ {
		ss.lastRetx = time.Time{}
		age(ss, 2*RTOMax)
		_, ok, err := ss.expired(time.Now())
		require.NoError(t, err, "timeout %d", i+1)
		require.True(t, ok)
	}
	assert.Equal(t, 3, ss.unacked[0].timeouts)

	ss.lastRetx = time.Time{}
	age(ss, 2*RTOMax)
	_, _, err := ss.expired(time.Now())
	assert.ErrorIs(t, err, protocol.ErrRetransmitMax)
}

func TestRepeatedSACKsResendHoleOncePerRTO(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{MaxRetxAttempts: 8})
	var st streamCounters
	trackN(ss, 4, 100)
	age(ss, time.Second)
	sack := []protocol.SACKBlock{{Left: 200, Right: 400}}

	resent := 0
	for i := 0; i < 20; i++ {
		retx, _ := ss.onAck(0, 10, true, sack, &st)
		resent += len(retx)
	}
	assert.Equal(t, 2, resent, "each hole goes out once within one RTO")
	assert.Equal(t, 2, ss.unacked[0].attempts)
	assert.Zero(t, ss.unacked[0].timeouts)

	// A later RTO expiry is a retransmission, not a give-up.
	ss.lastRetx = time.Time{}
	age(ss, 2*RTOMax)
	seg, ok, err := ss.expired(time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0), seg.seq)

	// Once an RTO has passed since the last recovery resend, SACKs may resend again.
	for _, e := range ss.unacked {
		e.recoverAt = e.recoverAt.Add(-2 * RTOMax)
	}
	age(ss, time.Second)
	retx, _ := ss.onAck(0, 10, true, sack, &st)
	assert.NotEmpty(t, retx)
}

func TestCongestionWindowGrows(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{MSS: 1000, MaxCongWin: 100000})
	var st streamCounters
	start := ss.cwnd
	assert.Equal(t, InitialCongSegments*1000, start)

	trackN(ss, 5, 1000)
	ss.onAck(5000, 10, true, nil, &st)
	assert.Equal(t, start+5000, ss.cwnd, "slow start grows by bytes acked")

	ss.cwnd = ss.maxCongWin
	trackN(ss, 1, 1000)
	ss.onAck(6000, 10, true, nil, &st)
	assert.Equal(t, ss.maxCongWin, ss.cwnd)
}

func TestUpdateRTTClamps(t *testing.T) {
	t.Parallel()
	ss := newSendState(Config{})
	ss.updateRTT(time.Millisecond)
	assert.Equal(t, RTOMin, ss.rto)
	ss.updateRTT(time.Minute)
	assert.Equal(t, RTOMax, ss.rto)
}
