package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/streamperf/pkg/reactor"
	"github.com/TeoSlayer/streamperf/pkg/rollhash"
	"github.com/TeoSlayer/streamperf/pkg/transport"
)

func testConfig(size uint64) Config {
	return Config{
		Size:     size,
		RecvAddr: "127.0.0.1:0",
		SendAddr: "127.0.0.1:0",
		Pattern:  PatternSequence,
		Logger:   slog.New(slog.DiscardHandler),
	}
}

func runScenario(t *testing.T, cfg Config) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := New(cfg).Run(ctx)
	require.NotNil(t, res)
	require.NoError(t, err)
	return res
}

// assertCascade checks that both peers closed stream first, endpoint second.
func assertCascade(t *testing.T, res *Result) {
	t.Helper()
	require.Len(t, res.CloseNotices, 4, "notices: %v", res.CloseNotices)
	for _, peer := range []string{"A", "B"} {
		stream := slices.Index(res.CloseNotices, peer+" stream closed")
		ep := slices.Index(res.CloseNotices, peer+" endpoint closed")
		require.NotEqual(t, -1, stream, peer)
		require.NotEqual(t, -1, ep, peer)
		assert.Less(t, stream, ep, "peer %s closed its endpoint before its stream", peer)
	}
}

func TestEmptyPayload(t *testing.T) {
	t.Parallel()
	res := runScenario(t, testConfig(0))

	assert.True(t, res.ReadComplete)
	assert.True(t, res.Acked)
	assert.NoError(t, res.AckStatus)
	assert.Zero(t, res.Read.Bytes)
	assert.Equal(t, rollhash.Seed, res.Read.Hash)
	assert.Equal(t, res.Written, res.Read)
	assert.Empty(t, res.Failures)
	assertCascade(t, res)
}

func TestTransferSequence(t *testing.T) {
	t.Parallel()
	const size = 256 << 10
	res := runScenario(t, testConfig(size))

	assert.True(t, res.Passed())
	assert.True(t, res.ReadComplete)
	assert.Equal(t, uint64(size), res.Read.Bytes)
	assert.Equal(t, uint64(size), res.Stats.BytesTransferred)
	assert.Equal(t, res.Written.Hash, res.Read.Hash)
	assert.Equal(t, res.Written.Strong, res.Read.Strong)
	assert.NoError(t, res.AckStatus)
	assert.False(t, res.AckedAt.IsZero())
	assert.Equal(t, uint64(size), res.SenderStream.BytesSent)
	assert.Equal(t, uint64(size), res.ReceiverStream.BytesRecv)
	assert.NotEmpty(t, res.RunID)
	assertCascade(t, res)
}

func TestTransferRandomMultiBuffer(t *testing.T) {
	t.Parallel()
	cfg := testConfig(300_000)
	cfg.Pattern = PatternRandom
	cfg.BufSize = 10_000
	res := runScenario(t, cfg)

	assert.Equal(t, res.Written, res.Read)
	assertCascade(t, res)
}

func TestReadCompleteTrigger(t *testing.T) {
	t.Parallel()
	cfg := testConfig(128 << 10)
	cfg.ReceiverTeardown = TriggerReadComplete
	res := runScenario(t, cfg)

	assert.True(t, res.ReadComplete)
	assert.NoError(t, res.AckStatus)
	assert.Equal(t, res.Written, res.Read)
	assertCascade(t, res)
}

func TestEmptyPayloadReadCompleteTrigger(t *testing.T) {
	t.Parallel()
	cfg := testConfig(0)
	cfg.ReceiverTeardown = TriggerReadComplete
	res := runScenario(t, cfg)

	assert.True(t, res.ReadComplete)
	assert.True(t, res.Acked)
	assertCascade(t, res)
}

func TestTransferFragmented(t *testing.T) {
	t.Parallel()
	for _, mss := range []int{100, 1000, 1400} {
		mss := mss
		t.Run(fmt.Sprintf("mss=%d", mss), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(64 << 10)
			cfg.Transport = transport.Config{MSS: mss}
			res := runScenario(t, cfg)

			assert.Equal(t, res.Written, res.Read)
			assert.GreaterOrEqual(t, res.ReceiverStream.SegsRecv, uint64((64<<10)/mss))
		})
	}
}

func TestBindAddressInUse(t *testing.T) {
	t.Parallel()
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(1024)
	cfg.RecvAddr = taken.LocalAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := New(cfg).Run(ctx)

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "bind", setupErr.Stage)
	assert.Equal(t, "A", setupErr.Peer)
	var bindErr *transport.BindError
	assert.ErrorAs(t, err, &bindErr)

	require.NotNil(t, res)
	assert.False(t, res.Acked, "nothing may be written after a setup failure")
	assert.Nil(t, res.DispatcherErr)
	assert.Empty(t, res.Failures)
	assert.ElementsMatch(t, []string{"A endpoint closed", "B endpoint closed"}, res.CloseNotices)
}

func TestMalformedAddress(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1024)
	cfg.SendAddr = "not-an-address"
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := New(cfg).Run(ctx)

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "bind", setupErr.Stage)
	assert.Equal(t, "B", setupErr.Peer)
}

// freeAddr returns a loopback UDP address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func TestCanceledRunReleasesSockets(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1 << 20)
	cfg.RecvAddr = freeAddr(t)
	cfg.SendAddr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(cfg).Run(ctx)

	var dispErr *reactor.DispatcherError
	require.ErrorAs(t, err, &dispErr)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Same(t, dispErr, res.DispatcherErr)
	assert.False(t, res.Passed())

	for _, addr := range []string{cfg.RecvAddr, cfg.SendAddr} {
		pc, err := net.ListenPacket("udp", addr)
		require.NoError(t, err, "%s still bound after Run returned", addr)
		require.NoError(t, pc.Close())
	}
}

func TestTransferUnderSocketPressure(t *testing.T) {
	t.Parallel()
	// Small socket buffers drop datagrams on loopback, so the transfer has to
	// survive repeated loss recovery without giving up on the stream.
	for i := 0; i < 2; i++ {
		t.Run(fmt.Sprintf("run=%d", i), func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(4 << 20)
			cfg.Pattern = PatternRandom
			cfg.Transport = transport.Config{SocketBuffer: 256 << 10}
			res := runScenario(t, cfg)

			assert.Equal(t, res.Written, res.Read)
			assert.NoError(t, res.AckStatus)
			assertCascade(t, res)
		})
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	t.Parallel()
	res, err := New(testConfig(transport.MaxWriteSize + 1)).Run(context.Background())

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "payload", setupErr.Stage)
	assert.Contains(t, err.Error(), "single-write limit")
	require.NotNil(t, res)
	assert.False(t, res.Acked)
	assert.Empty(t, res.CloseNotices, "nothing is bound for a payload that cannot be sent")
}

func TestScenarioRunsOnce(t *testing.T) {
	t.Parallel()
	s := New(testConfig(0))
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRan)
}

func TestDefaultSizeTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("50 MiB transfer")
	}
	t.Parallel()
	cfg := testConfig(DefaultSize)
	cfg.Pattern = PatternZero
	res := runScenario(t, cfg)

	assert.Equal(t, uint64(DefaultSize), res.Read.Bytes)
	assert.Equal(t, res.Written.Hash, res.Read.Hash)
	assertCascade(t, res)
}
