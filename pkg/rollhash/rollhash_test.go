package rollhash

import (
	"bytes"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFoldKnownVectors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Seed, Fold(Seed, nil))
	assert.Equal(t, Seed, Fold(Seed, []byte{}))
	assert.Equal(t, Hash(0xaf63dc4c8601ec8c), Fold(Seed, []byte("a")))
	assert.Equal(t, Hash(0x85944171f73967e8), Fold(Seed, []byte("foobar")))
	assert.Equal(t, "af63dc4c8601ec8c", Fold(Seed, []byte("a")).String())
}

func TestFoldChunkBoundariesDoNotMatter(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.SliceOf(rapid.Byte()).Draw(t, "a")
		b := rapid.SliceOf(rapid.Byte()).Draw(t, "b")

		joined := append(append([]byte{}, a...), b...)
		if got, want := Fold(Fold(Seed, a), b), Fold(Seed, joined); got != want {
			t.Fatalf("fold(fold(seed,a),b)=%s, fold(seed,a||b)=%s", got, want)
		}
	})
}

func TestFoldArbitraryChunking(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "data")
		whole := Fold(Seed, data)

		h := Seed
		rest := data
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			h = Fold(h, rest[:n])
			rest = rest[n:]
		}
		if h != whole {
			t.Fatalf("chunked fold %s != whole fold %s", h, whole)
		}
	})
}

func TestFoldOrderSensitive(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "a")
		b := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "b")
		ab := append(append([]byte{}, a...), b...)
		ba := append(append([]byte{}, b...), a...)
		if bytes.Equal(ab, ba) {
			return // identical permutation
		}
		if Fold(Seed, ab) == Fold(Seed, ba) {
			t.Fatalf("swapping chunks %x and %x left the hash unchanged", a, b)
		}
	})
}

func TestDigestTracksLength(t *testing.T) {
	t.Parallel()
	d := NewDigest()
	n, err := d.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	d.Write([]byte("world"))

	assert.Equal(t, uint64(11), d.Len())
	assert.Equal(t, Fold(Seed, []byte("hello world")), d.Sum())
}

func TestFingerprintMatchesBothFunctions(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 1<<16)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	f := NewFingerprint()
	for off := 0; off < len(payload); off += 1000 {
		end := min(off+1000, len(payload))
		f.Write(payload[off:end])
	}

	assert.Equal(t, Fold(Seed, payload), f.Sum())
	assert.Equal(t, uint64(len(payload)), f.Len())
	assert.Equal(t, xxhash.Sum64(payload), f.Strong())
}
