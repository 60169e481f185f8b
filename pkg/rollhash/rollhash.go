// Package rollhash folds arbitrarily long byte streams into fixed-size
// digests without retaining the stream.
//
// Hash is a 64-bit FNV-1a accumulator: folding is chunk-boundary independent,
// so Fold(Fold(Seed, a), b) == Fold(Seed, append(a, b...)) for any a, b.
// Fingerprint pairs it with an xxhash64 digest so two independent functions
// can be compared at the end of a transfer.
package rollhash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash is the running value of a rolling hash.
type Hash uint64

const (
	// Seed is the initial running value (FNV-1a 64-bit offset basis).
	Seed Hash = 0xcbf29ce484222325
	prime     = 0x100000001b3
)

// Fold combines h with the bytes of chunk. An empty chunk returns h.
func Fold(h Hash, chunk []byte) Hash {
	for _, b := range chunk {
		h ^= Hash(b)
		h *= prime
	}
	return h
}

func (h Hash) String() string { return fmt.Sprintf("%016x", uint64(h)) }

// Digest accumulates a rolling hash and the number of bytes folded into it.
// The zero value is not ready for use; call NewDigest.
type Digest struct {
	sum Hash
	n   uint64
}

// NewDigest returns a digest holding Seed.
func NewDigest() Digest { return Digest{sum: Seed} }

// Write folds p into the digest. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	d.sum = Fold(d.sum, p)
	d.n += uint64(len(p))
	return len(p), nil
}

// Sum returns the hash of everything written so far.
func (d *Digest) Sum() Hash { return d.sum }

// Len returns the number of bytes written.
func (d *Digest) Len() uint64 { return d.n }

// Fingerprint is a rolling Digest plus an xxhash64 over the same bytes.
type Fingerprint struct {
	Digest
	xx *xxhash.Digest
}

// NewFingerprint returns an empty fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{Digest: NewDigest(), xx: xxhash.New()}
}

// Write folds p into both digests. It never fails.
func (f *Fingerprint) Write(p []byte) (int, error) {
	f.Digest.Write(p)
	return f.xx.Write(p)
}

// Strong returns the xxhash64 of everything written so far.
func (f *Fingerprint) Strong() uint64 { return f.xx.Sum64() }
