// Package session implements the session cache and prefix router: SessionId
// (a streaming content hash over bytes already fed to a backend session),
// the prefix-matching algorithm that lets a new chat turn reuse an existing
// session, and the per-model cache of perishable sessions.
package session

import (
	"github.com/cespare/xxhash/v2"
)

// ID is a streaming content hash of the exact byte sequence already fed to
// a backend session. Equality requires both the byte count and the digest
// to match. xxhash's Digest gives an allocation-light streaming Write/Sum64;
// ID widens that to a wider digest by keeping two independently-seeded
// streams rather than inventing a new hash primitive (see DESIGN.md).
type ID struct {
	a, b *xxhash.Digest
	lenB int
}

// NewID constructs an empty id ready to have context written into it.
func NewID() *ID {
	a := xxhash.New()
	b := xxhash.New()
	// Seed the second stream differently so (a, b) behave as two
	// independent 64-bit digests rather than a trivially-correlated pair.
	_, _ = b.Write([]byte{0x5a})
	return &ID{a: a, b: b}
}

// Hash extends the id with additional bytes. The digest always reflects
// the exact byte sequence already fed to the associated backend session.
func (id *ID) Hash(p []byte) {
	_, _ = id.a.Write(p)
	_, _ = id.b.Write(p)
	id.lenB += len(p)
}

// Len returns the number of bytes consumed so far.
func (id *ID) Len() int { return id.lenB }

// Key is the comparable, map-safe snapshot of an ID's current state.
type Key struct {
	lo, hi uint64
	length int
}

// Key snapshots the id's current digest state for use as a map key. Unlike
// ID itself (which holds live hash.Hash64 state and keeps mutating), Key is
// an immutable value safe to store and compare.
func (id *ID) Key() Key {
	return Key{lo: id.a.Sum64(), hi: id.b.Sum64(), length: id.lenB}
}

// Equal reports whether two keys represent the same consumed byte sequence.
func (k Key) Equal(other Key) bool {
	return k.length == other.length && k.lo == other.lo && k.hi == other.hi
}
