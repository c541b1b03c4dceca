// Package fingerprint computes the BLAKE3 digest used as the lookup
// fingerprint over normalized inputs (spec.md §3.3, §4.2). It has no
// teacher equivalent — the teacher hashes whole segment files for
// integrity, not individual event payloads for content-addressing — so
// the digest-over-bytes shape here is adapted from the segment checksum
// idiom in pkg/buffer/disk_buffer.go, swapped from SHA-256 to BLAKE3 per
// the fingerprint algorithm spec.md §4.2 mandates.
package fingerprint

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is a BLAKE3-256 fingerprint over normalized input bytes.
type Digest [Size]byte

// Of hashes already-normalized, canonical bytes. Callers must pass the
// output of normalize.Normalizer.Normalize, never raw unnormalized
// payloads, or fingerprints will not be stable across equivalent inputs.
func Of(canonical []byte) Digest {
	sum := blake3.Sum256(canonical)
	var d Digest
	copy(d[:], sum[:])
	return d
}

// String renders the digest as lowercase hex, the form persisted in
// events and manifests.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest, used to detect an
// unset/uncomputed fingerprint field.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a hex-encoded digest string, as read back from an event
// or manifest file.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != Size {
		return d, &ErrBadLength{Got: len(b)}
	}
	copy(d[:], b)
	return d, nil
}

// ErrBadLength reports a fingerprint string that decoded to the wrong
// number of bytes.
type ErrBadLength struct {
	Got int
}

func (e *ErrBadLength) Error() string {
	return "fingerprint: decoded length mismatch"
}

// Hasher incrementally hashes a sequence of byte chunks into one digest,
// used when normalization streams large payloads (e.g. bulky tool
// outputs) instead of materializing them whole.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh incremental BLAKE3 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write feeds another chunk into the running digest. Never returns an
// error; it satisfies io.Writer for convenience.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes and returns the digest without mutating further state,
// matching hash.Hash semantics.
func (h *Hasher) Sum() Digest {
	var d Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}
