package types

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint is the deterministic cache key for one (stream, payload,
// strategy) combination. Two segments with the same payload and strategy in
// the same stream always map to the same fingerprint, no matter when or how
// often they arrive.
type Fingerprint string

// NewFingerprint digests the identifying fields into a cache key. Each field
// is length-prefixed so that ("ab","c") and ("a","bc") cannot collide.
func NewFingerprint(streamID string, payload []byte, strategy string) Fingerprint {
	h := sha256.New()
	writeField(h, []byte(streamID))
	writeField(h, payload)
	writeField(h, []byte(strategy))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Short returns a truncated form for log fields.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

func (f Fingerprint) String() string { return string(f) }
