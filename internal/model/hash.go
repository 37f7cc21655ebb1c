package model

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/xxh3"
)

// Hash128 is a 128-bit content hash of canonicalized JSON configuration.
// Equipment Handles are allocated from a counter in equipment.Tree and
// Remote identities come from each driver's UniqueRemoteID; neither is
// derived from this hash. Go's encoding/json sorts object keys at every nesting level, so
// hashing its output is deterministic without any manual canonicalization
// step.
type Hash128 [16]byte

// HashJSON marshals v to canonical JSON and returns its xxh3-128 hash.
func HashJSON(v any) (Hash128, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return Hash128{}, err
	}
	return HashBytes(canonical), nil
}

// HashBytes computes the xxh3-128 hash of data directly.
func HashBytes(data []byte) Hash128 {
	h128 := xxh3.Hash128(data)
	var h Hash128
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}

// Hex returns the lowercase hex encoding of h.
func (h Hash128) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash128) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash.
func (h Hash128) IsZero() bool {
	return h == Hash128{}
}
