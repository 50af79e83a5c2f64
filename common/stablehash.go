package common

import (
	"encoding/json"
	"unicode/utf16"

	"github.com/prataprc/collatejson"
)

// stableHashSeed is (5381 << 16) + 5381. Declared as uint32 so the
// shifts/adds below wrap with unchecked 32-bit arithmetic.
const stableHashSeed uint32 = (5381 << 16) + 5381

// StableHashString is a bit-exact, non-randomized string hash, so that a
// router's Partition(v) is stable across process restarts and across
// independent implementations of the wire contract. String characters are
// taken as UTF-16 code units (the algorithm's origin is a classic
// char-by-char .NET string hash), folded two-at-a-time into two running
// accumulators.
func StableHashString(s string) uint32 {
	units := utf16.Encode([]rune(s))
	h1 := stableHashSeed
	h2 := stableHashSeed

	for i := 0; i < len(units); i += 2 {
		h1 = ((h1 << 5) + h1) ^ uint32(units[i])
		if i+1 < len(units) {
			h2 = ((h2 << 5) + h2) ^ uint32(units[i+1])
		}
	}
	return h1 + h2*1566083941
}

// StableHashBytes applies the same two-accumulator folding to an arbitrary
// byte slice: non-string keys hash a canonical encoding of the value, with
// bytes standing in for the UTF-16 code units above.
func StableHashBytes(b []byte) uint32 {
	h1 := stableHashSeed
	h2 := stableHashSeed

	for i := 0; i < len(b); i += 2 {
		h1 = ((h1 << 5) + h1) ^ uint32(b[i])
		if i+1 < len(b) {
			h2 = ((h2 << 5) + h2) ^ uint32(b[i+1])
		}
	}
	return h1 + h2*1566083941
}

// collateCodec produces an order-preserving byte encoding of a JSON value
// for index key comparison. A single shared codec is
// safe for concurrent use: Encode only reads its dictionary-sized scratch
// buffer, it never mutates codec-owned state across calls beyond that.
var collateCodec = collatejson.NewCodec(16)

// CanonicalEncode returns the order-preserving byte encoding of v, used both
// as the comparison key for sorted buckets and as the input to
// StableHashBytes for non-string hash keys.
func CanonicalEncode(v interface{}) ([]byte, error) {
	text, err := json.Marshal([]interface{}{v})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(text)*3+16)
	return collateCodec.Encode(text, buf)
}

// StableHashValue hashes an arbitrary JSON-representable value by first
// canonicalizing it to byte-comparable form and then folding those bytes the
// same way StableHashString folds UTF-16 units.
func StableHashValue(v interface{}) (uint32, error) {
	if s, ok := v.(string); ok {
		return StableHashString(s), nil
	}
	enc, err := CanonicalEncode(v)
	if err != nil {
		return 0, err
	}
	return StableHashBytes(enc), nil
}
