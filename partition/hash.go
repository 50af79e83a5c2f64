package partition

import (
	"fmt"

	"github.com/couchbase/grainidx/common"
)

// HashScheme routes a key to one of N partitions:
//
//	partition(key) = fmt(hash(key) mod N)  when N > 0
//	partition(key) = fmt(hash(key))        when N == 0 (per-key)
type HashScheme struct {
	SchemeName string
	N          uint32
}

func NewHashScheme(name string, n uint32) *HashScheme {
	return &HashScheme{SchemeName: name, N: n}
}

func (h *HashScheme) Name() string           { return h.SchemeName }
func (h *HashScheme) Kind() common.IndexKind { return common.Hash }

// Partition is stable across process runs: it is built entirely on the
// bit-exact common.StableHash{String,Value}.
func (h *HashScheme) Partition(key interface{}) (string, error) {
	hash, err := common.StableHashValue(key)
	if err != nil {
		return "", fmt.Errorf("partition.HashScheme: %w", err)
	}
	if h.N == 0 {
		return fmt.Sprintf("%d", hash), nil
	}
	return fmt.Sprintf("%d", hash%h.N), nil
}

var _ Hash = (*HashScheme)(nil)
