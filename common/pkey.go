package common

import (
	"fmt"
	"strconv"
	"strings"
)

// BucketPrimaryKey builds the primary key of the first bucket in a chain:
// "{interfaceFullName}-_{propertyName}_{hash}". indexName is expected to
// already carry its leading underscore, as derived index names do.
func BucketPrimaryKey(interfaceFullName, indexName, hash string) string {
	return fmt.Sprintf("%s-%s_%s", interfaceFullName, indexName, hash)
}

// SuccessorPrimaryKey appends the chain segment "-{n}" to the chain's base
// primary key, n starting at 1 and monotonically increasing.
func SuccessorPrimaryKey(basePK string, n int) string {
	return fmt.Sprintf("%s-%d", basePK, n)
}

// ChainBasePrimaryKey strips the trailing "-{n}" chain segment (if any),
// returning the primary key of the first bucket in the chain.
func ChainBasePrimaryKey(pk string) (string, error) {
	parsed, err := ParseBucketPrimaryKey(pk)
	if err != nil {
		return "", err
	}
	if parsed.ChainN == 0 {
		return pk, nil
	}
	return strings.TrimSuffix(pk, fmt.Sprintf("-%d", parsed.ChainN)), nil
}

// ParsedBucketKey is the decomposition of a bucket primary key.
type ParsedBucketKey struct {
	InterfaceFullName string
	IndexName         string
	Hash              string
	ChainN            int // 0 for the first bucket in a chain
}

// ParseBucketPrimaryKey extracts the index name from a bucket primary key.
// For the three-segment chained form ("{interface}-_{prop}_{hash}-{n}") the
// index name is the component between the first "-" and the last "-"; for
// the unchained two-segment form the whole remainder after the first "-" is
// the "_{prop}_{hash}" component. In both cases the hash is the final
// underscore-delimited token of that component and the index name is
// everything before it (still carrying its leading underscore).
func ParseBucketPrimaryKey(pk string) (ParsedBucketKey, error) {
	parts := strings.Split(pk, "-")
	var mid string
	var chainN int

	switch len(parts) {
	case 2:
		mid = parts[1]
	case 3:
		mid = parts[1]
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return ParsedBucketKey{}, fmt.Errorf("invalid chain segment %q in bucket key %q: %w", parts[2], pk, err)
		}
		chainN = n
	default:
		return ParsedBucketKey{}, fmt.Errorf("malformed bucket primary key %q", pk)
	}

	us := strings.LastIndex(mid, "_")
	if us < 0 {
		return ParsedBucketKey{}, fmt.Errorf("malformed bucket key component %q in %q", mid, pk)
	}

	return ParsedBucketKey{
		InterfaceFullName: parts[0],
		IndexName:         mid[:us],
		Hash:              mid[us+1:],
		ChainN:            chainN,
	}, nil
}
