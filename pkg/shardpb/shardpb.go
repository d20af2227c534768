// Package shardpb defines the wire-free value types shared by every
// layer of the multishard coordinator: tokens, decorated keys,
// partition ranges, mutation fragments and read commands.
package shardpb

import (
	"bytes"

	"github.com/google/uuid"
)

// ShardID identifies a shard (a single-core execution context) on the
// local node.
type ShardID int

// Token is the hash of a partition key used to place it on a shard.
type Token uint64

// PartitionKey pairs a partition key with its token, i.e. a decorated
// key.
type PartitionKey struct {
	Key   []byte
	Token Token
}

// Compare orders two partition keys by (token, key), which is the
// ordering the combining reader merges on.
func (k PartitionKey) Compare(o PartitionKey) int {
	if k.Token != o.Token {
		if k.Token < o.Token {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Key, o.Key)
}

// ClusteringKey identifies a row within a partition.
type ClusteringKey struct {
	Values []byte
}

// Compare orders two clustering keys lexicographically; reversed is the
// responsibility of the caller (it is expected to flip the sign when
// the slice is reversed).
func (c ClusteringKey) Compare(o ClusteringKey) int {
	return bytes.Compare(c.Values, o.Values)
}

// RangeBound is one end of a PartitionRange.
type RangeBound struct {
	Token     Token
	Inclusive bool
}

// PartitionRange is a possibly-unbounded interval of tokens. A nil
// Start or End means unbounded on that side.
type PartitionRange struct {
	Start *RangeBound
	End   *RangeBound
}

// Contains reports whether t falls within the range.
func (r PartitionRange) Contains(t Token) bool {
	if r.Start != nil {
		if t < r.Start.Token || (t == r.Start.Token && !r.Start.Inclusive) {
			return false
		}
	}
	if r.End != nil {
		if t > r.End.Token || (t == r.End.Token && !r.End.Inclusive) {
			return false
		}
	}
	return true
}

// FullRange is the unbounded (-inf, +inf) range.
func FullRange() PartitionRange { return PartitionRange{} }

// RangeVector is an ordered, disjoint, ascending list of partition
// ranges.
type RangeVector []PartitionRange

// Clone returns a shallow copy safe to mutate the slice (not the
// bounds) independently of the original.
func (rv RangeVector) Clone() RangeVector {
	out := make(RangeVector, len(rv))
	copy(out, rv)
	return out
}

// SchemaVersion identifies a point-in-time schema.
type SchemaVersion [16]byte

// Slice selects the columns and clustering bounds a read is restricted
// to.
type Slice struct {
	Columns          []string
	ClusteringLower  *ClusteringKey
	ClusteringUpper  *ClusteringKey
	IsReversed       bool
}

// FragmentKind enumerates the five mutation fragment variants.
type FragmentKind int

const (
	PartitionStart FragmentKind = iota
	StaticRow
	ClusteringRow
	RangeTombstoneChange
	PartitionEnd
)

func (k FragmentKind) String() string {
	switch k {
	case PartitionStart:
		return "partition_start"
	case StaticRow:
		return "static_row"
	case ClusteringRow:
		return "clustering_row"
	case RangeTombstoneChange:
		return "range_tombstone_change"
	case PartitionEnd:
		return "partition_end"
	default:
		return "unknown"
	}
}

// Tombstone marks a deletion, either of a single row (when Bound is
// the row's own clustering key) or of a clustering range (when it is
// the change point of an active range tombstone).
type Tombstone struct {
	Timestamp int64
	Bound     ClusteringKey
	Inclusive bool
}

// Fragment is a single element of a partition's mutation stream. Which
// fields are meaningful depends on Kind; see the FragmentKind variants.
type Fragment struct {
	Kind           FragmentKind
	Partition      PartitionKey
	Clustering     *ClusteringKey
	Tombstone      *Tombstone
	WriteTimestamp int64
	Deleted        bool
	// Footprint is the memory footprint of this fragment in bytes, used
	// for permit/semaphore accounting and for dismantling statistics.
	Footprint int
}

// ReadCommand is the immutable per-query read description.
type ReadCommand struct {
	SchemaVersion        SchemaVersion
	Slice                Slice
	RowLimit             int
	PartitionLimit       int
	PerPartitionRowLimit int
	MaxResultSize        int64
	QueryID              *uuid.UUID
	IsFirstPage          bool
	Timestamp            int64
}

// Stateless reports whether the command has no query_id, meaning no
// reader state may be saved across pages.
func (c ReadCommand) Stateless() bool { return c.QueryID == nil }

// ZeroLimits reports whether any of the three row/partition limits is
// zero, in which case the coordinator must return an empty result
// without touching any reader.
func (c ReadCommand) ZeroLimits() bool {
	return c.RowLimit == 0 || c.PartitionLimit == 0 || c.PerPartitionRowLimit == 0
}
