package dismantle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/compaction"
	"github.com/dbshard/multishard/pkg/shardpb"
)

func shardOf2(t shardpb.Token) shardpb.ShardID { return shardpb.ShardID(uint64(t) % 2) }

func TestDismantleBufferPreservesPerShardOrder(t *testing.T) {
	pkA := shardpb.PartitionKey{Key: []byte("a"), Token: 0} // shard 0
	pkB := shardpb.PartitionKey{Key: []byte("b"), Token: 1} // shard 1
	pkC := shardpb.PartitionKey{Key: []byte("c"), Token: 2} // shard 0

	buffer := []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pkA, Footprint: 1},
		{Kind: shardpb.ClusteringRow, Partition: pkA, Footprint: 2},
		{Kind: shardpb.PartitionEnd, Partition: pkA},
		{Kind: shardpb.PartitionStart, Partition: pkB, Footprint: 1},
		{Kind: shardpb.ClusteringRow, Partition: pkB, Footprint: 2},
		{Kind: shardpb.PartitionEnd, Partition: pkB},
		{Kind: shardpb.PartitionStart, Partition: pkC, Footprint: 1},
		{Kind: shardpb.ClusteringRow, Partition: pkC, Footprint: 2},
		{Kind: shardpb.PartitionEnd, Partition: pkC},
	}

	out, stats := DismantleBuffer(buffer, shardOf2, map[shardpb.ShardID]bool{0: true, 1: true})

	require.Len(t, out[0], 6) // pkA + pkC fragments
	require.Equal(t, pkA, out[0][0].Partition)
	require.Equal(t, pkC, out[0][3].Partition)
	require.Len(t, out[1], 3)
	require.Equal(t, 9, stats.MovedFragments)
	require.Equal(t, 0, stats.DiscardedFragments)
}

func TestDismantleBufferDiscardsNonSavingShards(t *testing.T) {
	pkA := shardpb.PartitionKey{Key: []byte("a"), Token: 0}
	buffer := []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pkA, Footprint: 4},
		{Kind: shardpb.ClusteringRow, Partition: pkA, Footprint: 8},
		{Kind: shardpb.PartitionEnd, Partition: pkA, Footprint: 0},
	}

	out, stats := DismantleBuffer(buffer, shardOf2, map[shardpb.ShardID]bool{1: true})

	require.Empty(t, out[0])
	require.Equal(t, 3, stats.DiscardedFragments)
	require.Equal(t, int64(12), stats.DiscardedBytes)
	require.Equal(t, 1, stats.DiscardedPartitions)
	require.Equal(t, 0, stats.MovedFragments)
}

func TestDismantleCompactionStatePrependsInOrder(t *testing.T) {
	pk := shardpb.PartitionKey{Key: []byte("p"), Token: 5}
	start := shardpb.Fragment{Kind: shardpb.PartitionStart, Partition: pk}
	static := shardpb.Fragment{Kind: shardpb.StaticRow, Partition: pk}
	ts := &shardpb.Tombstone{Timestamp: 42}

	cs := &compaction.CompactionState{
		PartitionStart:  &start,
		StaticRow:       &static,
		ActiveTombstone: ts,
	}

	buffer := []shardpb.Fragment{{Kind: shardpb.ClusteringRow, Partition: pk}}
	out := DismantleCompactionState(cs, buffer)

	require.Len(t, out, 4)
	require.Equal(t, shardpb.PartitionStart, out[0].Kind)
	require.Equal(t, shardpb.StaticRow, out[1].Kind)
	require.Equal(t, shardpb.RangeTombstoneChange, out[2].Kind)
	require.Same(t, ts, out[2].Tombstone)
	require.Equal(t, shardpb.ClusteringRow, out[3].Kind)
}

func TestDismantleCompactionStateNilIsNoOp(t *testing.T) {
	buffer := []shardpb.Fragment{{Kind: shardpb.ClusteringRow}}
	out := DismantleCompactionState(nil, buffer)
	require.Equal(t, buffer, out)
}
