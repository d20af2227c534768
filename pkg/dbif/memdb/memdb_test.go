package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/shardpb"
)

func shfnIdentity(t shardpb.Token) shardpb.ShardID { return shardpb.ShardID(0) }

func ck(b byte) *shardpb.ClusteringKey { return &shardpb.ClusteringKey{Values: []byte{b}} }

func partitionStream(pk shardpb.PartitionKey, rows ...byte) []shardpb.Fragment {
	out := []shardpb.Fragment{{Kind: shardpb.PartitionStart, Partition: pk}}
	for _, b := range rows {
		out = append(out, shardpb.Fragment{Kind: shardpb.ClusteringRow, Partition: pk, Clustering: ck(b)})
	}
	out = append(out, shardpb.Fragment{Kind: shardpb.PartitionEnd, Partition: pk})
	return out
}

func drainAll(t *testing.T, rd interface {
	Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error)
}) []shardpb.Fragment {
	var all []shardpb.Fragment
	for {
		frags, eof, err := rd.Fill(context.Background(), 64)
		require.NoError(t, err)
		all = append(all, frags...)
		if eof {
			return all
		}
	}
}

func TestAsMutationSourceServesPartitionsWithinRange(t *testing.T) {
	table := NewTable(shardpb.SchemaVersion{1}, shfnIdentity)
	pkA := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	pkB := shardpb.PartitionKey{Key: []byte("b"), Token: 100}
	table.InsertPartition(pkA, partitionStream(pkA, 0, 1))
	table.InsertPartition(pkB, partitionStream(pkB, 0))

	narrow := shardpb.PartitionRange{
		Start: &shardpb.RangeBound{Token: 0, Inclusive: true},
		End:   &shardpb.RangeBound{Token: 50, Inclusive: true},
	}
	rd, err := table.AsMutationSource(context.Background(), table.schema, narrow, shardpb.Slice{}, shardpb.ReadCommand{})
	require.NoError(t, err)

	frags := drainAll(t, rd)
	require.Len(t, frags, 4) // pkA's partition_start + 2 rows + partition_end
	require.Equal(t, pkA, frags[0].Partition)
}

func TestAsMutationSourceTrimsToClusteringBounds(t *testing.T) {
	table := NewTable(shardpb.SchemaVersion{1}, shfnIdentity)
	pk := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	table.InsertPartition(pk, partitionStream(pk, 0, 1, 2, 3))

	slice := shardpb.Slice{ClusteringLower: ck(1), ClusteringUpper: ck(2)}
	rd, err := table.AsMutationSource(context.Background(), table.schema, shardpb.FullRange(), slice, shardpb.ReadCommand{})
	require.NoError(t, err)

	frags := drainAll(t, rd)
	// partition_start, rows 1 and 2, partition_end.
	require.Len(t, frags, 4)
	require.Equal(t, shardpb.PartitionStart, frags[0].Kind)
	require.Equal(t, ck(1), frags[1].Clustering)
	require.Equal(t, ck(2), frags[2].Clustering)
	require.Equal(t, shardpb.PartitionEnd, frags[3].Kind)
}

func TestAsMutationSourceReversesRowOrderWithinPartition(t *testing.T) {
	table := NewTable(shardpb.SchemaVersion{1}, shfnIdentity)
	pk := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	table.InsertPartition(pk, partitionStream(pk, 0, 1, 2))

	rd, err := table.AsMutationSource(context.Background(), table.schema, shardpb.FullRange(), shardpb.Slice{IsReversed: true}, shardpb.ReadCommand{})
	require.NoError(t, err)

	frags := drainAll(t, rd)
	require.Len(t, frags, 5)
	require.Equal(t, shardpb.PartitionStart, frags[0].Kind)
	require.Equal(t, ck(2), frags[1].Clustering)
	require.Equal(t, ck(1), frags[2].Clustering)
	require.Equal(t, ck(0), frags[3].Clustering)
	require.Equal(t, shardpb.PartitionEnd, frags[4].Kind)
}

func TestReadInProgressTracksOpenReaders(t *testing.T) {
	table := NewTable(shardpb.SchemaVersion{1}, shfnIdentity)
	pk := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	table.InsertPartition(pk, partitionStream(pk, 0))

	rd, err := table.AsMutationSource(context.Background(), table.schema, shardpb.FullRange(), shardpb.Slice{}, shardpb.ReadCommand{})
	require.NoError(t, err)
	require.Equal(t, 1, table.ReadInProgress())

	rd.Close(context.Background())
	require.Equal(t, 0, table.ReadInProgress())

	// Close is idempotent.
	rd.Close(context.Background())
	require.Equal(t, 0, table.ReadInProgress())
}

func TestInsertPartitionReplacesExistingKey(t *testing.T) {
	table := NewTable(shardpb.SchemaVersion{1}, shfnIdentity)
	pk := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	table.InsertPartition(pk, partitionStream(pk, 0))
	table.InsertPartition(pk, partitionStream(pk, 5, 6))

	rd, err := table.AsMutationSource(context.Background(), table.schema, shardpb.FullRange(), shardpb.Slice{}, shardpb.ReadCommand{})
	require.NoError(t, err)
	frags := drainAll(t, rd)
	require.Len(t, frags, 4)
	require.Equal(t, ck(5), frags[1].Clustering)
}

func TestClusterShardsAreIndependent(t *testing.T) {
	c := NewCluster(2, shardpb.SchemaVersion{1}, shfnIdentity, 4, 1<<20, 16, 0)
	require.Equal(t, 2, c.ShardCount())

	pk := shardpb.PartitionKey{Key: []byte("a"), Token: 1}
	c.Table(0).InsertPartition(pk, partitionStream(pk, 0))

	rd, err := c.Table(1).AsMutationSource(context.Background(), shardpb.SchemaVersion{1}, shardpb.FullRange(), shardpb.Slice{}, shardpb.ReadCommand{})
	require.NoError(t, err)
	require.Empty(t, drainAll(t, rd))
}
