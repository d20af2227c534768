package shardstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/remoteparts"
	"github.com/dbshard/multishard/pkg/shardpb"
)

func TestLifecycleHappyPath(t *testing.T) {
	s := New()
	require.Equal(t, Inexistent, s.State())

	require.NoError(t, s.LookupReaders(nil))
	require.Equal(t, Inexistent, s.State(), "a miss leaves the state machine in INEXISTENT")

	parts := &remoteparts.RemoteParts{Shard: shardpb.ShardID(3)}
	s.CreateReader(parts)
	require.Equal(t, Used, s.State())
	require.Same(t, parts, s.Parts())

	got, err := s.DestroyReader()
	require.NoError(t, err)
	require.Same(t, parts, got)
	require.Equal(t, Saving, s.State())

	dropped := s.Drop()
	require.Same(t, parts, dropped)
	require.Equal(t, Inexistent, s.State())
	require.Nil(t, s.Parts())
}

func TestLookupReadersHit(t *testing.T) {
	s := New()
	parts := &remoteparts.RemoteParts{Shard: shardpb.ShardID(1)}
	require.NoError(t, s.LookupReaders(parts))
	require.Equal(t, SuccessfulLookup, s.State())
	require.Same(t, parts, s.Parts())
}

func TestLookupReadersOutsideInexistentIsInvalid(t *testing.T) {
	s := New()
	s.CreateReader(&remoteparts.RemoteParts{})
	err := s.LookupReaders(&remoteparts.RemoteParts{})
	require.Error(t, err)
}

func TestDestroyReaderOutsideUsedIsInvalid(t *testing.T) {
	s := New()
	_, err := s.DestroyReader()
	require.Error(t, err)
}

func TestDropIsIdempotent(t *testing.T) {
	s := New()
	require.Nil(t, s.Drop())
	require.Equal(t, Inexistent, s.State())

	s.CreateReader(&remoteparts.RemoteParts{})
	first := s.Drop()
	require.NotNil(t, first)
	second := s.Drop()
	require.Nil(t, second)
	require.Equal(t, Inexistent, s.State())
}

func TestCreateReaderOverwritesInUsedState(t *testing.T) {
	s := New()
	first := &remoteparts.RemoteParts{Shard: shardpb.ShardID(0)}
	s.CreateReader(first)
	require.Equal(t, Used, s.State())

	second := &remoteparts.RemoteParts{Shard: shardpb.ShardID(0)}
	s.CreateReader(second)
	require.Equal(t, Used, s.State())
	require.Same(t, second, s.Parts(), "overwrite-in-place is preserved upstream behavior")
}
