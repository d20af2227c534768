package queriercache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/shardpb"
)

func fullRanges() shardpb.RangeVector {
	return shardpb.RangeVector{shardpb.FullRange()}
}

func TestInsertAndLookupRoundTrip(t *testing.T) {
	c := New(16, time.Minute)
	defer c.Close()

	id := uuid.New()
	shard := shardpb.ShardID(2)
	schema := shardpb.SchemaVersion{1}
	q := &Querier{SchemaVersion: schema, Ranges: fullRanges()}

	c.Insert(id, shard, q, nil)
	got, ok := c.Lookup(context.Background(), id, shard, schema, fullRanges(), shardpb.Slice{}, nil, nil, time.Time{})
	require.True(t, ok)
	require.Same(t, q, got)

	// The entry was consumed by the successful lookup.
	_, ok = c.Lookup(context.Background(), id, shard, schema, fullRanges(), shardpb.Slice{}, nil, nil, time.Time{})
	require.False(t, ok)
}

func TestLookupMissesOnSchemaMismatch(t *testing.T) {
	c := New(16, time.Minute)
	defer c.Close()

	id := uuid.New()
	shard := shardpb.ShardID(0)
	q := &Querier{SchemaVersion: shardpb.SchemaVersion{1}, Ranges: fullRanges()}
	c.Insert(id, shard, q, nil)

	_, ok := c.Lookup(context.Background(), id, shard, shardpb.SchemaVersion{2}, fullRanges(), shardpb.Slice{}, nil, nil, time.Time{})
	require.False(t, ok)
}

func TestLookupExpiresByTTL(t *testing.T) {
	c := New(16, time.Millisecond)
	defer c.Close()

	id := uuid.New()
	shard := shardpb.ShardID(0)
	schema := shardpb.SchemaVersion{1}
	q := &Querier{SchemaVersion: schema, Ranges: fullRanges()}
	c.Insert(id, shard, q, nil)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Lookup(context.Background(), id, shard, schema, fullRanges(), shardpb.Slice{}, nil, nil, time.Time{})
	require.False(t, ok)
}

func TestLookupDetectsEvictionThroughSemaphore(t *testing.T) {
	c := New(16, time.Minute)
	defer c.Close()
	sem := admission.NewSemaphore("t", 4, 1<<20)

	id := uuid.New()
	shard := shardpb.ShardID(0)
	schema := shardpb.SchemaVersion{1}

	handle := sem.RegisterInactive("reader")
	q := &Querier{SchemaVersion: schema, Ranges: fullRanges(), Inactive: &handle}
	c.Insert(id, shard, q, nil)

	sem.Evict(handle)

	_, ok := c.Lookup(context.Background(), id, shard, schema, fullRanges(), shardpb.Slice{}, sem, nil, time.Time{})
	require.False(t, ok)
}

func TestInsertClosesPriorEntryUnderSameKey(t *testing.T) {
	c := New(16, time.Minute)
	defer c.Close()

	id := uuid.New()
	shard := shardpb.ShardID(0)
	schema := shardpb.SchemaVersion{1}

	first := &Querier{SchemaVersion: schema, Ranges: fullRanges(), Reader: &fakeReader{}}
	c.Insert(id, shard, first, nil)

	second := &Querier{SchemaVersion: schema, Ranges: fullRanges(), Reader: &fakeReader{}}
	c.Insert(id, shard, second, nil)

	require.True(t, first.Reader.(*fakeReader).closed)

	got, ok := c.Lookup(context.Background(), id, shard, schema, fullRanges(), shardpb.Slice{}, nil, nil, time.Time{})
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestCompatibleRequiresRangeSuffix(t *testing.T) {
	stored := shardpb.RangeVector{
		{Start: &shardpb.RangeBound{Token: 0, Inclusive: true}, End: &shardpb.RangeBound{Token: 10, Inclusive: true}},
		{Start: &shardpb.RangeBound{Token: 11, Inclusive: true}, End: &shardpb.RangeBound{Token: 20, Inclusive: true}},
	}
	q := &Querier{SchemaVersion: shardpb.SchemaVersion{1}, Ranges: stored}

	requested := shardpb.RangeVector{stored[1]}
	require.True(t, Compatible(q, shardpb.SchemaVersion{1}, requested, shardpb.Slice{}))

	notASuffix := shardpb.RangeVector{stored[0]}
	require.False(t, Compatible(q, shardpb.SchemaVersion{1}, notASuffix, shardpb.Slice{}))
}

type fakeReader struct {
	closed bool
}

func (f *fakeReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	return nil, true, nil
}
func (f *fakeReader) UnpopFragment(shardpb.Fragment) {}
func (f *fakeReader) Close(ctx context.Context)      { f.closed = true }
