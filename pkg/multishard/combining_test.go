package multishard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
	"github.com/dbshard/multishard/pkg/tracing"
)

// fixedReader serves a fixed fragment slice in one go and then reports
// EOF on every subsequent call.
type fixedReader struct {
	frags  []shardpb.Fragment
	served bool
	closed bool
}

func (r *fixedReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	if r.served {
		return nil, true, nil
	}
	r.served = true
	return r.frags, true, nil
}
func (r *fixedReader) UnpopFragment(shardpb.Fragment) {}
func (r *fixedReader) Close(ctx context.Context)      { r.closed = true }

// batchedReader serves its fragment slice honoring the caller's max per
// call, so a shard with more fragments than fit in one
// fillBatchPerShard round needs several Fill calls to drain, the way a
// real shard's reader would for a large partition.
type batchedReader struct {
	frags  []shardpb.Fragment
	pos    int
	closed bool
}

func (r *batchedReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	if r.pos >= len(r.frags) {
		return nil, true, nil
	}
	end := r.pos + max
	if end > len(r.frags) {
		end = len(r.frags)
	}
	out := r.frags[r.pos:end]
	r.pos = end
	return out, r.pos >= len(r.frags), nil
}
func (r *batchedReader) UnpopFragment(shardpb.Fragment) {}
func (r *batchedReader) Close(ctx context.Context)      { r.closed = true }

// fakePolicy implements ReaderLifecyclePolicy by handing back
// pre-seeded readers per shard, for driving a CombiningReader in
// isolation from the coordinator.
type destroyedCall struct {
	shard    shardpb.ShardID
	stopped  reader.Reader
	leftover []shardpb.Fragment
}

type fakePolicy struct {
	readers   map[shardpb.ShardID]reader.Reader
	sem       *admission.Semaphore
	updated   map[shardpb.ShardID]shardpb.PartitionRange
	destroyed []destroyedCall
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{
		readers: make(map[shardpb.ShardID]reader.Reader),
		sem:     admission.NewSemaphore("t", 8, 1<<20),
		updated: make(map[shardpb.ShardID]shardpb.PartitionRange),
	}
}

func (p *fakePolicy) CreateReader(ctx context.Context, shard shardpb.ShardID, schema shardpb.SchemaVersion, permit *admission.Permit, rng shardpb.PartitionRange, slice shardpb.Slice, trace tracing.Span, fwdMR bool) (reader.Reader, error) {
	return p.readers[shard], nil
}

func (p *fakePolicy) UpdateReadRange(shard shardpb.ShardID, rng shardpb.PartitionRange) {
	p.updated[shard] = rng
}

func (p *fakePolicy) ObtainReaderPermit(ctx context.Context, shard shardpb.ShardID, description string, deadline time.Time) (*admission.Permit, error) {
	return p.sem.MakePermit(ctx, description, deadline)
}

func (p *fakePolicy) DestroyReader(shard shardpb.ShardID, stopped reader.Reader, leftover []shardpb.Fragment) {
	p.destroyed = append(p.destroyed, destroyedCall{shard: shard, stopped: stopped, leftover: leftover})
}

func (p *fakePolicy) Semaphore(shard shardpb.ShardID) *admission.Semaphore { return p.sem }

func pk(token uint64, key string) shardpb.PartitionKey {
	return shardpb.PartitionKey{Key: []byte(key), Token: shardpb.Token(token)}
}

func TestCombiningReaderMergesAcrossShardsByToken(t *testing.T) {
	policy := newFakePolicy()
	policy.readers[0] = &fixedReader{frags: []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pk(10, "b")},
		{Kind: shardpb.PartitionEnd, Partition: pk(10, "b")},
	}}
	policy.readers[1] = &fixedReader{frags: []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pk(5, "a")},
		{Kind: shardpb.PartitionEnd, Partition: pk(5, "a")},
	}}

	cr := NewCombiningReader(2, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})

	frags, eof, err := cr.Fill(context.Background(), 10)
	require.NoError(t, err)
	require.True(t, eof)
	require.Len(t, frags, 4)
	// Token 5 (shard 1) must sort before token 10 (shard 0).
	require.Equal(t, pk(5, "a"), frags[0].Partition)
	require.Equal(t, pk(5, "a"), frags[1].Partition)
	require.Equal(t, pk(10, "b"), frags[2].Partition)
	require.Equal(t, pk(10, "b"), frags[3].Partition)
}

// TestCombiningReaderPreservesOrderAcrossRefillRounds drives shard 0
// through two fillEmptyFrontiers rounds (its partition has more
// fragments than fit in one fillBatchPerShard batch) while shard 1
// holds a single higher-token partition ready in one round, and checks
// that none of shard 1's fragments are emitted before shard 0's
// partition is exhausted, even though shard 1 finishes fetching first.
func TestCombiningReaderPreservesOrderAcrossRefillRounds(t *testing.T) {
	policy := newFakePolicy()

	lowKey := pk(1, "a")
	lowFrags := []shardpb.Fragment{{Kind: shardpb.PartitionStart, Partition: lowKey}}
	for i := 0; i < fillBatchPerShard+10; i++ {
		lowFrags = append(lowFrags, shardpb.Fragment{
			Kind:       shardpb.ClusteringRow,
			Partition:  lowKey,
			Clustering: &shardpb.ClusteringKey{Values: []byte{byte(i)}},
		})
	}
	lowFrags = append(lowFrags, shardpb.Fragment{Kind: shardpb.PartitionEnd, Partition: lowKey})
	policy.readers[0] = &batchedReader{frags: lowFrags}

	highKey := pk(2, "b")
	policy.readers[1] = &fixedReader{frags: []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: highKey},
		{Kind: shardpb.PartitionEnd, Partition: highKey},
	}}

	cr := NewCombiningReader(2, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})

	var got []shardpb.Fragment
	for {
		f, ok, err := cr.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, f)
	}

	require.Len(t, got, len(lowFrags)+2)
	for i, f := range got[:len(lowFrags)] {
		require.Equal(t, lowKey, f.Partition, "fragment %d: shard 1's higher-token partition leaked ahead of shard 0's still-draining lower-token partition", i)
	}
	for _, f := range got[len(lowFrags):] {
		require.Equal(t, highKey, f.Partition)
	}
}

func TestCombiningReaderUnpopFragmentPushesToFront(t *testing.T) {
	policy := newFakePolicy()
	policy.readers[0] = &fixedReader{frags: []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pk(1, "a")},
	}}

	cr := NewCombiningReader(1, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})

	f, ok, err := cr.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	pushedBack := shardpb.Fragment{Kind: shardpb.PartitionEnd, Partition: pk(0, "z")}
	cr.UnpopFragment(pushedBack)

	next, ok, err := cr.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pushedBack, next)
	_ = f
}

func TestCombiningReaderDestroyWorkerInvokesPolicyCallback(t *testing.T) {
	policy := newFakePolicy()
	r0 := &fixedReader{frags: []shardpb.Fragment{
		{Kind: shardpb.PartitionStart, Partition: pk(1, "a")},
	}}
	policy.readers[0] = r0

	cr := NewCombiningReader(1, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})
	_, _, err := cr.Fill(context.Background(), 10)
	require.NoError(t, err)

	leftover := []shardpb.Fragment{{Kind: shardpb.PartitionEnd, Partition: pk(1, "a")}}
	cr.DestroyWorker(0, leftover)

	require.Len(t, policy.destroyed, 1)
	require.Equal(t, shardpb.ShardID(0), policy.destroyed[0].shard)
	require.Same(t, r0, policy.destroyed[0].stopped)
	require.Equal(t, leftover, policy.destroyed[0].leftover)
}

func TestCombiningReaderDestroyWorkerOnUnknownShardIsNoop(t *testing.T) {
	policy := newFakePolicy()
	cr := NewCombiningReader(1, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})

	cr.DestroyWorker(99, nil)
	require.Empty(t, policy.destroyed)
}

func TestCombiningReaderClosesAllWorkerReaders(t *testing.T) {
	policy := newFakePolicy()
	r0 := &fixedReader{}
	r1 := &fixedReader{}
	policy.readers[0] = r0
	policy.readers[1] = r1

	cr := NewCombiningReader(2, policy, nil, shardpb.RangeVector{shardpb.FullRange()}, shardpb.Slice{}, shardpb.SchemaVersion{}, nil, nil, time.Time{})
	_, _, err := cr.Fill(context.Background(), 10)
	require.NoError(t, err)

	cr.Close(context.Background())
	require.True(t, r0.closed)
	require.True(t, r1.closed)
}
