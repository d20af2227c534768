package multishard

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/sharder"
	"github.com/dbshard/multishard/pkg/shardpb"
	"github.com/dbshard/multishard/pkg/tracing"
)

// shardWorker tracks one shard's contribution to the combining
// reader's merge. frontier holds this shard's own fragments, already
// in that shard's natural stream order (partition_start, ascending
// clustering rows, partition_end, next partition...); a single shard's
// own stream is always token-monotonic, so frontier never needs
// re-sorting, only merging against the other shards' frontiers.
type shardWorker struct {
	Shard     shardpb.ShardID
	Reader    reader.Reader
	Permit    *admission.Permit
	Handle    *admission.InactiveHandle
	Range     shardpb.PartitionRange
	Slice     shardpb.Slice
	exhausted bool
	frontier  []shardpb.Fragment
}

// CombiningReader merges per-shard fragment streams into a single
// globally ordered stream, calling back into a ReaderLifecyclePolicy
// (spec §4.5) exactly the way the teacher's Streamer drives
// kvcoord.DistSender.
type CombiningReader struct {
	policy  ReaderLifecyclePolicy
	sharder sharder.Func
	schema  shardpb.SchemaVersion
	slice   shardpb.Slice
	ranges  shardpb.RangeVector
	trace   tracing.Span
	deadline time.Time

	workers map[shardpb.ShardID]*shardWorker
	order   []shardpb.ShardID

	// pushedBack holds fragments the page consumer handed back via
	// UnpopFragment; they are replayed, in LIFO push order, ahead of
	// resuming the cross-shard frontier merge. This is the "schedule of
	// fragments" referred to by spec §3 invariant 5.
	pushedBack []shardpb.Fragment
}

// ShardReader is an already-live reader recovered for a shard from a
// SUCCESSFUL_LOOKUP querier, to be reused instead of calling
// CreateReader.
type ShardReader struct {
	Reader reader.Reader
	Permit *admission.Permit
	Range  shardpb.PartitionRange
	Slice  shardpb.Slice
}

// NewCombiningReader builds a combining reader over shardCount shards.
// existing supplies already-live readers recovered from the querier
// cache for shards in SUCCESSFUL_LOOKUP state; all other shards in
// [0, shardCount) get a fresh reader lazily, on first Fill.
func NewCombiningReader(
	shardCount int,
	policy ReaderLifecyclePolicy,
	shfn sharder.Func,
	ranges shardpb.RangeVector,
	slice shardpb.Slice,
	schema shardpb.SchemaVersion,
	existing map[shardpb.ShardID]ShardReader,
	trace tracing.Span,
	deadline time.Time,
) *CombiningReader {
	cr := &CombiningReader{
		policy:   policy,
		sharder:  shfn,
		schema:   schema,
		slice:    slice,
		ranges:   ranges,
		trace:    trace,
		deadline: deadline,
		workers:  make(map[shardpb.ShardID]*shardWorker, shardCount),
	}
	for i := 0; i < shardCount; i++ {
		id := shardpb.ShardID(i)
		w := &shardWorker{Shard: id, Range: ranges[0], Slice: slice}
		if sr, ok := existing[id]; ok {
			w.Reader = sr.Reader
			w.Permit = sr.Permit
			w.Range = sr.Range
			w.Slice = sr.Slice
		}
		cr.workers[id] = w
		cr.order = append(cr.order, id)
	}
	return cr
}

// DestroyWorker executes shard's USED -> SAVING transition by handing
// its currently live reader to the lifecycle policy's DestroyReader
// callback (spec §4.5), along with leftover, the fragments the page
// consumer pulled from it but never used. This is the combining
// reader's own notification that a shard is finished for the page;
// the coordinator has no other way to recover the live reader it
// built internally.
//
// The worker's own Reader field is cleared once handed off: the
// policy callback takes ownership from here (it may park the reader
// live in the querier cache), so Close must not also close it.
func (cr *CombiningReader) DestroyWorker(shard shardpb.ShardID, leftover []shardpb.Fragment) {
	w := cr.workers[shard]
	if w == nil {
		return
	}
	stopped := w.Reader
	w.Reader = nil
	cr.policy.DestroyReader(shard, stopped, leftover)
}

func (w *shardWorker) rangeVector(full shardpb.RangeVector) shardpb.RangeVector {
	return full
}

// Next returns the next fragment in global merge order: a k-way merge
// across every shard's frontier, refilling only the frontiers that ran
// dry, so a shard whose batch hasn't caught up to a lower-token
// partition on another shard never has its fragments flushed out of
// order (spec §5, §8 invariant 2). io.EOF-like exhaustion is signaled
// by ok=false with a nil error.
func (cr *CombiningReader) Next(ctx context.Context) (shardpb.Fragment, bool, error) {
	if len(cr.pushedBack) > 0 {
		f := cr.pushedBack[0]
		cr.pushedBack = cr.pushedBack[1:]
		return f, true, nil
	}
	if err := cr.fillEmptyFrontiers(ctx); err != nil {
		return shardpb.Fragment{}, false, err
	}
	id, ok := cr.headShard()
	if !ok {
		return shardpb.Fragment{}, false, nil
	}
	w := cr.workers[id]
	f := w.frontier[0]
	w.frontier = w.frontier[1:]
	return f, true, nil
}

// headShard finds the shard whose frontier head sorts lowest in merge
// order among every shard with a non-empty frontier.
func (cr *CombiningReader) headShard() (shardpb.ShardID, bool) {
	var best shardpb.ShardID
	found := false
	for _, id := range cr.order {
		w := cr.workers[id]
		if len(w.frontier) == 0 {
			continue
		}
		if !found || fragmentLess(w.frontier[0], cr.workers[best].frontier[0]) {
			best = id
			found = true
		}
	}
	return best, found
}

// Fill satisfies reader.Reader so that a CombiningReader can itself be
// driven by the page consumer like any other reader.
func (cr *CombiningReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	var out []shardpb.Fragment
	for len(out) < max {
		f, ok, err := cr.Next(ctx)
		if err != nil {
			return out, false, err
		}
		if !ok {
			return out, cr.allExhausted(), nil
		}
		out = append(out, f)
	}
	return out, false, nil
}

func (cr *CombiningReader) UnpopFragment(f shardpb.Fragment) {
	cr.pushedBack = append([]shardpb.Fragment{f}, cr.pushedBack...)
}

func (cr *CombiningReader) Close(ctx context.Context) {
	for _, w := range cr.workers {
		if w.Reader != nil {
			w.Reader.Close(ctx)
		}
	}
}

func (cr *CombiningReader) allExhausted() bool {
	for _, w := range cr.workers {
		if !w.exhausted {
			return false
		}
	}
	return true
}

// UnconsumedBuffer returns and clears every fragment still queued
// inside the combining reader -- pending pushbacks plus whatever is
// left in each shard's frontier -- for the buffer dismantler (C7) to
// split back onto its originating shards. Dismantling only needs each
// shard's own fragments kept in their own relative order, which every
// frontier already is, so concatenating frontiers in worker order
// (rather than re-running the cross-shard merge) is sufficient; the
// dismantler regroups by shard and never looks at the cross-shard
// ordering of its input.
func (cr *CombiningReader) UnconsumedBuffer() []shardpb.Fragment {
	buf := cr.pushedBack
	cr.pushedBack = nil
	for _, id := range cr.order {
		w := cr.workers[id]
		if len(w.frontier) > 0 {
			buf = append(buf, w.frontier...)
			w.frontier = nil
		}
	}
	return buf
}

const fillBatchPerShard = 32

// fillEmptyFrontiers fans out a bounded Fill, concurrently, to every
// shard worker whose frontier has run dry and which isn't already
// known to be exhausted (grounded on the teacher's workerCoordinator
// issuing concurrent single-range batches). A worker whose frontier
// still holds fragments from an earlier fetch is left alone: refilling
// it early is exactly what let a fast shard's later, higher-token
// batch get merged and flushed ahead of a slow shard's still-pending,
// lower-token fragments.
func (cr *CombiningReader) fillEmptyFrontiers(ctx context.Context) error {
	var toFill []*shardWorker
	for _, id := range cr.order {
		w := cr.workers[id]
		if w.exhausted || len(w.frontier) > 0 {
			continue
		}
		toFill = append(toFill, w)
	}
	if len(toFill) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range toFill {
		w := w
		g.Go(func() error {
			if w.Reader == nil {
				if err := cr.createWorkerReader(gctx, w); err != nil {
					return err
				}
			}
			frags, eof, err := w.Reader.Fill(gctx, fillBatchPerShard)
			if err != nil {
				return err
			}
			w.frontier = frags
			w.exhausted = eof && len(frags) == 0
			return nil
		})
	}
	return g.Wait()
}

func (cr *CombiningReader) createWorkerReader(ctx context.Context, w *shardWorker) error {
	permit, err := cr.policy.ObtainReaderPermit(ctx, w.Shard, "multishard read", cr.deadline)
	if err != nil {
		return err
	}
	w.Permit = permit
	var rdr reader.Reader
	if len(cr.ranges) > 1 {
		rdr = NewMultiRangeReader(w.Shard, cr.policy, cr.schema, cr.slice, permit, cr.ranges, nil, cr.trace)
	} else {
		rdr, err = cr.policy.CreateReader(ctx, w.Shard, cr.schema, permit, cr.ranges[0], cr.slice, cr.trace, false)
		if err != nil {
			return err
		}
	}
	w.Reader = rdr
	w.Range = cr.ranges[0]
	return nil
}

// fragmentLess orders fragments by (token, partition_key,
// clustering_position), the deterministic merge order from spec §5.
func fragmentLess(a, b shardpb.Fragment) bool {
	if c := a.Partition.Compare(b.Partition); c != 0 {
		return c < 0
	}
	ac, bc := clusteringOf(a), clusteringOf(b)
	if ac == nil || bc == nil {
		return fragmentKindOrder(a.Kind) < fragmentKindOrder(b.Kind)
	}
	return ac.Compare(*bc) < 0
}

func clusteringOf(f shardpb.Fragment) *shardpb.ClusteringKey {
	return f.Clustering
}

// fragmentKindOrder breaks ties between fragments of the same
// partition that have no clustering key (partition_start sorts before
// body fragments, which sort before partition_end).
func fragmentKindOrder(k shardpb.FragmentKind) int {
	switch k {
	case shardpb.PartitionStart:
		return 0
	case shardpb.StaticRow:
		return 1
	case shardpb.PartitionEnd:
		return 3
	default:
		return 2
	}
}
