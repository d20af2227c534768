// Package dismantle implements the buffer dismantler (C7): splitting a
// merged combining-reader page buffer, and its detached compaction
// state, back onto the per-shard buffers a reader resumes from on the
// next page.
//
// Grounded on the teacher's pkg/kv/kvclient/kvstreamer/results_buffer.go,
// which the real Streamer uses to hand partial per-range results back
// to their originating range descriptors; this package generalizes
// that split from "results keyed by range" to "fragments keyed by
// shard, in the presence of an in-progress partition."
package dismantle

import (
	"github.com/dbshard/multishard/pkg/compaction"
	"github.com/dbshard/multishard/pkg/shardpb"
)

// Stats accounts for what a DismantleBuffer call did with a page
// buffer, for the coordinator's metrics (spec §6, UnpoppedFragments /
// UnpoppedBytes).
type Stats struct {
	MovedFragments      int
	MovedBytes          int64
	DiscardedFragments  int
	DiscardedBytes      int64
	DiscardedPartitions int
}

// DismantleBuffer splits a merged page buffer back onto per-shard
// buffers. It walks tail to head so each shard's fragments can be
// accumulated in a single forward pass and then reversed once, rather
// than paying an O(n^2) front-insertion cost per fragment.
//
// A fragment whose shard is not present (or false) in saving is
// discarded rather than requeued: its reader was never moved into
// SAVING for this page (it may have been evicted, or the shard
// produced no further fragments worth keeping), so nothing will ever
// drive that shard's reader again for this query. Discards are
// counted, never silently dropped from the stats.
func DismantleBuffer(
	buffer []shardpb.Fragment,
	shardOf func(shardpb.Token) shardpb.ShardID,
	saving map[shardpb.ShardID]bool,
) (map[shardpb.ShardID][]shardpb.Fragment, Stats) {
	reversed := make(map[shardpb.ShardID][]shardpb.Fragment)
	var stats Stats

	for i := len(buffer) - 1; i >= 0; i-- {
		f := buffer[i]
		shard := shardOf(f.Partition.Token)
		if !saving[shard] {
			stats.DiscardedFragments++
			stats.DiscardedBytes += int64(f.Footprint)
			if f.Kind == shardpb.PartitionStart {
				stats.DiscardedPartitions++
			}
			continue
		}
		reversed[shard] = append(reversed[shard], f)
		stats.MovedFragments++
		stats.MovedBytes += int64(f.Footprint)
	}

	out := make(map[shardpb.ShardID][]shardpb.Fragment, len(reversed))
	for shard, frags := range reversed {
		for i, j := 0, len(frags)-1; i < j; i, j = i+1, j-1 {
			frags[i], frags[j] = frags[j], frags[i]
		}
		out[shard] = frags
	}
	return out, stats
}

// DismantleCompactionState prepends the fragments of an in-progress
// partition -- partition_start, then its static row if any, then a
// range_tombstone_change re-asserting the active tombstone if any --
// onto buffer, so the next page's reader resumes seeing the same
// partition in progress that this page left behind.
//
// cs may be nil (no partition was in progress when the page ended),
// in which case buffer is returned unchanged.
func DismantleCompactionState(cs *compaction.CompactionState, buffer []shardpb.Fragment) []shardpb.Fragment {
	if cs == nil || cs.PartitionStart == nil {
		return buffer
	}

	prefix := make([]shardpb.Fragment, 0, 3)
	if cs.ActiveTombstone != nil {
		prefix = append(prefix, shardpb.Fragment{
			Kind:      shardpb.RangeTombstoneChange,
			Partition: cs.PartitionStart.Partition,
			Tombstone: cs.ActiveTombstone,
		})
	}
	if cs.StaticRow != nil {
		prefix = append(prefix, *cs.StaticRow)
	}
	prefix = append(prefix, *cs.PartitionStart)

	// prefix was built tail-first (tombstone, static row, partition
	// start); reverse it into stream order before splicing onto buffer.
	for i, j := 0, len(prefix)-1; i < j; i, j = i+1, j-1 {
		prefix[i], prefix[j] = prefix[j], prefix[i]
	}
	return append(prefix, buffer...)
}
