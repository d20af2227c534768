// Package compaction implements the page consumer (C6) and the
// compaction state machine of spec §4.3: applying tombstones at a
// query timestamp while counting live versus dead rows, and feeding
// post-compaction fragments to a result builder until a page limit
// fires.
//
// Grounded on the teacher's storage/engine/mvcc.go, which resolves a
// key's multiple versions newest-first against a read timestamp,
// applying deletion markers as it goes; this package generalizes that
// idea into a streaming state machine over a fragment sequence rather
// than a point lookup.
package compaction

import (
	"context"

	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
)

// ResultBuilder consumes fragments in stream order. Implementations
// come in two flavors -- mutation-reconciliation (preserves deletions,
// for read-repair) and data (emits only live rows, for client
// results) -- selected by OnlyLive.
type ResultBuilder interface {
	ConsumeNewPartition(pk shardpb.PartitionKey)
	ConsumeStaticRow(row shardpb.Fragment)
	ConsumeClusteringRow(row shardpb.Fragment)
	ConsumeRangeTombstoneChange(ts shardpb.Tombstone)
	ConsumeTombstone(ts shardpb.Tombstone)
	ConsumeEndOfPartition()
	ConsumeEndOfStream()

	// OnlyLive reports whether this builder only wants live rows (the
	// data flavor) as opposed to preserving deletions for read-repair
	// (the mutation-reconciliation flavor).
	OnlyLive() bool

	// ShortRead reports whether the builder wants to terminate the page
	// early (e.g. its own row-count limit fired).
	ShortRead() bool
}

// CompactionState is the detachable in-progress-partition state: the
// active partition_start, an optional static row, and the active range
// tombstone, plus running live/dead row counts.
type CompactionState struct {
	QueryTimestamp int64

	PartitionStart  *shardpb.Fragment
	StaticRow       *shardpb.Fragment
	ActiveTombstone *shardpb.Tombstone

	LiveRows int
	DeadRows int
}

// NewCompactionState starts a fresh (no in-progress partition)
// compaction state machine evaluated at queryTS.
func NewCompactionState(queryTS int64) *CompactionState {
	return &CompactionState{QueryTimestamp: queryTS}
}

// apply advances the state machine by one fragment, returning the
// (possibly unchanged) fragment to emit and whether it should be
// emitted at all (a dead row fragment is suppressed when the state
// machine is operating in only-live mode).
func (cs *CompactionState) apply(f shardpb.Fragment, onlyLive bool) (out shardpb.Fragment, emit bool) {
	switch f.Kind {
	case shardpb.PartitionStart:
		cs.PartitionStart = &f
		cs.StaticRow = nil
		cs.ActiveTombstone = nil
		return f, true
	case shardpb.StaticRow:
		row := f
		row.Deleted = f.WriteTimestamp < cs.QueryTimestamp && f.Deleted
		cs.StaticRow = &row
		if row.Deleted {
			cs.DeadRows++
			return row, !onlyLive
		}
		cs.LiveRows++
		return row, true
	case shardpb.ClusteringRow:
		row := f
		deletedByTombstone := cs.ActiveTombstone != nil && cs.ActiveTombstone.Timestamp >= row.WriteTimestamp
		row.Deleted = row.Deleted || deletedByTombstone
		if row.Deleted {
			cs.DeadRows++
			return row, !onlyLive
		}
		cs.LiveRows++
		return row, true
	case shardpb.RangeTombstoneChange:
		cs.ActiveTombstone = f.Tombstone
		return f, true
	case shardpb.PartitionEnd:
		cs.PartitionStart = nil
		cs.StaticRow = nil
		cs.ActiveTombstone = nil
		return f, true
	default:
		return f, true
	}
}

// Detach returns a copy of the in-progress partition state suitable
// for handing to the buffer dismantler on save, clearing this state
// machine's own reference so it can be reused for the next page (if
// any).
func (cs *CompactionState) Detach() *CompactionState {
	if cs.PartitionStart == nil {
		return nil
	}
	detached := &CompactionState{
		QueryTimestamp:  cs.QueryTimestamp,
		PartitionStart:  cs.PartitionStart,
		StaticRow:       cs.StaticRow,
		ActiveTombstone: cs.ActiveTombstone,
	}
	cs.PartitionStart = nil
	cs.StaticRow = nil
	cs.ActiveTombstone = nil
	return detached
}

// PageLimits bounds a single call to ConsumePage.
type PageLimits struct {
	RowLimit             int
	PartitionLimit       int
	PerPartitionRowLimit int
	MaxResultSize        int64
}

// PageResult summarizes the outcome of a single ConsumePage call.
type PageResult struct {
	LastPartitionKey  *shardpb.PartitionKey
	LastClusteringKey *shardpb.ClusteringKey
	RowsEmitted       int
	PartitionsEmitted int
	LimitReached      bool
	ShortRead         bool
	EndOfStream       bool
}

// ConsumePage pulls fragments from rd in order, applies the compaction
// state machine, and feeds post-compaction fragments to builder until
// a limit fires, the reader signals end-of-stream, or the builder
// requests short-read termination (spec §4.3).
//
// It returns the page result, any fragments pulled from rd but not
// consumed by builder (to be pushed back on save), and the detached
// compaction state of any partition left in progress.
func ConsumePage(
	ctx context.Context,
	rd reader.Reader,
	cs *CompactionState,
	builder ResultBuilder,
	limits PageLimits,
) (PageResult, []shardpb.Fragment, *CompactionState, error) {
	var result PageResult
	var unconsumed []shardpb.Fragment
	rowsInPartition := 0
	var resultBytes int64

	const fillBatch = 64
	pending := make([]shardpb.Fragment, 0, fillBatch)
	pendingIdx := 0
	eof := false

	next := func() (shardpb.Fragment, bool, error) {
		if pendingIdx < len(pending) {
			f := pending[pendingIdx]
			pendingIdx++
			return f, false, nil
		}
		if eof {
			return shardpb.Fragment{}, true, nil
		}
		frags, isEOF, err := rd.Fill(ctx, fillBatch)
		if err != nil {
			return shardpb.Fragment{}, false, err
		}
		pending = frags
		pendingIdx = 0
		eof = isEOF
		if len(pending) == 0 {
			return shardpb.Fragment{}, true, nil
		}
		f := pending[pendingIdx]
		pendingIdx++
		return f, false, nil
	}

	// stopWith returns the fragment that triggered a limit plus any
	// fragments already pulled into the current fetch batch but not yet
	// looked at, so the caller never loses track of fragments that were
	// Fill'd from rd but never handed to the builder.
	stopWith := func(f shardpb.Fragment) []shardpb.Fragment {
		out := make([]shardpb.Fragment, 0, 1+len(pending)-pendingIdx)
		out = append(out, f)
		out = append(out, pending[pendingIdx:]...)
		return out
	}

	for {
		f, done, err := next()
		if err != nil {
			return result, unconsumed, cs.Detach(), err
		}
		if done {
			result.EndOfStream = true
			builder.ConsumeEndOfStream()
			return result, unconsumed, cs.Detach(), nil
		}

		// The partition-limit check must happen before cs.apply mutates
		// the state machine for this fragment: otherwise a PartitionStart
		// that triggers the limit would already be recorded as the
		// in-progress partition, and Detach would hand it back a second
		// time alongside the identical fragment in unconsumed.
		if f.Kind == shardpb.PartitionStart && limits.PartitionLimit > 0 && result.PartitionsEmitted >= limits.PartitionLimit {
			unconsumed = stopWith(f)
			result.LimitReached = true
			return result, unconsumed, cs.Detach(), nil
		}

		out, emit := cs.apply(f, builder.OnlyLive())

		switch f.Kind {
		case shardpb.PartitionStart:
			result.PartitionsEmitted++
			rowsInPartition = 0
			result.LastPartitionKey = &f.Partition
			builder.ConsumeNewPartition(f.Partition)

		case shardpb.StaticRow:
			if emit {
				builder.ConsumeStaticRow(out)
			}

		case shardpb.ClusteringRow:
			if limits.PerPartitionRowLimit > 0 && rowsInPartition >= limits.PerPartitionRowLimit {
				unconsumed = stopWith(f)
				result.LimitReached = true
				return result, unconsumed, cs.Detach(), nil
			}
			if limits.RowLimit > 0 && result.RowsEmitted >= limits.RowLimit {
				unconsumed = stopWith(f)
				result.LimitReached = true
				return result, unconsumed, cs.Detach(), nil
			}
			if emit {
				builder.ConsumeClusteringRow(out)
				if !out.Deleted || !builder.OnlyLive() {
					rowsInPartition++
					result.RowsEmitted++
					result.LastClusteringKey = f.Clustering
				}
			}
			if limits.MaxResultSize > 0 {
				resultBytes += int64(f.Footprint)
				if resultBytes > limits.MaxResultSize {
					result.ShortRead = true
					result.LimitReached = true
					// f was already emitted to the builder above; only the
					// rest of the current fetch batch remains unaccounted.
					unconsumed = append(unconsumed, pending[pendingIdx:]...)
					return result, unconsumed, cs.Detach(), nil
				}
			}

		case shardpb.RangeTombstoneChange:
			if out.Tombstone != nil {
				builder.ConsumeRangeTombstoneChange(*out.Tombstone)
			}

		case shardpb.PartitionEnd:
			builder.ConsumeEndOfPartition()
		}

		if builder.ShortRead() {
			result.ShortRead = true
			result.LimitReached = true
			// f itself was already emitted to the builder above; only the
			// rest of the current fetch batch is still unaccounted for.
			unconsumed = append(unconsumed, pending[pendingIdx:]...)
			return result, unconsumed, cs.Detach(), nil
		}
	}
}
