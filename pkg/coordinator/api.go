package coordinator

import (
	"context"
	"time"

	"github.com/dbshard/multishard/pkg/compaction"
	"github.com/dbshard/multishard/pkg/metrics"
	"github.com/dbshard/multishard/pkg/sharder"
	"github.com/dbshard/multishard/pkg/shardpb"
	"github.com/dbshard/multishard/pkg/tracing"
)

// aggregateCacheHitRate averages dbif.Table.GlobalCacheHitRate() across
// every shard's column family for schema -- the cache_hit_rate
// returned alongside every page (spec §6). A shard that fails to
// resolve its table is skipped rather than failing the whole query
// over a stat.
func aggregateCacheHitRate(node Node, schema shardpb.SchemaVersion) float64 {
	var sum float64
	var n int
	for i := 0; i < node.ShardCount(); i++ {
		table, err := node.Shard(shardpb.ShardID(i)).FindColumnFamily(schema)
		if err != nil {
			continue
		}
		sum += table.GlobalCacheHitRate()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Page is one page's worth of result, in the mutation-reconciliation
// flavor: every row carries its liveness so a caller doing read-repair
// can see exactly what was on disk, tombstones included.
type Page struct {
	Partitions  []compaction.PartitionResult
	EndOfStream bool
	ShortRead   bool
}

// QueryMutationsOnAllShards drives one page of a mutation-
// reconciliation read across every shard (spec §4.7, the
// mutation-reconciliation builder flavor of C6), returning the page
// alongside the aggregated per-shard cache hit rate (spec §6). An
// empty row/partition/per-partition-row limit on cmd short-circuits to
// an empty page without touching any shard, per spec §4's zero-limit
// rule.
func QueryMutationsOnAllShards(
	ctx context.Context,
	node Node,
	shfn sharder.Func,
	cmd shardpb.ReadCommand,
	schema shardpb.SchemaVersion,
	ranges shardpb.RangeVector,
	slice shardpb.Slice,
	deadline time.Time,
	trace tracing.Span,
	met *metrics.Stats,
) (Page, float64, error) {
	if cmd.ZeroLimits() {
		return Page{EndOfStream: true}, aggregateCacheHitRate(node, schema), nil
	}
	slice = resolveSlice(node, schema, slice)

	rc := NewReadContext(node, node.ShardCount(), shfn, cmd, schema, ranges, slice, deadline, trace, met)

	if err := rc.LookupReaders(ctx); err != nil {
		rc.Stop(ctx)
		bumpFailed(node, met)
		return Page{}, 0, err
	}

	builder := &compaction.MutationReconciliationBuilder{}
	result, err := rc.Run(ctx, builder)
	if err != nil {
		rc.Stop(ctx)
		bumpFailed(node, met)
		return Page{}, 0, err
	}

	rc.SaveReaders(ctx, result.EndOfStream)
	rc.Stop(ctx)
	bumpSucceeded(node, met, result)

	return Page{
		Partitions:  builder.Partitions,
		EndOfStream: result.EndOfStream,
		ShortRead:   result.ShortRead,
	}, aggregateCacheHitRate(node, schema), nil
}

// DataPage is one page's worth of result in the data-query flavor:
// only live rows, for direct client consumption.
type DataPage struct {
	Partitions  []compaction.PartitionResult
	EndOfStream bool
	ShortRead   bool
}

// QueryDataOnAllShards is QueryMutationsOnAllShards's counterpart using
// the data result-builder flavor, which drops dead rows and can
// terminate a page early on its own row budget (spec §4.3).
func QueryDataOnAllShards(
	ctx context.Context,
	node Node,
	shfn sharder.Func,
	cmd shardpb.ReadCommand,
	schema shardpb.SchemaVersion,
	ranges shardpb.RangeVector,
	slice shardpb.Slice,
	deadline time.Time,
	trace tracing.Span,
	met *metrics.Stats,
) (DataPage, float64, error) {
	if cmd.ZeroLimits() {
		return DataPage{EndOfStream: true}, aggregateCacheHitRate(node, schema), nil
	}
	slice = resolveSlice(node, schema, slice)

	rc := NewReadContext(node, node.ShardCount(), shfn, cmd, schema, ranges, slice, deadline, trace, met)

	if err := rc.LookupReaders(ctx); err != nil {
		rc.Stop(ctx)
		bumpFailed(node, met)
		return DataPage{}, 0, err
	}

	builder := &compaction.DataBuilder{RowLimit: cmd.RowLimit}
	result, err := rc.Run(ctx, builder)
	if err != nil {
		rc.Stop(ctx)
		bumpFailed(node, met)
		return DataPage{}, 0, err
	}

	rc.SaveReaders(ctx, result.EndOfStream)
	rc.Stop(ctx)
	bumpSucceeded(node, met, result)

	return DataPage{
		Partitions:  builder.Partitions,
		EndOfStream: result.EndOfStream,
		ShortRead:   result.ShortRead || builder.ShortRead(),
	}, aggregateCacheHitRate(node, schema), nil
}

// resolveSlice asks shard 0's table to rewrite a reversed slice
// (spec.md §6's Schema.make_reversed()) before the query fans out,
// rather than having every shard separately reinterpret IsReversed.
func resolveSlice(node Node, schema shardpb.SchemaVersion, slice shardpb.Slice) shardpb.Slice {
	if !slice.IsReversed {
		return slice
	}
	table, err := node.Shard(0).FindColumnFamily(schema)
	if err != nil {
		return slice
	}
	return table.MakeReversed(slice)
}

func bumpFailed(node Node, met *metrics.Stats) {
	node.Stats().TotalReadsFailed++
	if met != nil {
		met.TotalReadsFailed.Inc()
	}
}

func bumpSucceeded(node Node, met *metrics.Stats, result compaction.PageResult) {
	stats := node.Stats()
	stats.TotalReads++
	if met != nil {
		met.TotalReads.Inc()
	}
	if result.ShortRead {
		stats.ShortMutationQueries++
		if met != nil {
			met.ShortMutationQueries.Inc()
		}
	}
}
