// Package dbif declares the external collaborator interfaces the
// coordinator depends on (spec §6): the shard-local database handle,
// its tables, schema lookups, and the counters the coordinator bumps.
// A real node implements these against its storage engine; dbif/memdb
// gives tests and cmd/multishardbench an in-memory reference.
package dbif

import (
	"context"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/queriercache"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
)

// Database is the per-shard handle the coordinator looks up once per
// query to reach everything else it needs on that shard.
type Database interface {
	// FindColumnFamily resolves a schema version to the table serving
	// it on this shard.
	FindColumnFamily(schema shardpb.SchemaVersion) (Table, error)

	// ReaderConcurrencySemaphore returns this shard's admission
	// semaphore (C1).
	ReaderConcurrencySemaphore() *admission.Semaphore

	// QuerierCache returns this shard's querier cache (C3).
	QuerierCache() *queriercache.Cache

	// Stats returns the shard's counters (spec §6).
	Stats() *Stats
}

// Table is a shard-local column family: the thing that actually knows
// how to produce a mutation fragment stream.
type Table interface {
	// AsMutationSource opens a reader over rng restricted to slice, as
	// of command's timestamp.
	AsMutationSource(
		ctx context.Context,
		schema shardpb.SchemaVersion,
		rng shardpb.PartitionRange,
		slice shardpb.Slice,
		cmd shardpb.ReadCommand,
	) (reader.Reader, error)

	// ReadInProgress reports the number of reads currently open against
	// this table, for load-shedding decisions outside this package's
	// scope.
	ReadInProgress() int

	// GlobalCacheHitRate reports this table's row/partition cache hit
	// rate; the coordinator averages it across shards into the
	// cache_hit_rate returned with each page.
	GlobalCacheHitRate() float64

	// Sharder returns the token-to-shard function for this table's
	// current schema.
	Sharder() func(shardpb.Token) shardpb.ShardID

	// MakeReversed adapts slice (whose IsReversed the caller has already
	// set) to whatever this table's storage format needs to actually
	// serve rows in that direction -- rewriting bounds/columns if
	// required. A table with no on-disk direction to reinterpret can
	// return slice unchanged.
	MakeReversed(slice shardpb.Slice) shardpb.Slice
}

// Stats are the integer counters the coordinator bumps, independent of
// the prometheus.Counter-backed pkg/metrics.Stats used for export --
// this is the raw collaborator surface spec §6 describes; pkg/metrics
// is how a shard's Stats gets exported.
type Stats struct {
	MultishardQueryUnpoppedFragments int64
	MultishardQueryUnpoppedBytes     int64
	MultishardQueryFailedReaderSaves int64
	TotalReads                       int64
	TotalReadsFailed                 int64
	ShortMutationQueries             int64
}
