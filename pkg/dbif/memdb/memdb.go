// Package memdb is an in-memory reference implementation of dbif,
// used by tests and cmd/multishardbench. It stores each partition as
// its already-valid fragment stream (partition_start ... partition_end,
// including whatever dead rows and tombstones a test wants to exercise
// the compaction state machine with) and serves reads by slicing that
// stream to the requested range, clustering bounds, and direction.
package memdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/dbif"
	"github.com/dbshard/multishard/pkg/queriercache"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
)

// StoredPartition is one partition's complete, already-ordered
// fragment stream.
type StoredPartition struct {
	Key       shardpb.PartitionKey
	Fragments []shardpb.Fragment
}

// Table is an in-memory column family.
type Table struct {
	mu         sync.Mutex
	schema     shardpb.SchemaVersion
	sharder    func(shardpb.Token) shardpb.ShardID
	partitions []StoredPartition // kept sorted by (token, key)
	reads      int
}

// NewTable creates an empty table serving schema, sharded by shfn.
func NewTable(schema shardpb.SchemaVersion, shfn func(shardpb.Token) shardpb.ShardID) *Table {
	return &Table{schema: schema, sharder: shfn}
}

// InsertPartition adds (or replaces) a partition's fragment stream.
// fragments must already be in valid stream order: partition_start,
// optional static_row, then clustering_row/range_tombstone_change in
// clustering order, then partition_end.
func (t *Table) InsertPartition(key shardpb.PartitionKey, fragments []shardpb.Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.partitions {
		if p.Key.Compare(key) == 0 {
			t.partitions[i].Fragments = fragments
			return
		}
	}
	t.partitions = append(t.partitions, StoredPartition{Key: key, Fragments: fragments})
	sort.Slice(t.partitions, func(i, j int) bool {
		return t.partitions[i].Key.Compare(t.partitions[j].Key) < 0
	})
}

func (t *Table) ReadInProgress() int { t.mu.Lock(); defer t.mu.Unlock(); return t.reads }

func (t *Table) GlobalCacheHitRate() float64 { return 1.0 }

func (t *Table) Sharder() func(shardpb.Token) shardpb.ShardID { return t.sharder }

// MakeReversed is a no-op for the in-memory reference table: slice's
// IsReversed flag already tells AsMutationSource which direction to
// serve rows in, so there is no on-disk format to reinterpret.
func (t *Table) MakeReversed(slice shardpb.Slice) shardpb.Slice {
	return slice
}

// AsMutationSource implements dbif.Table. It copies out every stored
// partition whose token falls in rng, trims each partition's rows to
// slice's clustering bounds, reverses row order within each partition
// if requested, and hands back a reader.Reader that serves the
// flattened fragment list in batches of at most the caller's max.
func (t *Table) AsMutationSource(
	ctx context.Context,
	schema shardpb.SchemaVersion,
	rng shardpb.PartitionRange,
	slice shardpb.Slice,
	cmd shardpb.ReadCommand,
) (reader.Reader, error) {
	t.mu.Lock()
	t.reads++
	var frags []shardpb.Fragment
	for _, p := range t.partitions {
		if !rng.Contains(p.Key.Token) {
			continue
		}
		frags = append(frags, sliceFragments(p.Fragments, slice)...)
	}
	t.mu.Unlock()

	if slice.IsReversed {
		frags = reverseFragments(frags)
	}

	return &memReader{table: t, fragments: frags}, nil
}

func (t *Table) doneReading() {
	t.mu.Lock()
	t.reads--
	t.mu.Unlock()
}

// sliceFragments trims a partition's fragment stream to rows within
// [ClusteringLower, ClusteringUpper], keeping partition_start,
// static_row, range_tombstone_change and partition_end untouched.
func sliceFragments(fragments []shardpb.Fragment, slice shardpb.Slice) []shardpb.Fragment {
	if slice.ClusteringLower == nil && slice.ClusteringUpper == nil {
		out := make([]shardpb.Fragment, len(fragments))
		copy(out, fragments)
		return out
	}
	out := make([]shardpb.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f.Kind == shardpb.ClusteringRow {
			if slice.ClusteringLower != nil && f.Clustering.Compare(*slice.ClusteringLower) < 0 {
				continue
			}
			if slice.ClusteringUpper != nil && f.Clustering.Compare(*slice.ClusteringUpper) > 0 {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// reverseFragments reverses clustering row order within each
// partition, while keeping partition_start first and partition_end
// last (a reversed stream still brackets each partition the same way;
// only the interior direction flips). Partitions themselves stay in
// ascending token order.
func reverseFragments(frags []shardpb.Fragment) []shardpb.Fragment {
	var partitions [][]shardpb.Fragment
	var cur []shardpb.Fragment
	for _, f := range frags {
		if f.Kind == shardpb.PartitionStart && len(cur) > 0 {
			partitions = append(partitions, cur)
			cur = nil
		}
		cur = append(cur, f)
	}
	if len(cur) > 0 {
		partitions = append(partitions, cur)
	}

	out := make([]shardpb.Fragment, 0, len(frags))
	for i := range partitions {
		out = append(out, reverseOnePartition(partitions[i])...)
	}
	return out
}

func reverseOnePartition(p []shardpb.Fragment) []shardpb.Fragment {
	if len(p) < 2 {
		return p
	}
	head := p[0]
	tail := p[len(p)-1]
	body := p[1 : len(p)-1]
	rev := make([]shardpb.Fragment, len(body))
	for i, f := range body {
		rev[len(body)-1-i] = f
	}
	out := make([]shardpb.Fragment, 0, len(p))
	out = append(out, head)
	out = append(out, rev...)
	out = append(out, tail)
	return out
}

// memReader serves a pre-computed flat fragment list in batches.
type memReader struct {
	table     *Table
	fragments []shardpb.Fragment
	unpopped  []shardpb.Fragment
	closed    bool
}

func (r *memReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	if r.closed {
		return nil, true, nil
	}
	if len(r.unpopped) > 0 {
		out := r.unpopped
		r.unpopped = nil
		return out, false, nil
	}
	if max > len(r.fragments) {
		max = len(r.fragments)
	}
	out := r.fragments[:max]
	r.fragments = r.fragments[max:]
	return out, len(r.fragments) == 0, nil
}

func (r *memReader) UnpopFragment(f shardpb.Fragment) {
	r.unpopped = append([]shardpb.Fragment{f}, r.unpopped...)
}

func (r *memReader) Close(ctx context.Context) {
	if r.closed {
		return
	}
	r.closed = true
	r.table.doneReading()
}

// Database is an in-memory, single-shard dbif.Database.
type Database struct {
	table     *Table
	semaphore *admission.Semaphore
	cache     *queriercache.Cache
	stats     *dbif.Stats
}

// NewDatabase wires a table, admission semaphore and querier cache
// into one shard handle.
func NewDatabase(table *Table, sem *admission.Semaphore, cache *queriercache.Cache) *Database {
	return &Database{table: table, semaphore: sem, cache: cache, stats: &dbif.Stats{}}
}

func (d *Database) FindColumnFamily(schema shardpb.SchemaVersion) (dbif.Table, error) {
	return d.table, nil
}

func (d *Database) ReaderConcurrencySemaphore() *admission.Semaphore { return d.semaphore }

func (d *Database) QuerierCache() *queriercache.Cache { return d.cache }

func (d *Database) Stats() *dbif.Stats { return d.stats }

// Cluster is a fixed-size set of in-memory shard databases plus a
// node-wide counters bundle, satisfying coordinator.Node by structural
// typing (memdb intentionally has no import on the coordinator
// package).
type Cluster struct {
	shards []*Database
	stats  *dbif.Stats
}

// NewCluster builds a cluster of shardCount independent in-memory
// shards, each sharded by shfn and starting with an empty table for
// schema.
func NewCluster(shardCount int, schema shardpb.SchemaVersion, shfn func(shardpb.Token) shardpb.ShardID, maxInFlight int, bytesBudget int64, cacheCapacity int, cacheTTL time.Duration) *Cluster {
	c := &Cluster{stats: &dbif.Stats{}}
	for i := 0; i < shardCount; i++ {
		table := NewTable(schema, shfn)
		sem := admission.NewSemaphore("memdb", maxInFlight, bytesBudget)
		cache := queriercache.New(cacheCapacity, cacheTTL)
		c.shards = append(c.shards, NewDatabase(table, sem, cache))
	}
	return c
}

// Shard returns the id'th shard's database handle.
func (c *Cluster) Shard(id shardpb.ShardID) dbif.Database { return c.shards[id] }

// ShardCount returns the number of shards in the cluster.
func (c *Cluster) ShardCount() int { return len(c.shards) }

// Stats returns the cluster-wide counters bundle.
func (c *Cluster) Stats() *dbif.Stats { return c.stats }

// Table exposes the id'th shard's table, for tests and benchmarks that
// need to insert partitions directly.
func (c *Cluster) Table(id shardpb.ShardID) *Table { return c.shards[id].table }
