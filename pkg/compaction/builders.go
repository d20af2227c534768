package compaction

import "github.com/dbshard/multishard/pkg/shardpb"

// PartitionResult collects the fragments of a single partition that a
// builder decided to keep.
type PartitionResult struct {
	Key        shardpb.PartitionKey
	StaticRow  *shardpb.Fragment
	Rows       []shardpb.Fragment
	Tombstones []shardpb.Tombstone
}

// DataBuilder is the "data" result builder flavor: it emits only live
// rows, for client results.
type DataBuilder struct {
	RowLimit int

	Partitions []PartitionResult
	cur        *PartitionResult
	short      bool
}

func (b *DataBuilder) OnlyLive() bool { return true }
func (b *DataBuilder) ShortRead() bool {
	return b.short
}

func (b *DataBuilder) ConsumeNewPartition(pk shardpb.PartitionKey) {
	b.Partitions = append(b.Partitions, PartitionResult{Key: pk})
	b.cur = &b.Partitions[len(b.Partitions)-1]
}

func (b *DataBuilder) ConsumeStaticRow(row shardpb.Fragment) {
	if b.cur == nil || row.Deleted {
		return
	}
	b.cur.StaticRow = &row
}

func (b *DataBuilder) ConsumeClusteringRow(row shardpb.Fragment) {
	if row.Deleted || b.cur == nil {
		return
	}
	b.cur.Rows = append(b.cur.Rows, row)
	if b.RowLimit > 0 && b.totalRows() >= b.RowLimit {
		b.short = true
	}
}

func (b *DataBuilder) ConsumeRangeTombstoneChange(shardpb.Tombstone) {}
func (b *DataBuilder) ConsumeTombstone(shardpb.Tombstone)            {}
func (b *DataBuilder) ConsumeEndOfPartition()                       { b.cur = nil }
func (b *DataBuilder) ConsumeEndOfStream()                          {}

func (b *DataBuilder) totalRows() int {
	n := 0
	for _, p := range b.Partitions {
		n += len(p.Rows)
	}
	return n
}

// MutationReconciliationBuilder is the "mutation-reconciliation"
// result builder flavor: it preserves deletions, for read-repair.
type MutationReconciliationBuilder struct {
	Partitions []PartitionResult
	cur        *PartitionResult
}

func (b *MutationReconciliationBuilder) OnlyLive() bool  { return false }
func (b *MutationReconciliationBuilder) ShortRead() bool { return false }

func (b *MutationReconciliationBuilder) ConsumeNewPartition(pk shardpb.PartitionKey) {
	b.Partitions = append(b.Partitions, PartitionResult{Key: pk})
	b.cur = &b.Partitions[len(b.Partitions)-1]
}

func (b *MutationReconciliationBuilder) ConsumeStaticRow(row shardpb.Fragment) {
	if b.cur == nil {
		return
	}
	b.cur.StaticRow = &row
}

func (b *MutationReconciliationBuilder) ConsumeClusteringRow(row shardpb.Fragment) {
	if b.cur == nil {
		return
	}
	b.cur.Rows = append(b.cur.Rows, row)
}

func (b *MutationReconciliationBuilder) ConsumeRangeTombstoneChange(ts shardpb.Tombstone) {
	if b.cur == nil {
		return
	}
	b.cur.Tombstones = append(b.cur.Tombstones, ts)
}

func (b *MutationReconciliationBuilder) ConsumeTombstone(ts shardpb.Tombstone) {
	if b.cur == nil {
		return
	}
	b.cur.Tombstones = append(b.cur.Tombstones, ts)
}

func (b *MutationReconciliationBuilder) ConsumeEndOfPartition() { b.cur = nil }
func (b *MutationReconciliationBuilder) ConsumeEndOfStream()    {}
