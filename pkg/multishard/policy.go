// Package multishard implements the multishard combining reader (C5)
// and the multi-range reader, directly grounded on the teacher's
// pkg/kv/kvclient/kvstreamer/streamer.go: a worker-coordinator style
// fan-out of per-shard fills bounded by the admission semaphore,
// merged into one globally ordered fragment stream, driving a
// reader-lifecycle policy callback record rather than an inheritance
// hierarchy -- the same shape as the Streamer driving kvcoord's
// DistSender through plain method calls.
package multishard

import (
	"context"
	"time"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
	"github.com/dbshard/multishard/pkg/tracing"
)

// ReaderLifecyclePolicy is the capability record the combining reader
// calls back into (spec §4.5). It is passed by reference, not
// implemented via inheritance, the same way the teacher hands the
// Streamer a *kvcoord.DistSender rather than subclassing it.
type ReaderLifecyclePolicy interface {
	// CreateReader must return a reader whose fragments cover
	// partitions on shard within rng.
	CreateReader(
		ctx context.Context,
		shard shardpb.ShardID,
		schema shardpb.SchemaVersion,
		permit *admission.Permit,
		rng shardpb.PartitionRange,
		slice shardpb.Slice,
		trace tracing.Span,
		fwdMR bool,
	) (reader.Reader, error)

	// UpdateReadRange informs the coordinator that shard's current
	// range has advanced (used for save).
	UpdateReadRange(shard shardpb.ShardID, rng shardpb.PartitionRange)

	// ObtainReaderPermit honors saved-reader permit reuse: if shard
	// currently holds a reused permit, it must be returned instead of a
	// freshly minted one.
	ObtainReaderPermit(ctx context.Context, shard shardpb.ShardID, description string, deadline time.Time) (*admission.Permit, error)

	// DestroyReader hands back a stopped reader and any unconsumed
	// buffer, executing the USED -> SAVING
	// transition for shard.
	DestroyReader(shard shardpb.ShardID, stopped reader.Reader, leftover []shardpb.Fragment)

	// Semaphore returns the admission semaphore for shard.
	Semaphore(shard shardpb.ShardID) *admission.Semaphore
}
