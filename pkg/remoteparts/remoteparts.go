// Package remoteparts defines the per-shard record the coordinator
// holds as a foreign pointer (spec §3, §9): the permit, current range,
// slice, a barrier ticket, and the optional inactive handle / leftover
// buffer of a suspended reader.
//
// A RemoteParts value is owned by the shard it names (Shard); the
// coordinator may read it from any goroutine but must only destroy it
// (release its permit, close its reader) by asking that shard to do so
// -- in this single-process rewrite, by calling its methods only from
// the task that currently holds exclusive access to that shard's
// state, per spec §5's suspension-point discipline.
package remoteparts

import (
	"sync/atomic"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
)

// BarrierTicket marks a read in progress against table schema
// mutations. Schema-mutation coordination itself is out of scope
// (spec §1); the ticket is carried through so that a real
// implementation's schema layer has something to observe.
type BarrierTicket struct {
	id uint64
}

var nextTicket uint64

// NewBarrierTicket allocates a new, unique barrier ticket. Tickets may
// be allocated from more than one shard's goroutine concurrently, so
// the counter is bumped atomically.
func NewBarrierTicket() BarrierTicket {
	return BarrierTicket{id: atomic.AddUint64(&nextTicket, 1)}
}

// RemoteParts is the per-shard record described in spec §3.
type RemoteParts struct {
	Shard   shardpb.ShardID
	Permit  *admission.Permit
	Range   shardpb.PartitionRange
	Slice   shardpb.Slice
	Barrier BarrierTicket

	// Inactive is set while the reader is parked (suspended) rather
	// than actively being driven.
	Inactive *admission.InactiveHandle

	// Reader is the live reader for this shard, present whenever the
	// shard-reader state is USED (actively being driven) or when a
	// SUCCESSFUL_LOOKUP reader has been reused but not yet marked USED.
	Reader reader.Reader

	// Buffer holds unconsumed fragments dismantled out of the combined
	// page buffer, to be pushed back into Reader via UnpopFragment on
	// save.
	Buffer []shardpb.Fragment
}
