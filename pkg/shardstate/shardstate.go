// Package shardstate implements the per-shard reader lifecycle state
// machine (C4): INEXISTENT -> SUCCESSFUL_LOOKUP -> USED -> SAVING ->
// (drop), with explicit transition methods in the style of the
// teacher's pkg/kv/kvserver/concurrency/concurrency_manager.go, which
// never mutates lock-table state implicitly and always returns an
// error for an illegal transition rather than panicking.
package shardstate

import (
	"sync"

	"github.com/dbshard/multishard/pkg/logging"
	"github.com/dbshard/multishard/pkg/mqerrors"
	"github.com/dbshard/multishard/pkg/remoteparts"
)

// State is one of the four shard-reader lifecycle states (spec §4.4).
type State int

const (
	Inexistent State = iota
	SuccessfulLookup
	Used
	Saving
)

func (s State) String() string {
	switch s {
	case Inexistent:
		return "INEXISTENT"
	case SuccessfulLookup:
		return "SUCCESSFUL_LOOKUP"
	case Used:
		return "USED"
	case Saving:
		return "SAVING"
	default:
		return "UNKNOWN"
	}
}

var log = logging.For("shardstate")

// ShardReaderState is one instance per shard on the coordinator,
// tracking whether that shard's reader is unused, resumed, active, or
// being saved.
type ShardReaderState struct {
	mu    sync.Mutex
	state State
	parts *remoteparts.RemoteParts
}

// New returns a shard-reader state machine starting in INEXISTENT.
func New() *ShardReaderState {
	return &ShardReaderState{state: Inexistent}
}

// State returns the current state.
func (s *ShardReaderState) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Parts returns the currently held remote parts, or nil if none (i.e.
// the state is INEXISTENT).
func (s *ShardReaderState) Parts() *remoteparts.RemoteParts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parts
}

// LookupReaders performs the INEXISTENT -> SUCCESSFUL_LOOKUP
// transition on a cache hit, or leaves the state as INEXISTENT on a
// miss (hit == nil). It is an internal error to call this outside of
// INEXISTENT -- the coordinator only ever looks up a shard once per
// page, at its construction.
func (s *ShardReaderState) LookupReaders(hit *remoteparts.RemoteParts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Inexistent {
		log.Warn("illegal transition", "trigger", "lookup_readers", "state", s.state.String())
		return mqerrors.InvalidState("lookup_readers called in state %s", s.state)
	}
	if hit != nil {
		s.state = SuccessfulLookup
		s.parts = hit
	}
	return nil
}

// CreateReader performs {INEXISTENT, SUCCESSFUL_LOOKUP} -> USED.
//
// Per the open question preserved from the source (spec §9, item 2),
// calling CreateReader again while already in USED or SAVING
// overwrites the stored RemoteParts in place rather than erroring --
// this is deliberately preserved upstream behavior. Concurrent callers
// are serialized by the state machine's own mutex.
func (s *ShardReaderState) CreateReader(parts *remoteparts.RemoteParts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Used || s.state == Saving {
		log.Warn("overwriting remote parts without prior destroy_reader", "shard", parts.Shard, "state", s.state.String())
	}
	s.state = Used
	s.parts = parts
}

// DestroyReader performs USED -> SAVING, re-registering the reader as
// inactive is the caller's responsibility (it must populate
// parts.Inactive and parts.Buffer before or after calling this,
// depending on whether the handle is already known). It is an
// internal error to call this outside of USED.
func (s *ShardReaderState) DestroyReader() (*remoteparts.RemoteParts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Used {
		log.Warn("illegal transition", "trigger", "destroy_reader", "state", s.state.String())
		return nil, mqerrors.InvalidState("destroy_reader called in state %s", s.state)
	}
	s.state = Saving
	return s.parts, nil
}

// Drop releases the shard back to INEXISTENT after a successful save
// or a discard, returning the parts that were held. It is a no-op
// (idempotent) if already INEXISTENT, which is what makes repeated
// save_readers calls on the same context idempotent (spec §8
// invariant 5).
func (s *ShardReaderState) Drop() *remoteparts.RemoteParts {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := s.parts
	s.state = Inexistent
	s.parts = nil
	return parts
}
