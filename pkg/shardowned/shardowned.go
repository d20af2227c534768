// Package shardowned implements the "foreign pointer" discipline of
// spec §9: a handle whose destruction is always routed through the
// shard that owns the underlying value, modeled in Go as a generic
// linear-ish handle with a debug-mode leak assertion standing in for
// the source language's compile-time linear-type check.
package shardowned

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/dbshard/multishard/pkg/logging"
	"github.com/dbshard/multishard/pkg/shardpb"
)

var log = logging.For("shardowned")

// DebugLeakCheck enables the finalizer-based leak assertion. It is on
// by default, the same way the source's debug builds always ran the
// foreign-pointer destructor assertion; a release binary under heavy
// allocation pressure may set this false to skip the finalizer.
var DebugLeakCheck = true

// Owned is a handle to a value of type T whose destruction must be
// requested on Shard. Dereferencing (Peek) from any shard is allowed,
// matching the source's "reads are fine, drops are not" rule; Drop
// must be called on behalf of the owning shard, identified by passing
// that shard's own ShardID back in -- this package cannot observe
// which goroutine is calling it, so the caller is trusted to pass the
// identity of the shard it acts for honestly.
type Owned[T any] struct {
	shard   shardpb.ShardID
	value   T
	destroy func(T)
	dropped atomic.Bool
}

// New wraps value as owned by shard; destroy is invoked exactly once,
// by Drop, to release it.
func New[T any](shard shardpb.ShardID, value T, destroy func(T)) *Owned[T] {
	o := &Owned[T]{shard: shard, value: value, destroy: destroy}
	if DebugLeakCheck {
		runtime.SetFinalizer(o, func(leaked *Owned[T]) {
			if !leaked.dropped.Load() {
				log.Error("shard-owned value leaked without Drop", "shard", leaked.shard)
			}
		})
	}
	return o
}

// Shard returns the owning shard.
func (o *Owned[T]) Shard() shardpb.ShardID { return o.shard }

// Peek reads the underlying value without transferring ownership. Safe
// from any shard; it is the caller's responsibility not to retain
// anything from T that outlives Drop.
func (o *Owned[T]) Peek() T { return o.value }

// Drop destroys the underlying value, asserting that it is being
// called on behalf of the owning shard. Calling Drop more than once is
// a no-op, matching the save-idempotence guarantee the rest of the
// coordinator relies on (spec §8 invariant 5).
func (o *Owned[T]) Drop(callingShard shardpb.ShardID) error {
	if callingShard != o.shard {
		return errors.AssertionFailedf(
			"shard-owned value dropped from shard %d, owned by shard %d", callingShard, o.shard)
	}
	if o.dropped.Swap(true) {
		return nil
	}
	if o.destroy != nil {
		o.destroy(o.value)
	}
	runtime.SetFinalizer(o, nil)
	return nil
}
