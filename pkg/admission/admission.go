// Package admission implements the reader concurrency semaphore (C1):
// per-shard admission control over the number of in-flight readers and
// the number of bytes they may hold live.
//
// Grounded on the teacher's pkg/util/quotapool/intpool.go (acquire a
// slot, release it through an opaque handle) and on
// pkg/kv/kvclient/kvstreamer/streamer.go's budget type, which tracks
// bytes-in-flight against a limit and allows a single in-debt request
// through when nothing else is using the budget.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/dbshard/multishard/pkg/mqerrors"
)

// Semaphore is the per-shard admission gate. It bounds the number of
// concurrently active readers and the number of bytes they may hold
// live, and it hosts the inactive-reader registry that queriers are
// parked in between pages.
type Semaphore struct {
	name string

	weighted *semaphore.Weighted
	maxCount int64

	mu            sync.Mutex
	bytesInFlight int64
	bytesBudget   int64
	inFlight      int

	nextHandle uint64
	inactive   map[uint64]inactiveEntry
}

type inactiveEntry struct {
	reader  any
	evicted bool
}

// NewSemaphore creates a semaphore admitting at most maxInFlight
// concurrent readers and bytesBudget live bytes.
func NewSemaphore(name string, maxInFlight int, bytesBudget int64) *Semaphore {
	return &Semaphore{
		name:        name,
		weighted:    semaphore.NewWeighted(int64(maxInFlight)),
		maxCount:    int64(maxInFlight),
		bytesBudget: bytesBudget,
		inactive:    make(map[uint64]inactiveEntry),
	}
}

// Permit is a handle held while a reader is active. It bills bytes
// against the shard-local semaphore and is non-transferable across
// shards.
type Permit struct {
	sem           *Semaphore
	description   string
	maxResultSize int64

	mu     sync.Mutex
	billed int64
	held   bool
}

// Semaphore returns the semaphore this permit was issued from, used by
// the coordinator to fail fast if a reused querier's permit doesn't
// match the shard it was looked up on (spec §4.4).
func (p *Permit) Semaphore() *Semaphore { return p.sem }

// Description returns the human-readable description the permit was
// created with, used in trace points and error messages.
func (p *Permit) Description() string { return p.description }

// SetMaxResultSize updates the result-size cap tracked by the permit.
func (p *Permit) SetMaxResultSize(size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxResultSize = size
}

// Bill accounts n additional bytes against the permit's max-result-size
// cap and the semaphore's bytes-in-flight budget. It returns
// mqerrors.ErrResultTooLarge if the permit's own cap would be
// exceeded, or if the semaphore already has bytes in flight and n more
// would take it past bytesBudget (a bill against an idle semaphore is
// always let through): the caller is expected to treat that as a
// short-read signal, not a hard failure.
func (p *Permit) Bill(n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxResultSize > 0 && p.billed+n > p.maxResultSize {
		return mqerrors.ErrResultTooLarge
	}

	p.sem.mu.Lock()
	if p.sem.bytesBudget > 0 && p.sem.bytesInFlight > 0 && p.sem.bytesInFlight+n > p.sem.bytesBudget {
		p.sem.mu.Unlock()
		return mqerrors.ErrResultTooLarge
	}
	p.sem.bytesInFlight += n
	p.sem.mu.Unlock()
	p.billed += n
	return nil
}

// BilledBytes returns the number of bytes billed so far against this
// permit.
func (p *Permit) BilledBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.billed
}

// Release returns the permit's slot and billed bytes to the semaphore.
// Releasing an already-released permit is a no-op, matching the
// teacher's idempotent Release on kvstreamer's Result.
func (p *Permit) Release() {
	p.mu.Lock()
	if !p.held {
		p.mu.Unlock()
		return
	}
	p.held = false
	billed := p.billed
	p.mu.Unlock()

	p.sem.mu.Lock()
	p.sem.bytesInFlight -= billed
	p.sem.inFlight--
	p.sem.mu.Unlock()
	p.sem.weighted.Release(1)
}

// MakePermit blocks (cooperatively, via ctx) until admission, subject
// to the configured in-flight count, honoring deadline. It fails with
// mqerrors.ErrAdmissionDenied immediately if the semaphore has no
// capacity to ever admit a reader, and with mqerrors.ErrTimeout if
// deadline expires first while waiting for an in-flight slot to free
// up.
func (s *Semaphore) MakePermit(ctx context.Context, description string, deadline time.Time) (*Permit, error) {
	if s.maxCount <= 0 {
		return nil, mqerrors.AdmissionDenied("semaphore %q has no reader capacity", s.name)
	}

	ctx, cancel := deadlineContext(ctx, deadline)
	defer cancel()

	if err := s.weighted.Acquire(ctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, mqerrors.Timeout("acquiring permit for %q on semaphore %q", description, s.name)
		}
		return nil, errors.Wrapf(err, "acquiring permit for %q", description)
	}

	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	return &Permit{sem: s, description: description, held: true}, nil
}

func deadlineContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// InactiveHandle is an opaque handle to a parked reader. It is a plain
// value: copies refer to the same registry entry, and once any copy has
// been passed to UnregisterInactive the others find nothing.
type InactiveHandle struct {
	sem *Semaphore
	id  uint64
}

// RegisterInactive parks a reader, returning an opaque handle. The
// reader may be evicted later by a call to Evict, which simulates
// memory pressure reclaiming it (spec §4.1's "eviction policy is
// opaque to the coordinator").
func (s *Semaphore) RegisterInactive(reader any) InactiveHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandle
	s.nextHandle++
	s.inactive[id] = inactiveEntry{reader: reader}
	return InactiveHandle{sem: s, id: id}
}

// UnregisterInactive returns the reader if it has not been evicted,
// removing it from the registry either way. The (nil, false) return is
// the signal that a saved reader was reclaimed (spec §4.1).
func (s *Semaphore) UnregisterInactive(h InactiveHandle) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inactive[h.id]
	delete(s.inactive, h.id)
	if !ok || e.evicted {
		return nil, false
	}
	return e.reader, true
}

// Evict marks a parked reader as reclaimed without actually removing
// the registry entry; a subsequent UnregisterInactive observes the
// eviction and returns (nil, false). This is a test/operational hook
// standing in for the real eviction policy's background memory
// pressure response, which is intentionally opaque per spec §4.1.
func (s *Semaphore) Evict(h InactiveHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inactive[h.id]
	if !ok {
		return false
	}
	e.evicted = true
	s.inactive[h.id] = e
	return true
}

// EvictAll marks every currently parked reader on this semaphore as
// reclaimed, as if memory pressure evicted the whole inactive registry
// at once. Test/operational hook, same purpose as Evict but for
// exercising eviction from outside the package (e.g. a coordinator
// test simulating S3 without reaching into a handle's private
// fields).
func (s *Semaphore) EvictAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.inactive {
		e.evicted = true
		s.inactive[id] = e
	}
}

// InFlight returns the current number of active (non-parked) readers,
// used by tests to check the permit-balance invariant (spec §8
// invariant 4).
func (s *Semaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// BytesInFlight returns the current number of bytes billed against
// live permits.
func (s *Semaphore) BytesInFlight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesInFlight
}
