// Package reader defines the abstract mutation fragment source (C2)
// that every shard-local reader, the multi-range wrapper, and the
// combining reader implement.
package reader

import (
	"context"

	"github.com/dbshard/multishard/pkg/shardpb"
)

// Reader produces an ordered sequence of mutation fragments for a
// partition range. Implementations are shard-local and not safe for
// concurrent use: a Reader must never be driven from two goroutines
// at once.
type Reader interface {
	// Fill pulls up to max fragments from the underlying source,
	// returning fewer than max (possibly zero) with eof=true once the
	// stream is exhausted.
	Fill(ctx context.Context, max int) (frags []shardpb.Fragment, eof bool, err error)

	// UnpopFragment pushes a fragment back onto the front of the
	// reader's internal buffer, so that it is the next fragment
	// returned by a subsequent Fill. Used to restore unconsumed
	// fragments tail-to-head when saving a reader (spec §4.7 step 5c).
	UnpopFragment(f shardpb.Fragment)

	// Close releases any resources held by the reader. It is always
	// safe to call multiple times.
	Close(ctx context.Context)
}
