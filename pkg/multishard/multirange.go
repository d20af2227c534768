package multishard

import (
	"context"

	"github.com/dbshard/multishard/pkg/admission"
	"github.com/dbshard/multishard/pkg/reader"
	"github.com/dbshard/multishard/pkg/shardpb"
	"github.com/dbshard/multishard/pkg/tracing"
)

// MultiRangeReader wraps a per-range reader to iterate a range vector
// for a single shard, with two strict guarantees (spec §4.5): (a) a
// single Fill never produces fragments from two different ranges, and
// (b) after a Fill, the underlying reader's buffer is fully drained
// into the wrapper.
type MultiRangeReader struct {
	shard  shardpb.ShardID
	policy ReaderLifecyclePolicy
	schema shardpb.SchemaVersion
	slice  shardpb.Slice
	permit *admission.Permit
	trace  tracing.Span

	ranges shardpb.RangeVector
	idx    int
	cur    reader.Reader

	unpopped []shardpb.Fragment
}

// NewMultiRangeReader creates a wrapper that will drive shard's
// readers across ranges in order, starting at the first range. If cur
// is non-nil, it is used as the already-live reader for ranges[0]
// (the resumed-querier case); otherwise a reader is created lazily on
// the first Fill.
func NewMultiRangeReader(
	shard shardpb.ShardID,
	policy ReaderLifecyclePolicy,
	schema shardpb.SchemaVersion,
	slice shardpb.Slice,
	permit *admission.Permit,
	ranges shardpb.RangeVector,
	cur reader.Reader,
	trace tracing.Span,
) *MultiRangeReader {
	return &MultiRangeReader{
		shard:  shard,
		policy: policy,
		schema: schema,
		slice:  slice,
		permit: permit,
		ranges: ranges,
		cur:    cur,
		trace:  trace,
	}
}

// CurrentRange returns the range currently being served.
func (m *MultiRangeReader) CurrentRange() shardpb.PartitionRange {
	if m.idx >= len(m.ranges) {
		return shardpb.PartitionRange{}
	}
	return m.ranges[m.idx]
}

func (m *MultiRangeReader) UnpopFragment(f shardpb.Fragment) {
	m.unpopped = append([]shardpb.Fragment{f}, m.unpopped...)
}

func (m *MultiRangeReader) Close(ctx context.Context) {
	if m.cur != nil {
		m.cur.Close(ctx)
		m.cur = nil
	}
}

// Fill satisfies reader.Reader. It never mixes fragments from two
// ranges in one call: once the current range's reader reaches EOF,
// Fill returns whatever was already drained (possibly nothing) and
// defers advancing to the next range until the following call.
func (m *MultiRangeReader) Fill(ctx context.Context, max int) ([]shardpb.Fragment, bool, error) {
	if len(m.unpopped) > 0 {
		out := m.unpopped
		m.unpopped = nil
		return out, false, nil
	}

	if m.idx >= len(m.ranges) {
		return nil, true, nil
	}

	if m.cur == nil {
		rdr, err := m.policy.CreateReader(ctx, m.shard, m.schema, m.permit, m.ranges[m.idx], m.slice, m.trace, true)
		if err != nil {
			return nil, false, err
		}
		m.cur = rdr
	}

	var out []shardpb.Fragment
	for len(out) < max {
		frags, eof, err := m.cur.Fill(ctx, max-len(out))
		if err != nil {
			return out, false, err
		}
		out = append(out, frags...)
		if eof {
			// The underlying reader's buffer is now fully drained into
			// the wrapper (guarantee b). Advance to the next range on
			// the *next* Fill call, not within this one (guarantee a).
			m.cur.Close(ctx)
			m.cur = nil
			m.idx++
			m.policy.UpdateReadRange(m.shard, m.CurrentRange())
			return out, m.idx >= len(m.ranges), nil
		}
		if len(frags) == 0 {
			break
		}
	}
	return out, false, nil
}
