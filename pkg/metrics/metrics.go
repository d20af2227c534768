// Package metrics holds the counters the coordinator bumps, per
// spec §6's Database.get_stats(). The teacher's own util/metric
// package is a bespoke in-repo Registry that is not published as its
// own module, so the concrete counters here are registered against
// github.com/prometheus/client_golang, which is the metrics dependency
// actually present in the rest of the retrieval pack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stats bundles the named counters from spec §6.
type Stats struct {
	UnpoppedFragments  prometheus.Counter
	UnpoppedBytes       prometheus.Counter
	FailedReaderSaves   prometheus.Counter
	TotalReads          prometheus.Counter
	TotalReadsFailed    prometheus.Counter
	ShortMutationQueries prometheus.Counter
}

// NewStats builds a Stats bundle and registers it with reg. Passing a
// nil registry is allowed and produces unregistered (but still usable)
// counters, which is convenient for tests.
func NewStats(reg prometheus.Registerer) *Stats {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "multishard",
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return &Stats{
		UnpoppedFragments:    mk("unpopped_fragments_total", "Fragments discarded while dismantling a save buffer."),
		UnpoppedBytes:        mk("unpopped_bytes_total", "Bytes discarded while dismantling a save buffer."),
		FailedReaderSaves:    mk("failed_reader_saves_total", "Reader save attempts that failed and were swallowed."),
		TotalReads:           mk("reads_total", "Completed multishard read pages."),
		TotalReadsFailed:     mk("reads_failed_total", "Multishard read pages that failed (e.g. timeout)."),
		ShortMutationQueries: mk("short_mutation_queries_total", "Pages terminated early by the result-size cap."),
	}
}
