// Command multishardbench drives the multishard coordinator against an
// in-memory cluster, for manual exercise of a single query end to end
// without a real storage engine underneath it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/dbshard/multishard/pkg/coordinator"
	"github.com/dbshard/multishard/pkg/dbif/memdb"
	"github.com/dbshard/multishard/pkg/logging"
	"github.com/dbshard/multishard/pkg/metrics"
	"github.com/dbshard/multishard/pkg/sharder"
	"github.com/dbshard/multishard/pkg/shardpb"
)

var log = logging.For("multishardbench")

func main() {
	var (
		shardCount  = flag.Int("shards", 4, "number of shards in the simulated cluster")
		partitions  = flag.Int("partitions", 10, "number of synthetic partitions to seed")
		rowsPer     = flag.Int("rows-per-partition", 3, "rows written to each synthetic partition")
		rowLimit    = flag.Int("row-limit", 7, "page row_limit")
		maxInFlight = flag.Int("max-in-flight-readers", 8, "per-shard admission in-flight reader cap")
		bytesBudget = flag.Int64("bytes-budget", 1<<20, "per-shard admission bytes-in-flight budget")
		pageCount   = flag.Int("pages", 3, "maximum number of pages to fetch")
		reversed    = flag.Bool("reversed", false, "issue a reversed-clustering query")
	)
	flag.Parse()

	schema := shardpb.SchemaVersion{1}
	shfn := sharder.Simple(*shardCount)

	cluster := memdb.NewCluster(*shardCount, schema, shfn, *maxInFlight, *bytesBudget, 256, 30*time.Second)
	seed(cluster, shfn, *partitions, *rowsPer)

	// A real caller resolves the sharder from the schema it is reading,
	// not from the cluster topology directly; the in-memory tables
	// already carry the one we seeded them with.
	shfn = cluster.Table(0).Sharder()

	met := metrics.NewStats(nil)
	queryID := uuid.New()
	ranges := shardpb.RangeVector{shardpb.FullRange()}
	slice := shardpb.Slice{IsReversed: *reversed}

	ctx := context.Background()
	pagesFetched := 0
	totalRows := 0

	for pagesFetched < *pageCount {
		cmd := shardpb.ReadCommand{
			SchemaVersion:        schema,
			Slice:                slice,
			RowLimit:             *rowLimit,
			PartitionLimit:       0,
			PerPartitionRowLimit: 0,
			MaxResultSize:        0,
			QueryID:              &queryID,
			IsFirstPage:          pagesFetched == 0,
			Timestamp:            time.Now().UnixNano(),
		}

		page, hitRate, err := coordinator.QueryDataOnAllShards(
			ctx, cluster, shfn, cmd, schema, ranges, slice, time.Now().Add(5*time.Second), nil, met)
		if err != nil {
			log.Error("query failed", "err", err)
			os.Exit(1)
		}

		rows := 0
		for _, p := range page.Partitions {
			rows += len(p.Rows)
		}
		totalRows += rows
		pagesFetched++
		fmt.Printf("page %d: %d partitions, %d rows, end_of_stream=%v short_read=%v cache_hit_rate=%.2f\n",
			pagesFetched, len(page.Partitions), rows, page.EndOfStream, page.ShortRead, hitRate)

		if page.EndOfStream {
			break
		}
	}

	fmt.Printf("done: %d pages, %d total rows delivered\n", pagesFetched, totalRows)
}

// seed inserts n synthetic partitions, each with rowsPer live
// clustering rows, distributed across the cluster's shards by shfn.
func seed(cluster *memdb.Cluster, shfn sharder.Func, n, rowsPer int) {
	for i := 0; i < n; i++ {
		key := shardpb.PartitionKey{
			Key:   []byte(fmt.Sprintf("pk-%04d", i)),
			Token: shardpb.Token(i * 97),
		}
		shard := shfn(key.Token)

		frags := make([]shardpb.Fragment, 0, rowsPer+2)
		frags = append(frags, shardpb.Fragment{Kind: shardpb.PartitionStart, Partition: key, Footprint: 16})
		for r := 0; r < rowsPer; r++ {
			frags = append(frags, shardpb.Fragment{
				Kind:           shardpb.ClusteringRow,
				Partition:      key,
				Clustering:     &shardpb.ClusteringKey{Values: []byte(fmt.Sprintf("ck-%03d", r))},
				WriteTimestamp: 1,
				Footprint:      64,
			})
		}
		frags = append(frags, shardpb.Fragment{Kind: shardpb.PartitionEnd, Partition: key})

		cluster.Table(shard).InsertPartition(key, frags)
	}
}
