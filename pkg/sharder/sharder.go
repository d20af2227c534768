// Package sharder provides the pure token-to-shard mapping function
// used by every component that must decide which shard owns a given
// partition.
package sharder

import "github.com/dbshard/multishard/pkg/shardpb"

// Func maps a token to the shard that owns the partition it belongs
// to. Implementations must be pure and total.
type Func func(shardpb.Token) shardpb.ShardID

// Simple returns a sharder that distributes tokens evenly across
// shardCount shards by simple modulo. It is a stand-in for whatever
// consistent-hashing scheme a real schema's sharder uses; the
// coordinator only relies on the function being pure and on
// of(key.Token) always landing in [0, shardCount).
func Simple(shardCount int) Func {
	if shardCount <= 0 {
		panic("sharder: shardCount must be positive")
	}
	n := uint64(shardCount)
	return func(t shardpb.Token) shardpb.ShardID {
		return shardpb.ShardID(uint64(t) % n)
	}
}
