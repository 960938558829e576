package cache

import (
	"sync"

	"github.com/hupe1980/segkv/internal/resource"
)

const numShards = 64

// ShardedLRU distributes entries across 64 LRU shards to reduce lock
// contention. A nil *ShardedLRU is a valid, always-empty cache.
type ShardedLRU struct {
	shards [numShards]*LRU
}

// NewShardedLRU creates a sharded cache. The capacity is divided evenly
// across all shards.
func NewShardedLRU(capacity int64, rc *resource.Controller) *ShardedLRU {
	shardCapacity := max(capacity/numShards, 1)

	s := &ShardedLRU{}
	for i := range numShards {
		s.shards[i] = NewLRU(shardCapacity, rc)
	}
	return s
}

// shard mixes the key with splitmix64 so neighbouring offsets in one
// segment land on different shards.
func (s *ShardedLRU) shard(key uint64) *LRU {
	z := key + 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return s.shards[z%numShards]
}

// Get returns a cached value.
func (s *ShardedLRU) Get(key uint64) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	return s.shard(key).Get(key)
}

// Set caches a value.
func (s *ShardedLRU) Set(key uint64, b []byte) {
	if s == nil {
		return
	}
	s.shard(key).Set(key, b)
}

// Remove drops key if present.
func (s *ShardedLRU) Remove(key uint64) {
	if s == nil {
		return
	}
	s.shard(key).Remove(key)
}

// Invalidate removes entries matching the predicate from every shard
// and returns how many were removed.
func (s *ShardedLRU) Invalidate(predicate func(key uint64) bool) int {
	if s == nil {
		return 0
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	wg.Add(numShards)
	for i := range numShards {
		go func(shard *LRU) {
			defer wg.Done()
			n := shard.Invalidate(predicate)
			mu.Lock()
			removed += n
			mu.Unlock()
		}(s.shards[i])
	}
	wg.Wait()
	return removed
}

// Purge removes every entry.
func (s *ShardedLRU) Purge() {
	if s == nil {
		return
	}
	for i := range numShards {
		s.shards[i].Purge()
	}
}

// Stats returns aggregated hit and miss counts.
func (s *ShardedLRU) Stats() (hits, misses int64) {
	if s == nil {
		return 0, 0
	}
	for i := range numShards {
		h, m := s.shards[i].Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total cached bytes.
func (s *ShardedLRU) Size() int64 {
	if s == nil {
		return 0
	}
	var total int64
	for i := range numShards {
		total += s.shards[i].Size()
	}
	return total
}

// Len returns the number of entries.
func (s *ShardedLRU) Len() int {
	if s == nil {
		return 0
	}
	var n int
	for i := range numShards {
		n += s.shards[i].Len()
	}
	return n
}
