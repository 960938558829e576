// Package cache provides a byte-bounded LRU for decoded records.
//
// Entries are keyed by record address. An address never changes its
// content while the segment it names is alive, so entries only need to be
// invalidated when segments are freed or the store is cleared.
//
// ShardedLRU spreads keys over 64 shards, each guarded by its own mutex.
// When a resource.Controller is attached, cached bytes count against its
// memory budget and a Set that does not fit is dropped.
package cache
