package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedLRU_Distribution(t *testing.T) {
	c := NewShardedLRU(64<<20, nil)

	for i := range uint64(1000) {
		c.Set(i<<16, make([]byte, 64))
	}
	assert.Equal(t, 1000, c.Len())

	nonEmpty := 0
	for i := range numShards {
		if c.shards[i].Len() > 0 {
			nonEmpty++
		}
	}
	assert.Greater(t, nonEmpty, numShards/2)
}

func TestShardedLRU_Invalidate(t *testing.T) {
	c := NewShardedLRU(1<<20, nil)
	for i := range uint64(100) {
		c.Set(i, []byte{1})
	}
	assert.Equal(t, 50, c.Invalidate(func(k uint64) bool { return k < 50 }))

	_, ok := c.Get(10)
	assert.False(t, ok)
	_, ok = c.Get(60)
	assert.True(t, ok)
}

func TestShardedLRU_Nil(t *testing.T) {
	var c *ShardedLRU
	c.Set(1, []byte("x"))
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Zero(t, c.Invalidate(func(uint64) bool { return true }))
	assert.Zero(t, c.Size())
	c.Purge()
}

func TestShardedLRU_Concurrent(t *testing.T) {
	c := NewShardedLRU(1<<20, nil)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := uint64(g*1000 + i)
				c.Set(key, []byte{byte(i)})
				v, ok := c.Get(key)
				if ok {
					assert.Equal(t, byte(i), v[0])
				}
			}
		}()
	}
	wg.Wait()

	hits, _ := c.Stats()
	assert.Positive(t, hits)
}
