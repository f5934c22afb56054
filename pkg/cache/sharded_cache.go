package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache is a concurrent last-price cache keyed by symbol.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]PriceEntry
}

// PriceEntry is one cached price with its update time.
type PriceEntry struct {
	Price     decimal.Decimal
	UpdatedAt time.Time
}

// NewShardedPriceCache creates a new sharded cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]PriceEntry)}
	}
	return c
}

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *ShardedPriceCache) Set(symbol string, price decimal.Decimal) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = PriceEntry{Price: price, UpdatedAt: c.now()}
	shard.mu.Unlock()
}

// Get retrieves a price for a symbol.
func (c *ShardedPriceCache) Get(symbol string) (decimal.Decimal, bool) {
	e, ok := c.Entry(symbol)
	return e.Price, ok
}

// Entry retrieves the price together with its timestamp.
func (c *ShardedPriceCache) Entry(symbol string) (PriceEntry, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	e, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return e, ok
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many went.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, e := range shard.items {
			if e.UpdatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// All returns a copy of every cached entry.
func (c *ShardedPriceCache) All() map[string]PriceEntry {
	out := make(map[string]PriceEntry)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, e := range shard.items {
			out[sym] = e
		}
		shard.mu.RUnlock()
	}
	return out
}
