package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := NewShardedPriceCache()
	c.Set("BTC", decimal.RequireFromString("60000.5"))

	p, ok := c.Get("BTC")
	assert.True(t, ok)
	assert.Equal(t, "60000.5", p.String())

	_, ok = c.Get("ETH")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCleanupDropsStaleEntries(t *testing.T) {
	c := NewShardedPriceCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Set("OLD", decimal.NewFromInt(1))
	now = now.Add(time.Hour)
	c.Set("NEW", decimal.NewFromInt(2))

	assert.Equal(t, 1, c.Cleanup(30*time.Minute))
	_, ok := c.Get("NEW")
	assert.True(t, ok)
	assert.Len(t, c.All(), 1)
}

func TestConcurrentWriters(t *testing.T) {
	c := NewShardedPriceCache()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("S%d", i), decimal.NewFromInt(int64(i)))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, c.Len())
}
