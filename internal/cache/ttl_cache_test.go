package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/auditrail/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewTTLCacheWithClock[string, int](clk.Now)

	c.Set("a", 1, time.Second)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Purge()
	_, ok = c.Get("b")
	assert.False(t, ok)
}
