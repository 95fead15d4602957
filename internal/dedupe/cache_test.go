// ABOUTME: Tests for the dedupe cache
// ABOUTME: Covers first-sight semantics, TTL expiry, size bounds, concurrency

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Hour, 100)

	assert.True(t, c.CheckAndMark("m1"))
	assert.False(t, c.CheckAndMark("m1"))
	assert.True(t, c.CheckAndMark("m2"))
}

func TestTTLExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 100)

	assert.True(t, c.CheckAndMark("m1"))
	assert.False(t, c.CheckAndMark("m1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.CheckAndMark("m1"))
}

func TestForgetAllowsRetry(t *testing.T) {
	c := New(time.Hour, 100)

	assert.True(t, c.CheckAndMark("m1"))
	c.Forget("m1")
	assert.True(t, c.CheckAndMark("m1"))
	assert.False(t, c.CheckAndMark("m1"))

	// Forgetting an unknown id is harmless
	c.Forget("never-seen")
}

func TestSizeBound(t *testing.T) {
	c := New(time.Hour, 10)

	for i := 0; i < 50; i++ {
		c.CheckAndMark(fmt.Sprintf("m%d", i))
	}
	assert.LessOrEqual(t, c.Len(), 10)
}

func TestConcurrentSingleWinner(t *testing.T) {
	c := New(time.Hour, 1000)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.CheckAndMark("same-id") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
