package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate_SuppressesWithinInterval(t *testing.T) {
	g := New(30*time.Second, 0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, g.Allow("10.0.0.5", "brute", t0))
	assert.False(t, g.Allow("10.0.0.5", "brute", t0.Add(10*time.Second)))
	assert.False(t, g.Allow("10.0.0.5", "brute", t0.Add(29*time.Second)))
	assert.True(t, g.Allow("10.0.0.5", "brute", t0.Add(30*time.Second)))

	s := g.Stats()
	assert.Equal(t, uint64(2), s.Allowed)
	assert.Equal(t, uint64(2), s.Suppressed)
}

func TestGate_KeysAreIndependent(t *testing.T) {
	g := New(time.Minute, 0)
	t0 := time.Now()

	assert.True(t, g.Allow("10.0.0.5", "brute", t0))
	assert.True(t, g.Allow("10.0.0.5", "sweep", t0))
	assert.True(t, g.Allow("10.0.0.6", "brute", t0))
	assert.False(t, g.Allow("10.0.0.6", "brute", t0))
}

func TestGate_OutOfOrderIsSuppressed(t *testing.T) {
	g := New(time.Minute, 0)
	t0 := time.Now()

	assert.True(t, g.Allow("10.0.0.5", "arp", t0))
	assert.False(t, g.Allow("10.0.0.5", "arp", t0.Add(-5*time.Minute)))
}

func TestGate_EvictionForgets(t *testing.T) {
	g := New(time.Hour, 2)
	t0 := time.Now()

	g.Allow("10.0.0.1", "d", t0)
	g.Allow("10.0.0.2", "d", t0)
	g.Allow("10.0.0.3", "d", t0)

	assert.Equal(t, 2, g.Stats().Tracked)
	assert.True(t, g.Allow("10.0.0.1", "d", t0.Add(time.Second)), "evicted key should alert again")
}

func TestGate_Reset(t *testing.T) {
	g := New(time.Hour, 0)
	t0 := time.Now()

	g.Allow("10.0.0.1", "d", t0)
	g.Reset()
	assert.True(t, g.Allow("10.0.0.1", "d", t0))
}

func TestGate_ConcurrentSingleWinner(t *testing.T) {
	g := New(time.Minute, 0)
	t0 := time.Now()

	var wg sync.WaitGroup
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Allow("10.0.0.9", "brute", t0)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
