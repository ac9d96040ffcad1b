package gate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitUpToCeiling(t *testing.T) {
	g := New(3)

	assert.True(t, g.TryAdmit())
	assert.True(t, g.TryAdmit())
	assert.True(t, g.TryAdmit())
	assert.False(t, g.TryAdmit(), "fourth admit must be dropped")

	st := g.Stats()
	assert.Equal(t, int64(3), st.InFlight)
	assert.Equal(t, int64(3), st.Admitted)
	assert.Equal(t, int64(1), st.Dropped)
}

func TestReleaseFreesSlot(t *testing.T) {
	g := New(1)

	require.True(t, g.TryAdmit())
	require.False(t, g.TryAdmit())
	g.Release()
	assert.True(t, g.TryAdmit())
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	g := New(2)
	g.Release()
	g.Release()

	assert.Equal(t, 0, g.InFlight())
	assert.True(t, g.TryAdmit())
	assert.True(t, g.TryAdmit())
	assert.False(t, g.TryAdmit(), "ceiling must not widen after stray releases")
}

// Hammer the gate from many goroutines and check the invariant that the
// number of simultaneous holders never exceeds the ceiling.
func TestConcurrentAdmitsNeverExceedCeiling(t *testing.T) {
	const ceiling = 3
	const workers = 64
	const rounds = 200

	g := New(ceiling)
	var holders atomic.Int64
	var maxSeen atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if !g.TryAdmit() {
					continue
				}
				cur := holders.Add(1)
				for {
					max := maxSeen.Load()
					if cur <= max || maxSeen.CompareAndSwap(max, cur) {
						break
					}
				}
				holders.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(ceiling))
	assert.Equal(t, 0, g.InFlight())

	st := g.Stats()
	assert.Equal(t, int64(workers*rounds), st.Admitted+st.Dropped)
}

func TestMinimumCeiling(t *testing.T) {
	g := New(0)
	assert.True(t, g.TryAdmit())
	assert.False(t, g.TryAdmit())
}
