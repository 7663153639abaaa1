package ordering

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/internal/logging"
)

func seq(n int64) *int64 { return &n }

func TestAdmitIncreasingSequence(t *testing.T) {
	g := NewGuard(logging.Discard())
	for _, n := range []int64{1, 2, 3} {
		assert.True(t, g.Admit("score", seq(n)), "seq %d", n)
	}
	assert.Equal(t, int64(3), g.Cursor("score"))
}

func TestAdmitDropsStaleAndDuplicate(t *testing.T) {
	g := NewGuard(logging.Discard())
	require.True(t, g.Admit("score", seq(5)))

	assert.False(t, g.Admit("score", seq(3)), "older sequence")
	assert.False(t, g.Admit("score", seq(5)), "equal to cursor is a duplicate")
	assert.Equal(t, int64(5), g.Cursor("score"))

	assert.True(t, g.Admit("score", seq(6)))
}

func TestAdmitWithoutSequencePassesThrough(t *testing.T) {
	g := NewGuard(logging.Discard())
	require.True(t, g.Admit("score", seq(4)))

	assert.True(t, g.Admit("score", nil))
	assert.True(t, g.Admit("score", nil))
	assert.Equal(t, int64(4), g.Cursor("score"))
}

func TestCursorsAreIndependentPerEventType(t *testing.T) {
	g := NewGuard(logging.Discard())
	require.True(t, g.Admit("a", seq(10)))
	assert.True(t, g.Admit("b", seq(1)))
	assert.False(t, g.Admit("a", seq(1)))
}

func TestZeroAndNegativeNeverAcceptedOnFreshCursor(t *testing.T) {
	g := NewGuard(logging.Discard())
	assert.False(t, g.Admit("a", seq(0)))
	assert.False(t, g.Admit("a", seq(-1)))
	assert.True(t, g.Admit("a", seq(1)))
}

func TestResetClearsAllCursors(t *testing.T) {
	g := NewGuard(logging.Discard())
	require.True(t, g.Admit("a", seq(5)))
	require.True(t, g.Admit("b", seq(7)))

	g.Reset()

	assert.Empty(t, g.Snapshot())
	assert.True(t, g.Admit("a", seq(5)), "previously seen sequence accepted after reset")
}

func TestAdmitConcurrentDeliveriesAcceptEachSequenceOnce(t *testing.T) {
	g := NewGuard(logging.Discard())
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := int64(1); n <= 100; n++ {
				if g.Admit("x", seq(n)) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, accepted, 100)
	assert.Equal(t, int64(100), g.Cursor("x"))
}
