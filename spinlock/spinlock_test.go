package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	l := New("test")
	assert.False(t, l.Holding())
	l.Lock()
	assert.True(t, l.Holding())
	l.Unlock()
	assert.False(t, l.Holding())
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	l := New("test")
	require.Panics(t, func() { l.Unlock() })
}

func TestTryLock(t *testing.T) {
	l := New("test")
	require.True(t, l.TryLock())
	require.False(t, l.TryLock())
	l.Unlock()
	require.True(t, l.TryLock())
	l.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	l := New("test")
	counter := 0
	var wg sync.WaitGroup
	const goroutines = 50
	const perGoroutine = 200
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*perGoroutine, counter)
}
