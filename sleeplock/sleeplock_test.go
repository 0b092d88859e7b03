package sleeplock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New("test")
	assert.False(t, l.Holding())
	l.Acquire(1)
	assert.True(t, l.Holding())
	assert.Equal(t, int64(1), l.HolderID())
	l.Release()
	assert.False(t, l.Holding())
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	l := New("test")
	require.Panics(t, func() { l.Release() })
}

func TestSerializesWaiters(t *testing.T) {
	l := New("test")
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	l.Acquire(0) // hold it so both goroutines below must wait

	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			l.Acquire(id)
			mu.Lock()
			order = append(order, int(id))
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			l.Release()
		}(int64(i))
	}

	time.Sleep(10 * time.Millisecond) // let both goroutines start waiting
	l.Release()                       // release the initial hold

	wg.Wait()
	assert.Len(t, order, 2)
	assert.False(t, l.Holding())
}
