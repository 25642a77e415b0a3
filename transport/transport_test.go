package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lishenglong/rDSN/gpid"
)

func TestHashedExecutorSerializesPerGPID(t *testing.T) {
	exec := NewHashedExecutor()
	g := gpid.New(1, 0)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		exec.For(g).Go(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestHashedExecutorReturnsSameRunnerForSameGPID(t *testing.T) {
	exec := NewHashedExecutor()
	g := gpid.New(3, 1)

	require.Same(t, exec.For(g), exec.For(g))
	require.NotSame(t, exec.For(g), exec.For(gpid.New(3, 2)))
}

func TestShardedExecutorPinsGPIDToStableShard(t *testing.T) {
	exec := NewShardedExecutor(4)
	g := gpid.New(7, 2)

	require.Same(t, exec.For(g), exec.For(g))
}

func TestShardedExecutorSerializesWithinAShard(t *testing.T) {
	exec := NewShardedExecutor(2)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Many partitions packed onto a pool much smaller than the partition
	// count still execute each submission in order within its own shard.
	for i := 0; i < 20; i++ {
		i := i
		g := gpid.New(int32(i), 0)
		wg.Add(1)
		exec.For(g).Go(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, order, 20)
}

func TestTimerCancelReportsWhetherItBeatTheFire(t *testing.T) {
	exec := NewHashedExecutor()
	runner := exec.For(gpid.New(1, 0))

	fired := make(chan struct{})
	timer := runner.Schedule(50*time.Millisecond, func() { close(fired) })
	require.True(t, timer.Cancel())

	select {
	case <-fired:
		t.Fatal("cancelled timer must not fire")
	case <-time.After(100 * time.Millisecond):
	}

	timer = runner.Schedule(time.Millisecond, func() { close(fired) })
	<-fired
	require.False(t, timer.Cancel())
}
