package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
)

func TestNewPool_IdentifiersInOrder(t *testing.T) {
	p, err := NewPool(4)
	require.NoError(t, err)

	for want := 0; want < 4; want++ {
		assert.Equal(t, want, p.Acquire())
	}
	assert.Equal(t, 4, p.InFlight())
	assert.Equal(t, 0, p.Available())
}

func TestNewPool_RejectsEmpty(t *testing.T) {
	_, err := NewPool(0)
	assert.True(t, ioerr.IsCode(err, ioerr.CodeInvalidArgument))
}

func TestPool_FifthAcquireBlocksUntilRelease(t *testing.T) {
	p, err := NewPool(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		p.Acquire()
	}

	got := make(chan int, 1)
	go func() { got <- p.Acquire() }()

	select {
	case id := <-got:
		t.Fatalf("acquire on an empty pool returned %d", id)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release(2))
	select {
	case id := <-got:
		assert.Equal(t, 2, id)
	case <-time.After(time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

func TestPool_ReleaseWakesExactlyOne(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	id := p.Acquire()

	got := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() { got <- p.Acquire() }()
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.Release(id))
	<-got
	select {
	case <-got:
		t.Fatal("one release admitted two waiters")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, p.InFlight())
}

func TestPool_WaitersServedInArrivalOrder(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	held := p.Acquire()

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := p.Acquire()
			order <- n
			_ = p.Release(id)
		}(i)
		// Let each waiter queue before the next arrives
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, p.Release(held))
	wg.Wait()
	close(order)

	want := 0
	for n := range order {
		assert.Equal(t, want, n)
		want++
	}
}

func TestPool_N_Plus_One(t *testing.T) {
	const n = 3
	p, err := NewPool(n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < n+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := p.Acquire()
			mu.Lock()
			if f := p.InFlight(); f > maxSeen {
				maxSeen = f
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			assert.NoError(t, p.Release(id))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, n)
	assert.Equal(t, n, p.Available())
}

func TestPool_InvalidRelease(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)

	assert.True(t, ioerr.IsCode(p.Release(-1), ioerr.CodeInvalidArgument))
	assert.True(t, ioerr.IsCode(p.Release(2), ioerr.CodeInvalidArgument))
	assert.True(t, ioerr.IsCode(p.Release(0), ioerr.CodeInvalidArgument), "never checked out")

	id := p.Acquire()
	require.NoError(t, p.Release(id))
	assert.True(t, ioerr.IsCode(p.Release(id), ioerr.CodeInvalidArgument), "double release")

	assert.Equal(t, 2, p.Available())
	assert.Equal(t, 2, len(p.slots), "double release must not grow the pool")
}

func TestPool_TryAcquire(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	id, ok := p.TryAcquire()
	require.True(t, ok)
	assert.Equal(t, 0, id)

	_, ok = p.TryAcquire()
	assert.False(t, ok)

	require.NoError(t, p.Release(id))
	p.Close()
	_, ok = p.TryAcquire()
	assert.False(t, ok, "closed pool hands out nothing")
}

func TestPools_DirectionsIndependent(t *testing.T) {
	ps, err := NewPools(1)
	require.NoError(t, err)

	r := ps.For(dma.Read).Acquire()
	_, ok := ps.For(dma.Write).TryAcquire()
	assert.True(t, ok, "draining reads leaves writes untouched")
	assert.Nil(t, ps.For(dma.Direction(7)))

	require.NoError(t, ps.Read.Release(r))
	ps.Close()
}

func BenchmarkPool_AcquireRelease(b *testing.B) {
	p, err := NewPool(8)
	if err != nil {
		b.Fatal(err)
	}
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := p.Acquire()
			_ = p.Release(id)
		}
	})
}
