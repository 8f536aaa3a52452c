// Package queue hands out hardware queue identifiers. Each direction owns
// a fixed pool; a request holds one identifier for its whole lifetime.
package queue

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
)

// Pool is a bounded set of queue identifiers 0..N-1.
//
// A counting gate of N permits is the only place callers wait; waiters are
// admitted in arrival order. Identifiers themselves sit in a buffered
// channel used as a ring: a permit guarantees an identifier is present, so
// taking one never waits on the gate's lock.
type Pool struct {
	size  int
	gate  *semaphore.Weighted
	slots chan int
	out   []atomic.Bool

	inFlight atomic.Int64
	closed   atomic.Bool
}

// NewPool creates a pool holding identifiers 0..n-1 in order
func NewPool(n int) (*Pool, error) {
	if n <= 0 {
		return nil, ioerr.Newf("queue", ioerr.CodeInvalidArgument, "pool size %d must be positive", n)
	}
	p := &Pool{
		size:  n,
		gate:  semaphore.NewWeighted(int64(n)),
		slots: make(chan int, n),
		out:   make([]atomic.Bool, n),
	}
	for id := 0; id < n; id++ {
		p.slots <- id
	}
	return p, nil
}

// Acquire takes an identifier, waiting as long as necessary. It cannot
// time out or be cancelled.
func (p *Pool) Acquire() int {
	// Background never expires, so the only return is with a permit
	_ = p.gate.Acquire(context.Background(), 1)
	return p.take()
}

// TryAcquire takes an identifier if one is free right now
func (p *Pool) TryAcquire() (int, bool) {
	if p.closed.Load() || !p.gate.TryAcquire(1) {
		return -1, false
	}
	return p.take(), true
}

func (p *Pool) take() int {
	id := <-p.slots
	p.out[id].Store(true)
	p.inFlight.Add(1)
	return id
}

// Release returns id to the pool and wakes the oldest waiter, if any.
// An identifier that is out of range or not checked out is rejected and
// the pool is left unchanged.
func (p *Pool) Release(id int) error {
	if id < 0 || id >= p.size {
		return ioerr.Newf("release", ioerr.CodeInvalidArgument, "queue id %d out of range [0,%d)", id, p.size)
	}
	if !p.out[id].CompareAndSwap(true, false) {
		return ioerr.Newf("release", ioerr.CodeInvalidArgument, "queue id %d is not checked out", id)
	}
	p.inFlight.Add(-1)
	p.slots <- id
	p.gate.Release(1)
	return nil
}

// Cap returns the number of identifiers in the pool
func (p *Pool) Cap() int {
	return p.size
}

// Available returns the number of identifiers not checked out
func (p *Pool) Available() int {
	return p.size - int(p.inFlight.Load())
}

// InFlight returns the number of identifiers checked out
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Close marks the pool as torn down. TryAcquire fails afterwards;
// callers must stop calling Acquire before Close. Outstanding
// identifiers may still be released.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// Pools holds one pool per direction. The pools share no state.
type Pools struct {
	Read  *Pool
	Write *Pool
}

// NewPools creates a read and a write pool of n identifiers each
func NewPools(n int) (*Pools, error) {
	r, err := NewPool(n)
	if err != nil {
		return nil, err
	}
	w, err := NewPool(n)
	if err != nil {
		return nil, err
	}
	return &Pools{Read: r, Write: w}, nil
}

// For returns the pool serving dir, nil for an unknown direction
func (ps *Pools) For(dir dma.Direction) *Pool {
	switch dir {
	case dma.Read:
		return ps.Read
	case dma.Write:
		return ps.Write
	default:
		return nil
	}
}

// Close closes both pools
func (ps *Pools) Close() {
	ps.Read.Close()
	ps.Write.Close()
}
