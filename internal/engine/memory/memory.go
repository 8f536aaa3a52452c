// Package memory provides an engine backed by emulated card memory
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/engine"
)

// Memory emulates on-card memory as a byte array. Card-to-host requests
// copy device memory into the request's segments; host-to-card requests
// copy the segments into device memory.
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	latency atomic.Int64 // nanoseconds added to every request

	busyMu sync.Mutex
	busy   map[dma.QueueHandle]bool
	queues sync.Map // dma.QueueHandle -> *queueStats
}

type queueStats struct {
	requests atomic.Uint64
	bytes    atomic.Uint64
}

// NewMemory creates a new memory engine of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
		busy: make(map[dma.QueueHandle]bool),
	}
}

// SetLatency makes every request take at least d before completing
func (m *Memory) SetLatency(d time.Duration) {
	m.latency.Store(int64(d))
}

// Submit implements engine.Engine
func (m *Memory) Submit(ctx context.Context, q dma.QueueHandle, req *engine.Request) (int, error) {
	if req == nil || req.Table == nil {
		return 0, syscall.EINVAL
	}
	if !m.claim(q) {
		return 0, syscall.EBUSY
	}
	defer m.unclaim(q)

	if d := time.Duration(m.latency.Load()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	var err error
	switch req.Direction {
	case dma.Read:
		n, err = m.toHost(req)
	case dma.Write:
		n, err = m.toCard(req)
	default:
		return 0, syscall.EINVAL
	}

	st := m.stats(q)
	st.requests.Add(1)
	st.bytes.Add(uint64(n))
	return n, err
}

func (m *Memory) toHost(req *engine.Request) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, syscall.EBADF
	}
	off := req.DeviceOffset
	n := 0
	for e := req.Table.Head(); e != nil && off < m.size; e = e.Next() {
		c := copy(e.Bytes(), m.data[off:])
		n += c
		off += int64(c)
	}
	return n, nil
}

func (m *Memory) toCard(req *engine.Request) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, syscall.EBADF
	}
	off := req.DeviceOffset
	if off >= m.size && req.Length > 0 {
		return 0, syscall.ENOSPC
	}
	n := 0
	for e := req.Table.Head(); e != nil && off < m.size; e = e.Next() {
		c := copy(m.data[off:], e.Bytes())
		n += c
		off += int64(c)
	}
	return n, nil
}

func (m *Memory) claim(q dma.QueueHandle) bool {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	if m.busy[q] {
		return false
	}
	m.busy[q] = true
	return true
}

func (m *Memory) unclaim(q dma.QueueHandle) {
	m.busyMu.Lock()
	defer m.busyMu.Unlock()
	delete(m.busy, q)
}

func (m *Memory) stats(q dma.QueueHandle) *queueStats {
	if v, ok := m.queues.Load(q); ok {
		return v.(*queueStats)
	}
	v, _ := m.queues.LoadOrStore(q, &queueStats{})
	return v.(*queueStats)
}

// QueueRequests returns the number of requests completed on q
func (m *Memory) QueueRequests(q dma.QueueHandle) uint64 {
	return m.stats(q).requests.Load()
}

// Size implements engine.SizedEngine
func (m *Memory) Size() int64 {
	return m.size
}

// Bytes returns a copy of device memory in [off, off+n)
func (m *Memory) Bytes(off int64, n int) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= m.size || m.data == nil {
		return nil
	}
	end := min(off+int64(n), m.size)
	return append([]byte(nil), m.data[off:end]...)
}

// Close implements engine.Engine
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	return nil
}

// Stats implements engine.StatEngine
func (m *Memory) Stats() map[string]any {
	m.mu.RLock()
	allocated := len(m.data)
	m.mu.RUnlock()

	var requests, bytes uint64
	queues := 0
	m.queues.Range(func(_, v any) bool {
		st := v.(*queueStats)
		requests += st.requests.Load()
		bytes += st.bytes.Load()
		queues++
		return true
	})
	return map[string]any{
		"type":      "memory",
		"size":      m.size,
		"allocated": allocated,
		"requests":  requests,
		"bytes":     bytes,
		"queues":    queues,
	}
}

// Compile-time interface checks
var (
	_ engine.Engine      = (*Memory)(nil)
	_ engine.StatEngine  = (*Memory)(nil)
	_ engine.SizedEngine = (*Memory)(nil)
)
