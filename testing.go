package onic

import (
	"context"
	"sync"
	"syscall"
	"time"
)

// MockEngine provides a scriptable Engine for testing. It emulates card
// memory like the memory engine, and can be told to hang, fail or come up
// short. It tracks calls and concurrency per queue for verification.
type MockEngine struct {
	data   []byte
	size   int64
	closed bool

	// Scripted behaviour
	hang  bool
	err   error
	short int // bytes to withhold from each transfer
	delay time.Duration

	// Method call tracking
	mu          sync.Mutex
	readCalls   int
	writeCalls  int
	active      map[QueueHandle]int
	maxActive   int
	current     int
	overlapping bool
	requests    []Request
}

// NewMockEngine creates a new mock engine with size bytes of card memory.
// This is useful for unit testing applications that drive a Device.
func NewMockEngine(size int64) *MockEngine {
	return &MockEngine{
		data:   make([]byte, size),
		size:   size,
		active: make(map[QueueHandle]int),
	}
}

// Submit implements the Engine interface
func (m *MockEngine) Submit(ctx context.Context, q QueueHandle, req *Request) (int, error) {
	m.mu.Lock()
	if q.Dir == Read {
		m.readCalls++
	} else {
		m.writeCalls++
	}
	m.requests = append(m.requests, *req)
	m.active[q]++
	if m.active[q] > 1 {
		m.overlapping = true
	}
	m.current++
	if m.current > m.maxActive {
		m.maxActive = m.current
	}
	hang, err, short, delay, closed := m.hang, m.err, m.short, m.delay, m.closed
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active[q]--
		m.current--
		m.mu.Unlock()
	}()

	if closed {
		return 0, syscall.EBADF
	}
	if hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	off := req.DeviceOffset
	n := 0
	for e := req.Table.Head(); e != nil && off < m.size; e = e.Next() {
		var c int
		if q.Dir == Read {
			c = copy(e.Bytes(), m.data[off:])
		} else {
			c = copy(m.data[off:], e.Bytes())
		}
		n += c
		off += int64(c)
	}
	if short > 0 {
		n = max(n-short, 0)
	}
	return n, nil
}

// Size implements the SizedEngine interface
func (m *MockEngine) Size() int64 {
	return m.size
}

// Close implements the Engine interface
func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Testing utility methods

// SetHang makes every following transfer block until its deadline
func (m *MockEngine) SetHang(hang bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hang = hang
}

// SetError makes every following transfer fail with err (nil clears it)
func (m *MockEngine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetShort makes every following transfer report n fewer bytes
func (m *MockEngine) SetShort(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.short = n
}

// SetDelay makes every following transfer take at least d
func (m *MockEngine) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// IsClosed returns true if the engine has been closed
func (m *MockEngine) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns the number of transfers submitted per direction
func (m *MockEngine) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
	}
}

// MaxConcurrent returns the largest number of transfers seen in flight
func (m *MockEngine) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

// QueueOverlap reports whether any queue handle ever carried two transfers
// at once
func (m *MockEngine) QueueOverlap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlapping
}

// Requests returns copies of every submitted request. Their tables are
// no longer valid.
func (m *MockEngine) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Bytes returns a copy of card memory in [off, off+n)
func (m *MockEngine) Bytes(off int64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= m.size {
		return nil
	}
	end := min(off+int64(n), m.size)
	return append([]byte(nil), m.data[off:end]...)
}

// Reset resets all call counters and scripted behaviour
func (m *MockEngine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.maxActive = 0
	m.overlapping = false
	m.requests = nil
	m.hang = false
	m.err = nil
	m.short = 0
	m.delay = 0
}

// Compile-time interface checks
var _ Engine = (*MockEngine)(nil)
