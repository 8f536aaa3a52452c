package sg

import "sync"

// Entry storage is pooled in size buckets (1, 4, 16, 64, 256 entries) to
// keep table construction off the allocator on the hot path. Tables
// larger than the top bucket are plain allocations and are not returned.
//
// Uses the *[]Entry pattern to avoid sync.Pool interface allocation overhead.

const (
	bucket1   = 1
	bucket4   = 4
	bucket16  = 16
	bucket64  = 64
	bucket256 = 256
)

var entryPool = struct {
	pool1   sync.Pool
	pool4   sync.Pool
	pool16  sync.Pool
	pool64  sync.Pool
	pool256 sync.Pool
}{
	pool1:   sync.Pool{New: func() any { e := make([]Entry, bucket1); return &e }},
	pool4:   sync.Pool{New: func() any { e := make([]Entry, bucket4); return &e }},
	pool16:  sync.Pool{New: func() any { e := make([]Entry, bucket16); return &e }},
	pool64:  sync.Pool{New: func() any { e := make([]Entry, bucket64); return &e }},
	pool256: sync.Pool{New: func() any { e := make([]Entry, bucket256); return &e }},
}

// getEntries returns storage for at least n entries
func getEntries(n int) *[]Entry {
	switch {
	case n <= bucket1:
		return entryPool.pool1.Get().(*[]Entry)
	case n <= bucket4:
		return entryPool.pool4.Get().(*[]Entry)
	case n <= bucket16:
		return entryPool.pool16.Get().(*[]Entry)
	case n <= bucket64:
		return entryPool.pool64.Get().(*[]Entry)
	case n <= bucket256:
		return entryPool.pool256.Get().(*[]Entry)
	default:
		e := make([]Entry, n)
		return &e
	}
}

// putEntries returns storage to its bucket. Capacity decides the bucket.
func putEntries(p *[]Entry) {
	if p == nil {
		return
	}
	switch cap(*p) {
	case bucket1:
		entryPool.pool1.Put(p)
	case bucket4:
		entryPool.pool4.Put(p)
	case bucket16:
		entryPool.pool16.Put(p)
	case bucket64:
		entryPool.pool64.Put(p)
	case bucket256:
		entryPool.pool256.Put(p)
		// Oversized storage is left to the garbage collector
	}
}
