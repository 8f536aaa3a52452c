// Package pintest provides a page source that records every pin, unpin,
// flush and dirty marking, with injectable failures.
package pintest

import (
	"sync"

	"github.com/ehrlich-b/go-onic/internal/pin"
)

// Source is a fake pin.PageSource. The zero value is not usable; call New.
type Source struct {
	// Limit caps the number of pages a single Get pins (0 = no cap),
	// simulating a partial pin.
	Limit int
	// Err is returned by Get alongside whatever was pinned before Limit.
	Err error
	// DuplicateAt makes page i alias page i-1 (0 = disabled).
	DuplicateAt int

	pageSize int

	mu       sync.Mutex
	pinned   map[uintptr]int
	gets     int
	puts     int
	flushes  int
	dirty    []pin.Page
	clean    []pin.Page
	putOrder []uintptr
}

// New creates a fake source for the given page size
func New(pageSize int) *Source {
	return &Source{
		pageSize: pageSize,
		pinned:   make(map[uintptr]int),
	}
}

// Get implements pin.PageSource
func (s *Source) Get(addr uintptr, pages []pin.Page) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(pages)
	if s.Limit > 0 && s.Limit < n {
		n = s.Limit
	}
	for i := 0; i < n; i++ {
		a := addr + uintptr(i*s.pageSize)
		if s.DuplicateAt > 0 && i == s.DuplicateAt {
			a = pages[i-1].Addr
		}
		pages[i] = pin.Page{Addr: a}
		s.pinned[a]++
		s.gets++
	}
	return n, s.Err
}

// Put implements pin.PageSource
func (s *Source) Put(p pin.Page, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	s.putOrder = append(s.putOrder, p.Addr)
	if dirty {
		s.dirty = append(s.dirty, p)
	} else {
		s.clean = append(s.clean, p)
	}
	if s.pinned[p.Addr] <= 1 {
		delete(s.pinned, p.Addr)
	} else {
		s.pinned[p.Addr]--
	}
}

// Flush implements pin.PageSource
func (s *Source) Flush(pin.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

// Pinned returns the number of page pins not yet released
func (s *Source) Pinned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.pinned {
		total += n
	}
	return total
}

// Gets returns the total number of pages pinned
func (s *Source) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Puts returns the total number of pages released
func (s *Source) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Flushes returns the number of Flush calls
func (s *Source) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// DirtyPuts returns the pages released with the dirty flag set
func (s *Source) DirtyPuts() []pin.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pin.Page(nil), s.dirty...)
}

// CleanPuts returns the pages released without the dirty flag
func (s *Source) CleanPuts() []pin.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pin.Page(nil), s.clean...)
}

// PutOrder returns the addresses of released pages in release order
func (s *Source) PutOrder() []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uintptr(nil), s.putOrder...)
}

var _ pin.PageSource = (*Source)(nil)
