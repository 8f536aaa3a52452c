//go:build linux

package pin

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-onic/internal/logging"
)

// LockedSource pins pages with mlock(2). Locks are reference counted per
// page because mlock does not nest: two requests sharing a page must not
// unlock it under each other.
type LockedSource struct {
	pageSize int
	pagemap  *Pagemap
	logger   *logging.Logger

	mu   sync.Mutex
	refs map[uintptr]int
}

// NewLockedSource creates an mlock-backed page source. Frame numbers are
// resolved when /proc/self/pagemap is readable.
func NewLockedSource(pageSize int, logger *logging.Logger) *LockedSource {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &LockedSource{
		pageSize: pageSize,
		logger:   logger,
		refs:     make(map[uintptr]int),
	}
	if pm, err := OpenPagemap(pageSize); err == nil {
		s.pagemap = pm
	} else {
		logger.Debug("pagemap unavailable, frames unresolved", "error", err)
	}
	return s
}

// Get implements PageSource
func (s *LockedSource) Get(addr uintptr, pages []Page) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range pages {
		a := addr + uintptr(i*s.pageSize)
		if s.refs[a] == 0 {
			if err := s.lock(a); err != nil {
				return i, err
			}
		}
		s.refs[a]++
		pages[i] = Page{Addr: a, Frame: s.frame(a)}
	}
	return len(pages), nil
}

// Put implements PageSource
func (s *LockedSource) Put(p Page, dirty bool) {
	if dirty {
		// Write back file-backed buffers; a no-op for anonymous memory
		if _, _, errno := unix.Syscall(unix.SYS_MSYNC, p.Addr, uintptr(s.pageSize), unix.MS_ASYNC); errno != 0 {
			s.logger.Debug("msync failed", "addr", p.Addr, "error", errno)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.refs[p.Addr]
	switch {
	case n > 1:
		s.refs[p.Addr] = n - 1
	case n == 1:
		delete(s.refs, p.Addr)
		if _, _, errno := unix.Syscall(unix.SYS_MUNLOCK, p.Addr, uintptr(s.pageSize), 0); errno != 0 {
			s.logger.Warn("munlock failed", "addr", p.Addr, "error", errno)
		}
	default:
		s.logger.Error("put of unpinned page", "addr", p.Addr)
	}
}

// Flush implements PageSource
func (s *LockedSource) Flush(Page) {
	Mfence()
}

// Locked returns the number of distinct pages currently locked
func (s *LockedSource) Locked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Close releases the pagemap handle. Pages still pinned stay locked until
// the process exits.
func (s *LockedSource) Close() error {
	if s.pagemap != nil {
		return s.pagemap.Close()
	}
	return nil
}

func (s *LockedSource) lock(addr uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MLOCK, addr, uintptr(s.pageSize), 0); errno != 0 {
		return errno
	}
	return nil
}

func (s *LockedSource) frame(addr uintptr) uint64 {
	if s.pagemap == nil {
		return 0
	}
	f, err := s.pagemap.Frame(addr)
	if err != nil {
		return 0
	}
	return f
}

var _ PageSource = (*LockedSource)(nil)
