//go:build !linux

package pin

import (
	"errors"

	"github.com/ehrlich-b/go-onic/internal/logging"
)

var errNoLocking = errors.New("page locking is only supported on linux")

// LockedSource is unavailable off linux; every Get fails
type LockedSource struct{}

// NewLockedSource returns a source whose Get always fails
func NewLockedSource(pageSize int, logger *logging.Logger) *LockedSource {
	return &LockedSource{}
}

// Get implements PageSource
func (s *LockedSource) Get(addr uintptr, pages []Page) (int, error) {
	return 0, errNoLocking
}

// Put implements PageSource
func (s *LockedSource) Put(Page, bool) {}

// Flush implements PageSource
func (s *LockedSource) Flush(Page) {}

// Locked returns the number of locked pages
func (s *LockedSource) Locked() int { return 0 }

// Close implements io.Closer
func (s *LockedSource) Close() error { return nil }

var _ PageSource = (*LockedSource)(nil)
