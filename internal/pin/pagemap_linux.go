//go:build linux

package pin

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-onic/internal/constants"
)

// Pagemap resolves virtual pages of this process to physical frame
// numbers through /proc/self/pagemap. Without CAP_SYS_ADMIN the kernel
// reports frame 0 for every page, which callers treat as unknown.
type Pagemap struct {
	fd       int
	pageSize int
}

// OpenPagemap opens the pagemap of the calling process
func OpenPagemap(pageSize int) (*Pagemap, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return &Pagemap{fd: fd, pageSize: pageSize}, nil
}

// Frame returns the frame number backing addr, or 0 if the page is not
// resident or the frame is hidden.
func (pm *Pagemap) Frame(addr uintptr) (uint64, error) {
	var entry [constants.PagemapEntrySize]byte
	off := int64(addr/uintptr(pm.pageSize)) * constants.PagemapEntrySize
	n, err := unix.Pread(pm.fd, entry[:], off)
	if err != nil {
		return 0, fmt.Errorf("read pagemap at 0x%x: %w", addr, err)
	}
	if n != len(entry) {
		return 0, fmt.Errorf("short pagemap read at 0x%x: %d bytes", addr, n)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&constants.PagemapPresentBit == 0 {
		return 0, nil
	}
	return v & constants.PagemapFrameMask, nil
}

// Close closes the pagemap file
func (pm *Pagemap) Close() error {
	return unix.Close(pm.fd)
}
