// Package pin pins caller buffers page by page for the duration of a DMA
// transfer. The Pinner holds the policy (page counting, all-or-nothing
// pinning, alias detection, dirty marking on release); a PageSource
// supplies the OS mechanism.
package pin

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

// Page references one pinned page of host memory
type Page struct {
	// Addr is the page-aligned virtual address
	Addr uintptr
	// Frame is the physical page frame number, 0 when it could not be resolved
	Frame uint64
}

// Same reports whether p and q back the same memory. Frames are compared
// when both are known, addresses otherwise.
func (p Page) Same(q Page) bool {
	if p.Frame != 0 && q.Frame != 0 {
		return p.Frame == q.Frame
	}
	return p.Addr == q.Addr
}

// PageSource pins and unpins individual pages. Implementations must be
// safe for concurrent use; two in-flight requests may share a page.
type PageSource interface {
	// Get pins consecutive pages starting at the page-aligned addr, one
	// page at a time, filling pages in order. It returns the number of
	// pages pinned, which is less than len(pages) if pinning stopped early.
	Get(addr uintptr, pages []Page) (int, error)

	// Put unpins a page previously returned by Get. When dirty is set the
	// page is marked modified first so its contents are written back.
	Put(p Page, dirty bool)

	// Flush makes host writes to the page visible to the device and
	// device writes visible to the host.
	Flush(p Page)
}

// Pinner turns buffers into pinned page mappings
type Pinner struct {
	source   PageSource
	pageSize int
	logger   *logging.Logger
}

// New creates a pinner over source. pageSize must be a power of two.
func New(source PageSource, pageSize int, logger *logging.Logger) (*Pinner, error) {
	if source == nil {
		return nil, ioerr.New("pin", ioerr.CodeInvalidArgument, "nil page source")
	}
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, ioerr.Newf("pin", ioerr.CodeInvalidArgument, "page size %d is not a power of two", pageSize)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pinner{source: source, pageSize: pageSize, logger: logger}, nil
}

// PageSize returns the page size the pinner counts in
func (p *Pinner) PageSize() int {
	return p.pageSize
}

// PageCount returns how many pages back length bytes starting at addr.
// A zero-length range still maps one page. It returns 0 for a negative
// length or when the count overflows.
func PageCount(addr uintptr, length, pageSize int) int {
	if length < 0 || pageSize <= 0 {
		return 0
	}
	if length == 0 {
		return 1
	}
	off := int(addr & uintptr(pageSize-1))
	total := length + off + pageSize - 1
	if total < length {
		return 0
	}
	return total / pageSize
}

// Mapping is a buffer pinned for one transfer. It is owned by a single
// in-flight request.
type Mapping struct {
	// Pages are the pinned pages in address order
	Pages []Page
	// Offset is the buffer's offset into its first page
	Offset int
	// Length is the byte length of the buffer
	Length int
	// Dir is the transfer direction, which decides dirty marking
	Dir dma.Direction

	pinner   *Pinner
	goPin    runtime.Pinner
	released bool
}

// Pin pins every page backing buf. Either all pages are pinned and
// returned, or the call fails with nothing left pinned.
func (p *Pinner) Pin(buf []byte, dir dma.Direction) (*Mapping, error) {
	if !dir.Valid() {
		return nil, ioerr.Newf("pin", ioerr.CodeInvalidArgument, "invalid direction %d", dir)
	}
	base := unsafe.SliceData(buf)
	if base == nil {
		return nil, ioerr.New("pin", ioerr.CodeInvalidArgument, "nil buffer")
	}

	addr := uintptr(unsafe.Pointer(base))
	count := PageCount(addr, len(buf), p.pageSize)
	if count == 0 {
		return nil, ioerr.Newf("pin", ioerr.CodeInvalidArgument, "no pages for length %d", len(buf))
	}

	m := &Mapping{
		Pages:  make([]Page, count),
		Offset: int(addr & uintptr(p.pageSize-1)),
		Length: len(buf),
		Dir:    dir,
		pinner: p,
	}
	// Keep the Go allocation in place while its address is in flight
	m.goPin.Pin(base)

	aligned := addr &^ uintptr(p.pageSize-1)
	got, err := p.source.Get(aligned, m.Pages)
	if got > count {
		got = count
	}
	if err != nil || got < count {
		p.release(m.Pages[:got], dir.DirtiesHost())
		m.goPin.Unpin()
		p.logger.Error("unable to pin all user pages", "want", count, "got", got, "error", err)
		if err == nil {
			err = fmt.Errorf("pinned %d of %d pages", got, count)
		}
		return nil, ioerr.Wrap("pin", ioerr.CodeResourceExhausted, err)
	}

	for i := 1; i < count; i++ {
		if m.Pages[i-1].Same(m.Pages[i]) {
			p.release(m.Pages, dir.DirtiesHost())
			m.goPin.Unpin()
			p.logger.Error("duplicate pages", "first", i-1, "second", i)
			return nil, ioerr.Newf("pin", ioerr.CodeIntegrityViolation, "duplicate pages %d and %d", i-1, i)
		}
	}

	for _, pg := range m.Pages {
		p.source.Flush(pg)
	}
	return m, nil
}

// Release unpins every page exactly once, in acquisition order, marking
// them dirty when the device wrote host memory. Calling it again is a no-op.
func (m *Mapping) Release() {
	if m == nil || m.released {
		return
	}
	m.released = true
	m.pinner.release(m.Pages, m.Dir.DirtiesHost())
	m.goPin.Unpin()
}

// Released reports whether Release has run
func (m *Mapping) Released() bool {
	return m.released
}

func (p *Pinner) release(pages []Page, dirty bool) {
	for _, pg := range pages {
		p.source.Put(pg, dirty)
	}
}
