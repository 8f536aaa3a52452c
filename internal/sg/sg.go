// Package sg builds scatter-gather tables describing a pinned buffer as
// one segment per page.
package sg

import (
	"unsafe"

	"github.com/ehrlich-b/go-onic/internal/ioerr"
	"github.com/ehrlich-b/go-onic/internal/pin"
)

// Entry describes one contiguous segment within a single page
type Entry struct {
	Page    pin.Page
	Offset  int    // byte offset of the segment within Page
	Length  int    // segment length in bytes
	DMAAddr uint64 // device-visible address, 0 until an engine resolves it

	data []byte
	next *Entry
}

// Next returns the following entry in the chain, nil at the end
func (e *Entry) Next() *Entry {
	return e.next
}

// Bytes returns the segment of the caller's buffer this entry covers
func (e *Entry) Bytes() []byte {
	return e.data
}

// Table is an ordered sequence of entries. The chain reached from Head
// is a view into the table's own storage; it is valid until Free.
type Table struct {
	entries []Entry
	pooled  *[]Entry
}

// Head returns the first entry
func (t *Table) Head() *Entry {
	if t == nil || len(t.entries) == 0 {
		return nil
	}
	return &t.entries[0]
}

// Len returns the number of entries
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns the entries in chain order
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	return t.entries
}

// TotalLength sums the entry lengths
func (t *Table) TotalLength() int {
	total := 0
	for i := range t.Entries() {
		total += t.entries[i].Length
	}
	return total
}

// Free returns the entry storage. The table must not be used afterwards.
func (t *Table) Free() {
	if t == nil || t.entries == nil {
		return
	}
	clear(t.entries)
	putEntries(t.pooled)
	t.entries = nil
	t.pooled = nil
}

// Build describes buf, already pinned as pages, with one entry per page.
// The first entry starts at buf's offset into its page; every later entry
// starts at offset 0. A zero-length buffer yields a single empty entry.
func Build(pages []pin.Page, buf []byte, pageSize int) (*Table, error) {
	if len(pages) == 0 {
		return nil, ioerr.New("build", ioerr.CodeInvalidArgument, "no pages")
	}
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return nil, ioerr.Newf("build", ioerr.CodeInvalidArgument, "page size %d is not a power of two", pageSize)
	}

	t := &Table{}
	t.pooled = getEntries(len(pages))
	t.entries = (*t.pooled)[:len(pages)]

	offset := 0
	if base := unsafe.SliceData(buf); base != nil {
		offset = int(uintptr(unsafe.Pointer(base)) & uintptr(pageSize-1))
	}
	remaining := len(buf)
	pos := 0
	for i := range t.entries {
		seg := min(pageSize-offset, remaining)
		t.entries[i] = Entry{
			Page:   pages[i],
			Offset: offset,
			Length: seg,
			data:   buf[pos : pos+seg : pos+seg],
		}
		if i > 0 {
			t.entries[i-1].next = &t.entries[i]
		}
		pos += seg
		remaining -= seg
		offset = 0
	}

	if remaining != 0 {
		t.Free()
		return nil, ioerr.Newf("build", ioerr.CodeIntegrityViolation,
			"%d bytes left after %d pages", remaining, len(pages))
	}
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i-1].Page.Same(t.entries[i].Page) {
			t.Free()
			return nil, ioerr.Newf("build", ioerr.CodeIntegrityViolation,
				"entries %d and %d share a page", i-1, i)
		}
	}
	return t, nil
}
