package pin

// VirtualSource identifies pages by virtual address without asking the OS
// to lock them. It serves hosts where mlock is not permitted; the Go heap
// does not move objects and the Pinner keeps the buffer in place, so the
// addresses stay valid for the transfer.
type VirtualSource struct {
	pageSize int
}

// NewVirtualSource returns a page source that performs no OS pinning
func NewVirtualSource(pageSize int) *VirtualSource {
	return &VirtualSource{pageSize: pageSize}
}

// Get implements PageSource
func (s *VirtualSource) Get(addr uintptr, pages []Page) (int, error) {
	for i := range pages {
		pages[i] = Page{Addr: addr + uintptr(i*s.pageSize)}
	}
	return len(pages), nil
}

// Put implements PageSource
func (s *VirtualSource) Put(Page, bool) {}

// Flush implements PageSource
func (s *VirtualSource) Flush(Page) {
	Mfence()
}

var _ PageSource = (*VirtualSource)(nil)
