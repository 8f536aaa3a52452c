package constants

import "time"

// Default configuration constants
const (
	// DefaultNumQueues is the default number of DMA queues per direction
	DefaultNumQueues = 4

	// HardwarePageSize is the page size the DMA engine addresses in (4KB)
	HardwarePageSize = 4096

	// MaxQueues bounds the queue count per direction; the card exposes at
	// most this many memory-mapped queue pairs
	MaxQueues = 64

	// DefaultDeviceName names the device in logs and info output
	DefaultDeviceName = "onic"

	// DefaultMemorySize is the default emulated card memory size (64MB)
	DefaultMemorySize = 64 << 20
)

// Timing constants for the dispatch path
const (
	// DefaultTransferTimeout bounds one engine submission
	DefaultTransferTimeout = 10 * time.Second
)

// Pagemap constants for /proc/self/pagemap lookups
const (
	// PagemapEntrySize is the size of one pagemap entry in bytes
	PagemapEntrySize = 8

	// PagemapFrameMask selects the page frame number bits (0-54)
	PagemapFrameMask = (1 << 55) - 1

	// PagemapPresentBit marks a page resident in RAM
	PagemapPresentBit = 1 << 63
)
