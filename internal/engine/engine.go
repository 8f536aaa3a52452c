// Package engine defines the boundary between the dispatch path and the
// hardware queue engine that moves data between host pages and the card.
package engine

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/sg"
)

// Request is one transfer handed to an engine queue
type Request struct {
	// Table describes the pinned host buffer, one entry per page
	Table *sg.Table
	// Entries is the number of entries in Table
	Entries int
	// Direction of the transfer
	Direction dma.Direction
	// DeviceOffset is the byte offset on the card
	DeviceOffset int64
	// Length is the total byte length described by Table
	Length int
	// Timeout bounds the wait for completion
	Timeout time.Duration
	// Mode is how completion is reported
	Mode dma.CompletionMode
	// EndOfTransfer marks the last descriptor of a host-to-card stream
	EndOfTransfer bool
}

// Engine submits requests to hardware queues.
//
// Submit blocks until the request completes or ctx is done. It returns
// the number of bytes transferred, which may be less than Length. A
// request that did not complete before the deadline returns an error
// wrapping context.DeadlineExceeded or an ETIME/ETIMEDOUT errno; any
// other failure should carry an errno where one exists.
//
// Implementations must not retain the request or its table after
// Submit returns, and must be safe for concurrent use across distinct
// queue handles. A handle is used by at most one request at a time.
type Engine interface {
	Submit(ctx context.Context, q dma.QueueHandle, req *Request) (int, error)

	// Close releases engine resources. After Close is called, no other
	// methods should be called.
	Close() error
}

// StatEngine is an optional interface that provides engine statistics.
type StatEngine interface {
	Engine

	// Stats returns engine-specific statistics.
	// The returned map contains string keys with numeric values.
	Stats() map[string]any
}

// SizedEngine is an optional interface for engines with a fixed amount of
// device memory.
type SizedEngine interface {
	Engine

	// Size returns the device memory size in bytes
	Size() int64
}
