// Package dma holds the vocabulary shared by every stage of the transfer
// path: directions, queue handles and completion modes.
package dma

import "fmt"

// Direction selects which way a transfer moves data
type Direction uint8

const (
	// Read moves data card-to-host (C2H); the device writes host pages.
	Read Direction = iota
	// Write moves data host-to-card (H2C); the device reads host pages.
	Write
)

// String returns the queue-side name of the direction
func (d Direction) String() string {
	switch d {
	case Read:
		return "c2h"
	case Write:
		return "h2c"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// Valid reports whether d is Read or Write
func (d Direction) Valid() bool {
	return d == Read || d == Write
}

// DirtiesHost reports whether a transfer in this direction modifies host
// memory, so its pages must be marked dirty before they are released.
func (d Direction) DirtiesHost() bool {
	return d == Read
}

// QueueHandle addresses one hardware queue: a direction plus the queue
// identifier drawn from that direction's pool.
type QueueHandle struct {
	Dir   Direction
	Queue int
}

func (h QueueHandle) String() string {
	return fmt.Sprintf("%s/%d", h.Dir, h.Queue)
}

// CompletionMode tells the engine how completion is reported
type CompletionMode uint8

const (
	// Blocking means the submitter waits for completion or timeout.
	Blocking CompletionMode = iota
	// Callback means completion is signalled asynchronously. The dispatch
	// path never issues it.
	Callback
)
