//go:build !linux

// Package file provides an engine that performs each transfer as kernel
// I/O against a device node or regular file, one io_uring per queue.
package file

import (
	"context"
	"errors"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/engine"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

// ErrUnsupported is returned on platforms without io_uring
var ErrUnsupported = errors.New("file engine requires linux io_uring")

// File is unavailable on this platform
type File struct{}

// Open always fails on this platform
func Open(string, int64, *logging.Logger) (*File, error) {
	return nil, ErrUnsupported
}

// Submit implements engine.Engine
func (*File) Submit(context.Context, dma.QueueHandle, *engine.Request) (int, error) {
	return 0, ErrUnsupported
}

// Size implements engine.SizedEngine
func (*File) Size() int64 { return 0 }

// Close implements engine.Engine
func (*File) Close() error { return nil }
