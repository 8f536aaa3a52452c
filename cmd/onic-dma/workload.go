package main

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-onic"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

// workload writes a pattern into card memory and reads it back. Each worker
// owns a disjoint set of slots so verification never races another worker.
type workload struct {
	workers  int
	requests int
	length   int
	onDone   func() // called after each verified pair, from any worker
}

// transferer is the part of a Device the workload drives
type transferer interface {
	Write(p []byte, off int64) (int, error)
	Read(p []byte, off int64) (int, error)
	Size() int64
}

func (w workload) run(ctx context.Context, dev transferer, logger *logging.Logger) error {
	if w.workers < 1 || w.requests < 0 {
		return fmt.Errorf("need at least one worker and a non-negative request count")
	}
	slots := int(dev.Size() / int64(w.length))
	perWorker := slots / w.workers
	if perWorker == 0 {
		return fmt.Errorf("card memory of %d bytes holds %d transfers of %d bytes, fewer than %d workers",
			dev.Size(), slots, w.length, w.workers)
	}

	logger.Info("starting workload", "workers", w.workers, "requests", w.requests, "length", w.length)

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < w.workers; worker++ {
		worker := worker
		g.Go(func() error {
			out := make([]byte, w.length)
			in := make([]byte, w.length)
			for k := 0; worker+k*w.workers < w.requests; k++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				slot := worker + w.workers*(k%perWorker)
				off := int64(slot) * int64(w.length)
				fill(out, byte(worker+k))

				if err := w.pair(dev, out, in, off); err != nil {
					return fmt.Errorf("worker %d: %w", worker, err)
				}
				if w.onDone != nil {
					w.onDone()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("workload verified", "requests", w.requests)
	return nil
}

func (w workload) pair(dev transferer, out, in []byte, off int64) error {
	n, err := dev.Write(out, off)
	if err != nil {
		return fmt.Errorf("write at %d: %w", off, err)
	}
	if n != len(out) {
		return fmt.Errorf("short write at %d: %d of %d bytes", off, n, len(out))
	}

	clear(in)
	n, err = dev.Read(in, off)
	if err != nil {
		return fmt.Errorf("read at %d: %w", off, err)
	}
	if n != len(in) {
		return fmt.Errorf("short read at %d: %d of %d bytes", off, n, len(in))
	}
	if !bytes.Equal(out, in) {
		return fmt.Errorf("data mismatch at %d", off)
	}
	return nil
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
}

var _ transferer = (*onic.Device)(nil)
