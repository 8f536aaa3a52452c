// Package dispatch runs one transfer end to end: take a queue, pin the
// caller's buffer, describe it as a scatter-gather table, submit it to the
// engine and tear everything down again.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-onic/internal/constants"
	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/engine"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
	"github.com/ehrlich-b/go-onic/internal/logging"
	"github.com/ehrlich-b/go-onic/internal/pin"
	"github.com/ehrlich-b/go-onic/internal/queue"
	"github.com/ehrlich-b/go-onic/internal/sg"
)

// Observer receives per-request measurements
type Observer interface {
	// ObserveRead is called when a card-to-host request finishes
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called when a host-to-card request finishes
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveError is called with the category of every failed request
	ObserveError(dir dma.Direction, code ioerr.Code)

	// ObserveQueueWait is called with the time spent waiting for a queue
	ObserveQueueWait(dir dma.Direction, waitNs uint64)

	// ObserveInFlight is called with the number of requests holding a queue
	ObserveInFlight(depth uint32)
}

type nopObserver struct{}

func (nopObserver) ObserveRead(uint64, uint64, bool) {}
func (nopObserver) ObserveWrite(uint64, uint64, bool) {}
func (nopObserver) ObserveError(dma.Direction, ioerr.Code) {}
func (nopObserver) ObserveQueueWait(dma.Direction, uint64) {}
func (nopObserver) ObserveInFlight(uint32) {}

// Config wires a dispatcher
type Config struct {
	Pools    *queue.Pools
	Pinner   *pin.Pinner
	Engine   engine.Engine
	PageSize int
	Timeout  time.Duration // per submission; 0 selects the default
	Logger   *logging.Logger
	Observer Observer
}

// Dispatcher turns caller buffers into engine requests. It is safe for
// concurrent use; concurrency is bounded by the queue pools.
type Dispatcher struct {
	pools    *queue.Pools
	pinner   *pin.Pinner
	engine   engine.Engine
	pageSize int
	timeout  time.Duration
	logger   *logging.Logger
	observer Observer

	inFlight atomic.Int32
}

// New validates cfg and returns a dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Pools == nil || cfg.Pools.Read == nil || cfg.Pools.Write == nil {
		return nil, ioerr.New("dispatch", ioerr.CodeInvalidArgument, "queue pools required")
	}
	if cfg.Pinner == nil {
		return nil, ioerr.New("dispatch", ioerr.CodeInvalidArgument, "pinner required")
	}
	if cfg.Engine == nil {
		return nil, ioerr.New("dispatch", ioerr.CodeInvalidArgument, "engine required")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = cfg.Pinner.PageSize()
	}
	if cfg.PageSize != cfg.Pinner.PageSize() {
		return nil, ioerr.Newf("dispatch", ioerr.CodeInvalidArgument,
			"page size %d does not match pinner page size %d", cfg.PageSize, cfg.Pinner.PageSize())
	}
	if cfg.Timeout < 0 {
		return nil, ioerr.Newf("dispatch", ioerr.CodeInvalidArgument, "negative timeout %v", cfg.Timeout)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = constants.DefaultTransferTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Dispatcher{
		pools:    cfg.Pools,
		pinner:   cfg.Pinner,
		engine:   cfg.Engine,
		pageSize: cfg.PageSize,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}, nil
}

// Timeout returns the per-request engine timeout
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// InFlight returns the number of requests currently holding a queue
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// request holds what one transfer has acquired so far
type request struct {
	dir     dma.Direction
	queue   int
	mapping *pin.Mapping
	table   *sg.Table
}

// Do transfers buf to or from the card at off. It returns the number of
// bytes the engine moved, which may be short. Whatever the outcome, every
// page, the table and the queue are released before it returns.
func (d *Dispatcher) Do(dir dma.Direction, buf []byte, off int64) (int, error) {
	if !dir.Valid() {
		err := ioerr.Newf("transfer", ioerr.CodeInvalidArgument, "invalid direction %d", dir)
		d.observer.ObserveError(dir, err.Code)
		return 0, err
	}
	if off < 0 {
		err := ioerr.Newf("transfer", ioerr.CodeInvalidArgument, "negative device offset %d", off)
		d.observer.ObserveError(dir, err.Code)
		return 0, err
	}
	if buf == nil {
		err := ioerr.New("transfer", ioerr.CodeInvalidArgument, "nil buffer")
		d.observer.ObserveError(dir, err.Code)
		return 0, err
	}

	pool := d.pools.For(dir)
	waitStart := time.Now()
	r := &request{dir: dir, queue: pool.Acquire()}
	d.observer.ObserveQueueWait(dir, uint64(time.Since(waitStart).Nanoseconds()))
	d.observer.ObserveInFlight(uint32(d.inFlight.Add(1)))
	defer d.teardown(r, pool)

	log := d.logger.WithRequest(dir.String(), r.queue)
	log.TransferStart(dir.String(), off, len(buf))

	start := time.Now()
	n, err := d.run(r, buf, off)
	latency := time.Since(start)

	if err != nil {
		log.TransferError(dir.String(), off, len(buf), err)
		d.observer.ObserveError(dir, codeOf(err))
	} else {
		log.TransferComplete(dir.String(), off, n, latency.Microseconds())
	}
	d.observeDone(dir, n, latency, err == nil)
	return n, err
}

func (d *Dispatcher) run(r *request, buf []byte, off int64) (int, error) {
	m, err := d.pinner.Pin(buf, r.dir)
	if err != nil {
		return 0, annotate(err, r)
	}
	r.mapping = m

	t, err := sg.Build(m.Pages, buf, d.pageSize)
	if err != nil {
		return 0, annotate(err, r)
	}
	r.table = t

	req := &engine.Request{
		Table:         t,
		Entries:       t.Len(),
		Direction:     r.dir,
		DeviceOffset:  off,
		Length:        len(buf),
		Timeout:       d.timeout,
		Mode:          dma.Blocking,
		EndOfTransfer: r.dir == dma.Write,
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	n, err := d.engine.Submit(ctx, dma.QueueHandle{Dir: r.dir, Queue: r.queue}, req)
	if err != nil {
		return 0, ioerr.FromEngine("submit", err).WithQueue(r.dir.String(), r.queue)
	}
	if n < 0 || n > len(buf) {
		return 0, ioerr.Newf("submit", ioerr.CodeEngineFailure,
			"engine reported %d bytes for a %d byte request", n, len(buf)).WithQueue(r.dir.String(), r.queue)
	}
	return n, nil
}

// teardown is the single cleanup path: unpin, free the table, then hand
// the queue back
func (d *Dispatcher) teardown(r *request, pool *queue.Pool) {
	if r.mapping != nil {
		r.mapping.Release()
	}
	if r.table != nil {
		r.table.Free()
	}
	d.inFlight.Add(-1)
	if err := pool.Release(r.queue); err != nil {
		d.logger.WithError(err).Error("queue release failed", "dir", r.dir.String(), "queue_id", r.queue)
	}
}

func (d *Dispatcher) observeDone(dir dma.Direction, n int, latency time.Duration, ok bool) {
	ns := uint64(latency.Nanoseconds())
	if dir == dma.Read {
		d.observer.ObserveRead(uint64(n), ns, ok)
	} else {
		d.observer.ObserveWrite(uint64(n), ns, ok)
	}
}

func annotate(err error, r *request) error {
	if e, ok := err.(*ioerr.Error); ok {
		return e.WithQueue(r.dir.String(), r.queue)
	}
	return err
}

func codeOf(err error) ioerr.Code {
	if e, ok := err.(*ioerr.Error); ok {
		return e.Code
	}
	return ioerr.CodeEngineFailure
}
