// Package onic moves data between caller buffers and the on-card memory of
// an FPGA network card over its DMA queues.
//
// Each transfer takes a queue for its direction, pins the caller's pages,
// describes them as a scatter-gather table and hands that to a queue
// engine. The device bounds concurrency per direction by its queue count.
package onic

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ehrlich-b/go-onic/internal/constants"
	"github.com/ehrlich-b/go-onic/internal/dispatch"
	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/engine"
	"github.com/ehrlich-b/go-onic/internal/ioerr"
	"github.com/ehrlich-b/go-onic/internal/logging"
	"github.com/ehrlich-b/go-onic/internal/pin"
	"github.com/ehrlich-b/go-onic/internal/queue"
)

// Direction selects which way a transfer moves data
type Direction = dma.Direction

const (
	// Read moves data from card memory into the caller's buffer (C2H)
	Read = dma.Read
	// Write moves data from the caller's buffer into card memory (H2C)
	Write = dma.Write
)

// Engine, Request and QueueHandle describe the queue engine boundary
type (
	Engine      = engine.Engine
	Request     = engine.Request
	QueueHandle = dma.QueueHandle
)

// Logger is the structured logger used by the device
type Logger = logging.Logger

// PinMode selects how caller pages are held in place during a transfer
type PinMode string

const (
	// PinAuto locks pages when the process may, and falls back to PinVirtual
	PinAuto PinMode = "auto"
	// PinLocked locks every page with mlock and resolves frame numbers
	PinLocked PinMode = "locked"
	// PinVirtual keeps buffers in place without locking them
	PinVirtual PinMode = "virtual"
)

// Device is an open card. Its methods are safe for concurrent use.
type Device struct {
	name     string
	params   DeviceParams
	pinMode  PinMode
	engine   Engine
	pools    *queue.Pools
	source   pin.PageSource
	dispatch *dispatch.Dispatcher
	logger   *logging.Logger

	// Metrics and observability
	metrics  *Metrics
	observer Observer

	mu       sync.RWMutex
	state    DeviceState
	inFlight sync.WaitGroup
}

// DeviceParams contains parameters for opening a device
type DeviceParams struct {
	NumQueues int           // Queues per direction (default: 4)
	PageSize  int           // Page size the engine addresses in (default: 4096)
	Timeout   time.Duration // Per-transfer engine timeout (default: 10s)
	PinMode   PinMode       // Page pinning strategy (default: auto)
	Name      string        // Device name used in logs and metrics
}

// DefaultParams returns default device parameters
func DefaultParams() DeviceParams {
	return DeviceParams{
		NumQueues: constants.DefaultNumQueues,
		PageSize:  constants.HardwarePageSize,
		Timeout:   constants.DefaultTransferTimeout,
		PinMode:   PinAuto,
		Name:      constants.DefaultDeviceName,
	}
}

// Options contains additional options for opening a device
type Options struct {
	// Logger for debug/info messages (if nil, uses the default logger)
	Logger *Logger

	// Observer receives per-transfer measurements in addition to the
	// device's built-in Metrics (if nil, only Metrics are recorded)
	Observer Observer
}

// validate fills zero values with defaults and rejects the rest
func (p *DeviceParams) validate() error {
	def := DefaultParams()
	if p.NumQueues == 0 {
		p.NumQueues = def.NumQueues
	}
	if p.NumQueues < 0 || p.NumQueues > constants.MaxQueues {
		return ioerr.Newf("open", ioerr.CodeInvalidArgument, "queues %d outside [1,%d]", p.NumQueues, constants.MaxQueues)
	}
	if p.PageSize == 0 {
		p.PageSize = def.PageSize
	}
	if p.PageSize < 0 || p.PageSize&(p.PageSize-1) != 0 {
		return ioerr.Newf("open", ioerr.CodeInvalidArgument, "page size %d is not a power of two", p.PageSize)
	}
	if p.Timeout == 0 {
		p.Timeout = def.Timeout
	}
	if p.Timeout < 0 {
		return ioerr.Newf("open", ioerr.CodeInvalidArgument, "negative timeout %v", p.Timeout)
	}
	switch p.PinMode {
	case "":
		p.PinMode = def.PinMode
	case PinAuto, PinLocked, PinVirtual:
	default:
		return ioerr.Newf("open", ioerr.CodeInvalidArgument, "unknown pin mode %q", p.PinMode)
	}
	if p.Name == "" {
		p.Name = def.Name
	}
	return nil
}

// Open creates a device that submits transfers to eng. The device owns eng
// from then on and closes it in Close.
//
// Example:
//
//	eng := memory.NewMemory(64 << 20)
//	dev, err := onic.Open(onic.DefaultParams(), eng, nil)
//	n, err := dev.Write(buf, 0)
func Open(params DeviceParams, eng Engine, options *Options) (*Device, error) {
	if eng == nil {
		return nil, ioerr.New("open", ioerr.CodeInvalidArgument, "engine required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithDevice(params.Name)

	// Initialize metrics and observer
	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	source, mode := newPageSource(params, logger)
	pinner, err := pin.New(source, params.PageSize, logger)
	if err != nil {
		closeSource(source)
		return nil, err
	}

	pools, err := queue.NewPools(params.NumQueues)
	if err != nil {
		closeSource(source)
		return nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		Pools:    pools,
		Pinner:   pinner,
		Engine:   eng,
		PageSize: params.PageSize,
		Timeout:  params.Timeout,
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		closeSource(source)
		return nil, err
	}

	device := &Device{
		name:     params.Name,
		params:   params,
		pinMode:  mode,
		engine:   eng,
		pools:    pools,
		source:   source,
		dispatch: d,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		state:    DeviceStateOpen,
	}

	logger.Info("device opened",
		"queues", params.NumQueues,
		"page_size", params.PageSize,
		"timeout", params.Timeout.String(),
		"pin_mode", string(mode))
	return device, nil
}

// newPageSource picks the page source for the requested pin mode. Auto
// probes mlock once with a single page.
func newPageSource(params DeviceParams, logger *logging.Logger) (pin.PageSource, PinMode) {
	switch params.PinMode {
	case PinVirtual:
		return pin.NewVirtualSource(params.PageSize), PinVirtual
	case PinLocked:
		return pin.NewLockedSource(params.PageSize, logger), PinLocked
	}

	locked := pin.NewLockedSource(params.PageSize, logger)
	probe := make([]byte, 1)
	p, err := pin.New(locked, params.PageSize, nil)
	if err == nil {
		var m *pin.Mapping
		if m, err = p.Pin(probe, Write); err == nil {
			m.Release()
			return locked, PinLocked
		}
	}
	logger.Warn("page locking unavailable, falling back to virtual pinning", "error", err)
	locked.Close()
	return pin.NewVirtualSource(params.PageSize), PinVirtual
}

func closeSource(s pin.PageSource) {
	if c, ok := s.(interface{ Close() error }); ok {
		c.Close()
	}
}

// Transfer moves len(p) bytes between p and card memory at off in the
// given direction. It blocks until a queue for that direction is free and
// the engine completes or times out. The returned count may be short.
func (d *Device) Transfer(dir Direction, p []byte, off int64) (int, error) {
	d.mu.RLock()
	if d.state != DeviceStateOpen {
		d.mu.RUnlock()
		d.observer.ObserveError(dir, ErrDeviceClosed)
		return 0, ioerr.New("transfer", ioerr.CodeDeviceClosed, "device closed")
	}
	d.inFlight.Add(1)
	d.mu.RUnlock()
	defer d.inFlight.Done()

	return d.dispatch.Do(dir, p, off)
}

// Read fills p from card memory starting at off
func (d *Device) Read(p []byte, off int64) (int, error) {
	return d.Transfer(Read, p, off)
}

// Write copies p into card memory starting at off
func (d *Device) Write(p []byte, off int64) (int, error) {
	return d.Transfer(Write, p, off)
}

// ReadAt implements io.ReaderAt. A short read reports io.ErrUnexpectedEOF.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.Read(p, off)
	if err == nil && n < len(p) {
		err = errShort("read", n, len(p))
	}
	return n, err
}

// WriteAt implements io.WriterAt. A short write reports io.ErrShortWrite.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.Write(p, off)
	if err == nil && n < len(p) {
		err = errShort("write", n, len(p))
	}
	return n, err
}

func errShort(op string, n, want int) error {
	if op == "read" {
		return fmt.Errorf("%w: read %d of %d bytes", io.ErrUnexpectedEOF, n, want)
	}
	return fmt.Errorf("%w: wrote %d of %d bytes", io.ErrShortWrite, n, want)
}

// Close stops accepting transfers, waits for those in flight, then closes
// the engine. Requests still waiting for a queue are served first.
// Calling Close again is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state != DeviceStateOpen {
		d.mu.Unlock()
		return nil
	}
	d.state = DeviceStateClosing
	d.mu.Unlock()

	d.inFlight.Wait()
	d.pools.Close()

	var firstErr error
	if err := d.engine.Close(); err != nil {
		firstErr = fmt.Errorf("close engine: %w", err)
	}
	closeSource(d.source)
	d.metrics.Stop()

	d.mu.Lock()
	d.state = DeviceStateClosed
	d.mu.Unlock()

	d.logger.Info("device closed")
	return firstErr
}

// DeviceState represents the lifecycle state of a device
type DeviceState string

const (
	// DeviceStateOpen indicates the device accepts transfers
	DeviceStateOpen DeviceState = "open"
	// DeviceStateClosing indicates Close is draining in-flight transfers
	DeviceStateClosing DeviceState = "closing"
	// DeviceStateClosed indicates the device and its engine are closed
	DeviceStateClosed DeviceState = "closed"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Name returns the device name
func (d *Device) Name() string {
	return d.name
}

// NumQueues returns the number of queues per direction
func (d *Device) NumQueues() int {
	return d.params.NumQueues
}

// PageSize returns the page size transfers are split on
func (d *Device) PageSize() int {
	return d.params.PageSize
}

// Size returns the card memory size in bytes, 0 if the engine does not say
func (d *Device) Size() int64 {
	if s, ok := d.engine.(engine.SizedEngine); ok {
		return s.Size()
	}
	return 0
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	Name            string         `json:"name"`
	State           DeviceState    `json:"state"`
	NumQueues       int            `json:"num_queues"`
	PageSize        int            `json:"page_size"`
	Timeout         time.Duration  `json:"timeout"`
	PinMode         PinMode        `json:"pin_mode"`
	Size            int64          `json:"size"`
	ReadQueuesFree  int            `json:"read_queues_free"`
	WriteQueuesFree int            `json:"write_queues_free"`
	InFlight        int            `json:"in_flight"`
	Engine          map[string]any `json:"engine,omitempty"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	info := DeviceInfo{
		Name:            d.name,
		State:           d.State(),
		NumQueues:       d.params.NumQueues,
		PageSize:        d.params.PageSize,
		Timeout:         d.params.Timeout,
		PinMode:         d.pinMode,
		Size:            d.Size(),
		ReadQueuesFree:  d.pools.Read.Available(),
		WriteQueuesFree: d.pools.Write.Available(),
		InFlight:        d.dispatch.InFlight(),
	}
	if s, ok := d.engine.(engine.StatEngine); ok && info.State != DeviceStateClosed {
		info.Engine = s.Stats()
	}
	return info
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Compile-time interface checks
var (
	_ io.ReaderAt = (*Device)(nil)
	_ io.WriterAt = (*Device)(nil)
)
