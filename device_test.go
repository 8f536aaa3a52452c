package onic

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-onic/internal/engine/memory"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

func quiet() *Options {
	return &Options{Logger: logging.Nop()}
}

func openMock(t *testing.T, params DeviceParams, size int64) (*Device, *MockEngine) {
	t.Helper()
	if params.PinMode == "" {
		params.PinMode = PinVirtual
	}
	eng := NewMockEngine(size)
	dev, err := Open(params, eng, quiet())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev, eng
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) ^ seed
	}
	return b
}

func TestOpenRejectsBadParams(t *testing.T) {
	_, err := Open(DefaultParams(), nil, quiet())
	assert.True(t, IsCode(err, ErrInvalidArgument), "nil engine: %v", err)

	cases := map[string]DeviceParams{
		"negative queues":  {NumQueues: -1},
		"too many queues":  {NumQueues: MaxQueues + 1},
		"odd page size":    {PageSize: 3000},
		"negative page":    {PageSize: -4096},
		"negative timeout": {Timeout: -time.Second},
		"unknown pin mode": {PinMode: "pinned"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			eng := NewMockEngine(4096)
			_, err := Open(params, eng, quiet())
			assert.True(t, IsCode(err, ErrInvalidArgument), "got %v", err)
			assert.False(t, eng.IsClosed(), "a rejected open must leave the engine alone")
		})
	}
}

func TestOpenDefaults(t *testing.T) {
	dev, _ := openMock(t, DeviceParams{}, 1<<20)

	assert.Equal(t, DefaultDeviceName, dev.Name())
	assert.Equal(t, DefaultNumQueues, dev.NumQueues())
	assert.Equal(t, HardwarePageSize, dev.PageSize())
	assert.Equal(t, int64(1<<20), dev.Size())
	assert.Equal(t, DeviceStateOpen, dev.State())

	info := dev.Info()
	assert.Equal(t, DefaultTransferTimeout, info.Timeout)
	assert.Equal(t, PinVirtual, info.PinMode)
	assert.Equal(t, DefaultNumQueues, info.ReadQueuesFree)
	assert.Equal(t, DefaultNumQueues, info.WriteQueuesFree)
	assert.Zero(t, info.InFlight)
}

func TestOpenAutoPinMode(t *testing.T) {
	dev, err := Open(DeviceParams{PinMode: PinAuto}, memory.NewMemory(1<<16), quiet())
	require.NoError(t, err)
	defer dev.Close()

	mode := dev.Info().PinMode
	assert.Contains(t, []PinMode{PinLocked, PinVirtual}, mode)

	want := pattern(3*HardwarePageSize, 0x5a)
	n, err := dev.Write(want, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	got := make([]byte, len(want))
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "round trip under %s pinning", mode)
}

func TestRoundTripMemoryEngine(t *testing.T) {
	eng := memory.NewMemory(1 << 20)
	dev, err := Open(DeviceParams{NumQueues: 2, PinMode: PinVirtual}, eng, quiet())
	require.NoError(t, err)
	defer dev.Close()

	// Misaligned buffer spanning four pages
	backing := make([]byte, 4*HardwarePageSize+512)
	buf := backing[100 : 100+3*HardwarePageSize+200]
	copy(buf, pattern(len(buf), 0x33))

	n, err := dev.WriteAt(buf, 12345)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, buf, eng.Bytes(12345, len(buf)))

	got := make([]byte, len(buf))
	n, err = dev.ReadAt(got, 12345)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, buf, got)

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(len(buf)), snap.ReadBytes)
	assert.Equal(t, uint64(len(buf)), snap.WriteBytes)
	assert.Empty(t, snap.Errors)
}

func TestShortTransfers(t *testing.T) {
	dev, _ := openMock(t, DeviceParams{}, 8192)

	buf := make([]byte, 4096)
	n, err := dev.ReadAt(buf, 6144)
	assert.Equal(t, 2048, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	n, err = dev.WriteAt(buf, 6144)
	assert.Equal(t, 2048, n)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	// The plain calls report the short count without an error
	n, err = dev.Read(buf, 6144)
	assert.NoError(t, err)
	assert.Equal(t, 2048, n)
}

func TestScriptedShortCount(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{}, 1<<16)
	eng.SetShort(100)

	n, err := dev.Write(make([]byte, 1000), 0)
	require.NoError(t, err)
	assert.Equal(t, 900, n)
}

func TestTimeoutReturnsQueue(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{NumQueues: 1, Timeout: 50 * time.Millisecond}, 1<<16)
	eng.SetHang(true)

	start := time.Now()
	n, err := dev.Write(make([]byte, 512), 0)
	assert.Zero(t, n)
	assert.True(t, IsCode(err, ErrEngineTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	info := dev.Info()
	assert.Equal(t, 1, info.WriteQueuesFree)
	assert.Zero(t, info.InFlight)
	assert.Equal(t, uint64(1), dev.MetricsSnapshot().Timeouts)

	// The single queue is usable again
	eng.SetHang(false)
	n, err = dev.Write(make([]byte, 512), 0)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
}

func TestEngineErrorPropagates(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{}, 1<<16)
	eng.SetError(syscall.EIO)

	_, err := dev.Read(make([]byte, 64), 0)
	assert.True(t, IsCode(err, ErrEngineFailure), "got %v", err)
	assert.True(t, IsErrno(err, syscall.EIO))

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "c2h", derr.Dir)
	assert.Equal(t, 0, derr.Queue)

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.ReadErrors)
	assert.Equal(t, uint64(1), snap.Errors[ErrEngineFailure])
}

func TestTransferRejectsBadInput(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{}, 1<<16)

	_, err := dev.Transfer(Direction(9), make([]byte, 8), 0)
	assert.True(t, IsCode(err, ErrInvalidArgument), "invalid direction: %v", err)

	_, err = dev.Write(make([]byte, 8), -1)
	assert.True(t, IsCode(err, ErrInvalidArgument), "negative offset: %v", err)

	assert.Zero(t, eng.CallCounts()["read"]+eng.CallCounts()["write"])
}

func TestCloseRejectsTransfers(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{}, 1<<16)

	require.NoError(t, dev.Close())
	assert.Equal(t, DeviceStateClosed, dev.State())
	assert.True(t, eng.IsClosed())

	_, err := dev.Write(make([]byte, 8), 0)
	assert.True(t, IsCode(err, ErrDeviceClosed), "got %v", err)
	assert.Equal(t, uint64(1), dev.MetricsSnapshot().Errors[ErrDeviceClosed])
	assert.Zero(t, eng.CallCounts()["write"])

	// Second close is a no-op
	assert.NoError(t, dev.Close())
	assert.Nil(t, dev.Info().Engine)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{}, 1<<16)
	eng.SetDelay(100 * time.Millisecond)

	var (
		n    atomic.Int64
		done = make(chan error, 1)
	)
	start := time.Now()
	go func() {
		c, err := dev.Write(make([]byte, 256), 0)
		n.Store(int64(c))
		done <- err
	}()
	require.Eventually(t, func() bool {
		return eng.CallCounts()["write"] == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, dev.Close())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, <-done)
	assert.Equal(t, int64(256), n.Load())
}

func TestConcurrencyBoundedByQueues(t *testing.T) {
	const queues = 2
	dev, eng := openMock(t, DeviceParams{NumQueues: queues}, 1<<20)
	eng.SetDelay(2 * time.Millisecond)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			buf := pattern(HardwarePageSize, byte(i))
			off := int64(i) * HardwarePageSize
			if i%2 == 0 {
				_, err := dev.Write(buf, off)
				return err
			}
			_, err := dev.Read(buf, off)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, eng.MaxConcurrent(), 2*queues)
	assert.False(t, eng.QueueOverlap(), "a queue carried two transfers at once")
	assert.Equal(t, 16, eng.CallCounts()["write"])
	assert.Equal(t, 16, eng.CallCounts()["read"])

	info := dev.Info()
	assert.Equal(t, queues, info.ReadQueuesFree)
	assert.Equal(t, queues, info.WriteQueuesFree)
	assert.LessOrEqual(t, dev.MetricsSnapshot().MaxInFlight, uint32(2*queues))
}

func TestRequestShape(t *testing.T) {
	dev, eng := openMock(t, DeviceParams{Timeout: time.Second}, 1<<16)

	buf := make([]byte, 2*HardwarePageSize)
	_, err := dev.Write(buf, 4096)
	require.NoError(t, err)
	_, err = dev.Read(buf, 4096)
	require.NoError(t, err)

	reqs := eng.Requests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, int64(4096), req.DeviceOffset)
		assert.Equal(t, len(buf), req.Length)
		assert.Equal(t, time.Second, req.Timeout)
		assert.GreaterOrEqual(t, req.Entries, 2)
	}
	assert.True(t, reqs[0].EndOfTransfer, "writes mark end of transfer")
	assert.False(t, reqs[1].EndOfTransfer)
}

func TestOptionsObserver(t *testing.T) {
	r := metrics.NewRegistry()
	eng := NewMockEngine(1 << 16)
	dev, err := Open(DeviceParams{Name: "card0", PinMode: PinVirtual}, eng, &Options{
		Logger:   logging.Nop(),
		Observer: NewRegistryObserver(r, "card0"),
	})
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.Write(make([]byte, 100), 0)
	require.NoError(t, err)

	c, ok := r.Get("card0.h2c.ops").(metrics.Counter)
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Count())

	// Built-in metrics keep recording alongside
	assert.Equal(t, uint64(1), dev.MetricsSnapshot().WriteOps)
}

func TestInfoEngineStats(t *testing.T) {
	eng := memory.NewMemory(1 << 16)
	dev, err := Open(DeviceParams{PinMode: PinVirtual, Name: "card1"}, eng, quiet())
	require.NoError(t, err)
	defer dev.Close()

	info := dev.Info()
	assert.Equal(t, "card1", info.Name)
	assert.Equal(t, int64(1<<16), info.Size)
	assert.NotEmpty(t, info.Engine)
}

func TestNilDevice(t *testing.T) {
	var dev *Device
	assert.Equal(t, DeviceStateClosed, dev.State())
	assert.Equal(t, DeviceInfo{}, dev.Info())
	assert.Nil(t, dev.Metrics())
	assert.Equal(t, MetricsSnapshot{}, dev.MetricsSnapshot())
}
