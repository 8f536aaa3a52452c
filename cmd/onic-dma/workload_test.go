package main

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-onic"
	"github.com/ehrlich-b/go-onic/internal/config"
	"github.com/ehrlich-b/go-onic/internal/engine/memory"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

func openDevice(t *testing.T, size int64, queues int) *onic.Device {
	t.Helper()
	dev, err := onic.Open(onic.DeviceParams{NumQueues: queues, PinMode: onic.PinVirtual},
		memory.NewMemory(size), &onic.Options{Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestWorkloadVerifies(t *testing.T) {
	dev := openDevice(t, 1<<20, 2)
	var done atomic.Int32
	w := workload{workers: 4, requests: 64, length: 16 << 10, onDone: func() { done.Add(1) }}

	require.NoError(t, w.run(context.Background(), dev, logging.Nop()))
	assert.Equal(t, int32(64), done.Load())

	snap := dev.MetricsSnapshot()
	assert.Equal(t, uint64(64), snap.WriteOps)
	assert.Equal(t, uint64(64), snap.ReadOps)
	assert.Zero(t, snap.ReadErrors+snap.WriteErrors)
	assert.LessOrEqual(t, snap.MaxInFlight, uint32(4))
}

func TestWorkloadTooSmall(t *testing.T) {
	dev := openDevice(t, 64<<10, 1)
	w := workload{workers: 8, requests: 8, length: 16 << 10}

	assert.Error(t, w.run(context.Background(), dev, logging.Nop()))
}

func TestWorkloadCancelled(t *testing.T) {
	dev := openDevice(t, 1<<20, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := workload{workers: 2, requests: 10, length: 4096}
	assert.ErrorIs(t, w.run(ctx, dev, logging.Nop()), context.Canceled)
}

func TestStartStatsDisabled(t *testing.T) {
	serving, err := startStats(logging.Nop(), config.Default())
	require.NoError(t, err)
	assert.False(t, serving)

	c := config.Default()
	c.Stats.Type = "statsd"
	_, err = startStats(logging.Nop(), c)
	assert.Error(t, err)

	c.Stats.Type = "graphite"
	_, err = startStats(logging.Nop(), c)
	assert.ErrorContains(t, err, "stats.host")

	c.Stats.Type = "prometheus"
	_, err = startStats(logging.Nop(), c)
	assert.ErrorContains(t, err, "stats.listen")
}
