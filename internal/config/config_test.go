package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-onic/internal/logging"
)

func TestDefaults(t *testing.T) {
	c, err := LoadString("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	assert.Equal(t, 4, c.Device.Queues)
	assert.Equal(t, 4096, c.Device.PageSize)
	assert.Equal(t, 10*time.Second, c.Device.Timeout)
	assert.Equal(t, "auto", c.Device.PinMode)
	assert.Equal(t, "memory", c.Engine.Type)
	assert.Equal(t, Size(64<<20), c.Engine.Size)
	assert.Equal(t, "none", c.Stats.Type)
}

func TestOverrides(t *testing.T) {
	c, err := LoadString(`
device:
  queues: 8
  timeout: 250ms
  pin_mode: virtual
engine:
  type: file
  path: /tmp/card.img
  size: 1G
logging:
  level: debug
  format: json
stats:
  type: prometheus
  listen: 127.0.0.1:8080
  interval: 5s
`)
	require.NoError(t, err)

	assert.Equal(t, 8, c.Device.Queues)
	assert.Equal(t, 4096, c.Device.PageSize, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, c.Device.Timeout)
	assert.Equal(t, "virtual", c.Device.PinMode)
	assert.Equal(t, "file", c.Engine.Type)
	assert.Equal(t, Size(1<<30), c.Engine.Size)
	assert.Equal(t, "/tmp/card.img", c.Engine.Path)
	assert.Equal(t, "prometheus", c.Stats.Type)
	assert.Equal(t, "/metrics", c.Stats.Path)
	assert.Equal(t, 5*time.Second, c.Stats.Interval)

	lc := c.LoggerConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestValidationNamesKey(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		key  string
	}{
		{"zero queues", "device: {queues: 0}", "device.queues"},
		{"too many queues", "device: {queues: 65}", "device.queues"},
		{"page size", "device: {page_size: 3000}", "device.page_size"},
		{"timeout", "device: {timeout: -1s}", "device.timeout"},
		{"pin mode", "device: {pin_mode: pinned}", "device.pin_mode"},
		{"engine type", "engine: {type: nvme}", "engine.type"},
		{"memory size", "engine: {size: 0}", "engine.size"},
		{"file path", "engine: {type: file}", "engine.path"},
		{"latency", "engine: {latency: -5ms}", "engine.latency"},
		{"log level", "logging: {level: loud}", "logging.level"},
		{"log format", "logging: {format: xml}", "logging.format"},
		{"stats type", "stats: {type: statsd}", "stats.type"},
		{"graphite host", "stats: {type: graphite}", "stats.host"},
		{"stats listen", "stats: {type: prometheus}", "stats.listen"},
		{"stats interval", "stats: {type: prometheus, listen: ':1', interval: 0s}", "stats.interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadString(tc.raw)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestValidationReportsEveryKey(t *testing.T) {
	_, err := LoadString("device: {queues: 0, page_size: 3}\nlogging: {format: xml}")
	require.Error(t, err)
	for _, key := range []string{"device.queues", "device.page_size", "logging.format"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := LoadString("device: {queue_depth: 32}")
	assert.Error(t, err)

	_, err = LoadString("engine: {size: lots}")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onic.yml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  queues: 2\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Device.Queues)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Rendered config loads back to the same values
	again, err := LoadString(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"512":  512,
		"4K":   4096,
		"64M":  64 << 20,
		"1g":   1 << 30,
		" 2M ": 2 << 20,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("M")
	assert.Error(t, err)
	_, err = ParseSize("12T")
	assert.Error(t, err)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "4.0 KB", FormatSize(4096))
	assert.Equal(t, "64.0 MB", FormatSize(64<<20))
	assert.Equal(t, "1.5 GB", FormatSize(3<<29))
}
