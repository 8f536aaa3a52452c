// Package config loads the YAML configuration for onic-dma
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-onic/internal/constants"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

// Config is the whole configuration file. Keys missing from the file keep
// the values from Default.
type Config struct {
	Device  Device  `yaml:"device"`
	Engine  Engine  `yaml:"engine"`
	Logging Logging `yaml:"logging"`
	Stats   Stats   `yaml:"stats"`
}

// Device configures the dispatch path
type Device struct {
	Name     string        `yaml:"name"`
	Queues   int           `yaml:"queues"`
	PageSize int           `yaml:"page_size"`
	Timeout  time.Duration `yaml:"timeout"`
	PinMode  string        `yaml:"pin_mode"`
}

// Engine selects and sizes the queue engine
type Engine struct {
	Type    string        `yaml:"type"` // memory or file
	Size    Size          `yaml:"size"`
	Path    string        `yaml:"path"`    // backing file for the file engine
	Latency time.Duration `yaml:"latency"` // added per transfer by the memory engine
}

// Logging configures the structured logger
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Stats configures metrics export, with the same keys nebula uses
type Stats struct {
	Type     string        `yaml:"type"` // none, prometheus or graphite
	Interval time.Duration `yaml:"interval"`

	// prometheus
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`

	// graphite
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Prefix   string `yaml:"prefix"`
}

// Size is a byte count that also accepts K, M and G suffixes in YAML
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Device: Device{
			Name:     constants.DefaultDeviceName,
			Queues:   constants.DefaultNumQueues,
			PageSize: constants.HardwarePageSize,
			Timeout:  constants.DefaultTransferTimeout,
			PinMode:  "auto",
		},
		Engine: Engine{
			Type: "memory",
			Size: constants.DefaultMemorySize,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Stats: Stats{
			Type:      "none",
			Path:      "/metrics",
			Namespace: "onic",
			Protocol:  "tcp",
			Prefix:    "onic",
			Interval:  10 * time.Second,
		},
	}
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadString parses and validates a configuration held in memory
func LoadString(raw string) (*Config, error) {
	return Read(strings.NewReader(raw))
}

// Read decodes a configuration from r over the defaults and validates it.
// Unknown keys are rejected.
func Read(r io.Reader) (*Config, error) {
	c := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every value and reports each bad key by name
func (c *Config) Validate() error {
	var errs []error
	bad := func(key string, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	d := c.Device
	if d.Queues < 1 || d.Queues > constants.MaxQueues {
		bad("device.queues", "%d outside [1,%d]", d.Queues, constants.MaxQueues)
	}
	if d.PageSize <= 0 || d.PageSize&(d.PageSize-1) != 0 {
		bad("device.page_size", "%d is not a power of two", d.PageSize)
	}
	if d.Timeout <= 0 {
		bad("device.timeout", "must be positive, got %v", d.Timeout)
	}
	switch d.PinMode {
	case "auto", "locked", "virtual":
	default:
		bad("device.pin_mode", "unknown mode %q", d.PinMode)
	}

	e := c.Engine
	switch e.Type {
	case "memory":
		if e.Size <= 0 {
			bad("engine.size", "must be positive for the memory engine, got %d", e.Size)
		}
	case "file":
		if e.Path == "" {
			bad("engine.path", "required for the file engine")
		}
		if e.Size < 0 {
			bad("engine.size", "must not be negative, got %d", e.Size)
		}
	default:
		bad("engine.type", "unknown engine %q", e.Type)
	}
	if e.Latency < 0 {
		bad("engine.latency", "must not be negative, got %v", e.Latency)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		bad("logging.format", "unknown format %q", c.Logging.Format)
	}

	s := c.Stats
	switch s.Type {
	case "", "none":
	case "prometheus":
		if s.Listen == "" {
			bad("stats.listen", "should not be empty")
		}
		if s.Path == "" {
			bad("stats.path", "should not be empty")
		}
		if s.Interval <= 0 {
			bad("stats.interval", "was an invalid duration: %v", s.Interval)
		}
	case "graphite":
		if s.Host == "" {
			bad("stats.host", "can not be empty")
		}
		if s.Interval <= 0 {
			bad("stats.interval", "was an invalid duration: %v", s.Interval)
		}
	default:
		bad("stats.type", "was not understood: %s", s.Type)
	}

	return errors.Join(errs...)
}

// LoggerConfig converts the logging section for logging.NewLogger
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Logging.Level)
	lc.Format = c.Logging.Format
	return lc
}

// String renders the configuration back to YAML
func (c *Config) String() string {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err.Error()
	}
	enc.Close()
	return buf.String()
}

// MarshalYAML renders a size as a plain byte count
func (s Size) MarshalYAML() (any, error) {
	return int64(s), nil
}

// ParseSize parses a size string like "64M", "1G", "512K"
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		numStr = strings.TrimSuffix(s, "G")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return num * multiplier, nil
}

// FormatSize formats a byte count as a human-readable string
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
