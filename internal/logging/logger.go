// Package logging provides structured logging for the go-onic project
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with DMA-path structured fields
type Logger struct {
	zlog   zerolog.Logger
	device string
	async  *asyncWriter
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a LogLevel.
// Unknown names fall back to LevelInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter wraps an io.Writer with a buffered channel so that the
// request path never blocks on log output.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// p may be reused by zerolog after Write returns
	msg := make([]byte, len(p))
	copy(msg, p)

	// Drop on a full buffer rather than stall an in-flight transfer
	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var output io.Writer = config.Output
	var async *asyncWriter
	if !config.Sync {
		async = newAsyncWriter(config.Output, 1000)
		output = async
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	zlog = zlog.Level(zerolog.Level(config.Level))

	return &Logger{
		zlog:  zlog,
		async: async,
	}
}

// Close flushes buffered output. Loggers derived with the With methods
// share the buffer and must not be used afterwards.
func (l *Logger) Close() error {
	if l == nil || l.async == nil {
		return nil
	}
	return l.async.Close()
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a logger with device context
func (l *Logger) WithDevice(name string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("device", name).Logger(),
		device: name,
	}
}

// WithQueue returns a logger with queue context
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Int("queue_id", queueID).Logger(),
		device: l.device,
	}
}

// WithRequest returns a logger with request context
func (l *Logger) WithRequest(dir string, queueID int) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("dir", dir).Int("queue_id", queueID).Logger(),
		device: l.device,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Err(err).Logger(),
		device: l.device,
	}
}

func withArgs(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

// Standard logging methods
func (l *Logger) Debug(msg string, args ...any) {
	withArgs(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withArgs(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withArgs(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withArgs(l.zlog.Error(), args).Msg(msg)
}

// Transfer lifecycle helpers

// TransferStart logs a transfer entering the dispatch path
func (l *Logger) TransferStart(dir string, offset int64, length int) {
	l.zlog.Debug().Str("op", dir).Int64("offset", offset).Int("length", length).Msg("transfer starting")
}

// TransferComplete logs a finished transfer with its latency in microseconds
func (l *Logger) TransferComplete(dir string, offset int64, n int, latencyUs int64) {
	l.zlog.Debug().Str("op", dir).Int64("offset", offset).Int("bytes", n).Int64("latency_us", latencyUs).Msg("transfer completed")
}

// TransferError logs a failed transfer
func (l *Logger) TransferError(dir string, offset int64, length int, err error) {
	l.zlog.Warn().Str("op", dir).Int64("offset", offset).Int("length", length).Err(err).Msg("transfer failed")
}

// Package-level helpers log through Default

func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
