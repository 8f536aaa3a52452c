package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/ehrlich-b/go-onic"
	"github.com/ehrlich-b/go-onic/internal/config"
	"github.com/ehrlich-b/go-onic/internal/engine/file"
	"github.com/ehrlich-b/go-onic/internal/engine/memory"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "Path to a YAML config file")
		queues     = flag.IntP("queues", "q", 0, "DMA queues per direction")
		sizeStr    = flag.StringP("size", "s", "", "Card memory size (e.g., 64M, 1G)")
		engineType = flag.StringP("engine", "e", "", "Queue engine: memory or file")
		path       = flag.StringP("path", "p", "", "Backing file or device node for the file engine")
		workers    = flag.IntP("workers", "w", 8, "Concurrent workload goroutines")
		requests   = flag.IntP("requests", "n", 256, "Write-then-read pairs to run")
		lengthStr  = flag.StringP("length", "l", "64K", "Bytes per transfer")
		progress   = flag.Bool("progress", true, "Show a progress bar")
		verbose    = flag.BoolP("verbose", "v", false, "Verbose output")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Flags override the file
	if flag.CommandLine.Changed("queues") {
		cfg.Device.Queues = *queues
	}
	if flag.CommandLine.Changed("size") {
		size, err := config.ParseSize(*sizeStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid size '%s': %v\n", *sizeStr, err)
			os.Exit(2)
		}
		cfg.Engine.Size = config.Size(size)
	}
	if flag.CommandLine.Changed("engine") {
		cfg.Engine.Type = *engineType
	}
	if flag.CommandLine.Changed("path") {
		cfg.Engine.Path = *path
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	length, err := config.ParseSize(*lengthStr)
	if err != nil || length <= 0 {
		fmt.Fprintf(os.Stderr, "invalid length '%s'\n", *lengthStr)
		os.Exit(2)
	}

	logger := logging.NewLogger(cfg.LoggerConfig())
	logging.SetDefault(logger)
	logging.Debug("effective configuration", "yaml", cfg.String())
	if cfg.Engine.Type == "memory" && cfg.Engine.Path != "" {
		logging.Warn("memory engine ignores engine.path", "path", cfg.Engine.Path)
	}

	w := workload{workers: *workers, requests: *requests, length: int(length)}
	if *progress {
		bar := progressbar.NewOptions(
			*requests,
			progressbar.OptionSetDescription("Verifying transfers"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
		w.onDone = func() { _ = bar.Add(1) }
	}

	if err := run(cfg, w, logger); err != nil {
		logging.Error("run failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logging.Info("done")
	logger.Close()
}

func run(cfg *config.Config, w workload, logger *logging.Logger) error {
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	var observer onic.Observer
	serving, err := startStats(logger, cfg)
	if err != nil {
		eng.Close()
		return err
	}
	if serving {
		observer = onic.NewRegistryObserver(nil, cfg.Device.Name)
	}

	dev, err := onic.Open(onic.DeviceParams{
		NumQueues: cfg.Device.Queues,
		PageSize:  cfg.Device.PageSize,
		Timeout:   cfg.Device.Timeout,
		PinMode:   onic.PinMode(cfg.Device.PinMode),
		Name:      cfg.Device.Name,
	}, eng, &onic.Options{Logger: logger, Observer: observer})
	if err != nil {
		eng.Close()
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Error("error closing device", "error", err)
		}
	}()

	info := dev.Info()
	fmt.Printf("Device: %s\n", info.Name)
	fmt.Printf("Engine: %s\n", cfg.Engine.Type)
	fmt.Printf("Size: %s (%d bytes)\n", config.FormatSize(info.Size), info.Size)
	fmt.Printf("Queues: %d per direction, pin mode %s\n", info.NumQueues, info.PinMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.run(ctx, dev, logger); err != nil {
		return err
	}
	printSnapshot(dev.MetricsSnapshot())

	if serving {
		if cfg.Stats.Type == "graphite" {
			fmt.Printf("\nSending metrics to %s, press Ctrl+C to stop...\n", cfg.Stats.Host)
		} else {
			fmt.Printf("\nServing metrics on %s%s, press Ctrl+C to stop...\n", cfg.Stats.Listen, cfg.Stats.Path)
		}
		<-ctx.Done()
		logger.Info("received shutdown signal")
	}
	return nil
}

func newEngine(cfg *config.Config, logger *logging.Logger) (onic.Engine, error) {
	switch cfg.Engine.Type {
	case "file":
		f, err := file.Open(cfg.Engine.Path, int64(cfg.Engine.Size), logger)
		if err != nil {
			return nil, fmt.Errorf("open file engine: %w", err)
		}
		logger.Info("using file engine", "path", cfg.Engine.Path, "size_bytes", f.Size())
		return f, nil
	default:
		m := memory.NewMemory(int64(cfg.Engine.Size))
		m.SetLatency(cfg.Engine.Latency)
		logger.Info("using memory engine", "size", config.FormatSize(int64(cfg.Engine.Size)), "latency", cfg.Engine.Latency.String())
		return m, nil
	}
}

func printSnapshot(s onic.MetricsSnapshot) {
	fmt.Printf("\nTransfers: %d c2h, %d h2c\n", s.ReadOps, s.WriteOps)
	fmt.Printf("Bytes: %s c2h, %s h2c\n", config.FormatSize(int64(s.ReadBytes)), config.FormatSize(int64(s.WriteBytes)))
	fmt.Printf("Bandwidth: %.1f MB/s c2h, %.1f MB/s h2c\n", s.ReadBandwidth/(1<<20), s.WriteBandwidth/(1<<20))
	fmt.Printf("Latency: avg %dus, p50 %dus, p99 %dus\n", s.AvgLatencyNs/1000, s.LatencyP50Ns/1000, s.LatencyP99Ns/1000)
	fmt.Printf("Queue wait: avg %dus, max %dus, max in flight %d\n", s.AvgQueueWaitNs/1000, s.MaxQueueWaitNs/1000, s.MaxInFlight)
	fmt.Printf("Errors: %d (%.2f%%)\n", s.ReadErrors+s.WriteErrors, s.ErrorRate)
	for code, n := range s.Errors {
		fmt.Printf("  %s: %d\n", code, n)
	}
}
