package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"

	"github.com/ehrlich-b/go-onic/internal/config"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

// startStats starts exporting metrics.DefaultRegistry. It reports whether
// an exporter is running.
func startStats(l *logging.Logger, c *config.Config) (bool, error) {
	var err error
	switch c.Stats.Type {
	case "", "none":
		return false, nil
	case "prometheus":
		err = startPrometheusStats(l, c)
	case "graphite":
		err = startGraphiteStats(l, c)
	default:
		return false, fmt.Errorf("stats.type was not understood: %s", c.Stats.Type)
	}
	if err != nil {
		return false, err
	}

	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)
	go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, c.Stats.Interval)
	return true, nil
}

func startGraphiteStats(l *logging.Logger, c *config.Config) error {
	s := c.Stats
	if s.Host == "" {
		return errors.New("stats.host can not be empty")
	}

	addr, err := net.ResolveTCPAddr(s.Protocol, s.Host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	l.Info("starting graphite", "interval", s.Interval.String(), "prefix", s.Prefix, "addr", addr.String())
	go graphite.Graphite(metrics.DefaultRegistry, s.Interval, s.Prefix, addr)
	return nil
}

func startPrometheusStats(l *logging.Logger, c *config.Config) error {
	s := c.Stats
	if s.Listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}
	if s.Path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, s.Namespace, s.Subsystem, pr, s.Interval)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.Namespace,
		Subsystem: s.Subsystem,
		Name:      "info",
		Help:      "Configuration of the onic-dma device",
		ConstLabels: prometheus.Labels{
			"engine":    c.Engine.Type,
			"pin_mode":  c.Device.PinMode,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(s.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: promLogger{l}}))
	go func() {
		l.Info("prometheus stats listening", "listen", s.Listen, "path", s.Path)
		if err := http.ListenAndServe(s.Listen, mux); err != nil {
			l.Error("prometheus stats server stopped", "error", err)
		}
	}()
	return nil
}

// promLogger adapts the logger to promhttp's error log
type promLogger struct {
	l *logging.Logger
}

func (p promLogger) Println(v ...any) {
	p.l.Error(fmt.Sprint(v...))
}
