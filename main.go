package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"busproxy/bus"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "busproxy",
	Short: "Watch remote D-Bus objects through signal proxies",
}

type monitorFlags struct {
	config      string
	bus         string
	name        string
	path        string
	iface       string
	consume     bool
	logLevel    string
	logFormat   string
	metricsAddr string
}

var mf monitorFlags

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print signals emitted by the given objects",
	Example: `  busproxy monitor --name org.freedesktop.IBus --path /org/freedesktop/IBus
  busproxy monitor --config watches.yaml --bus system`,
	RunE: runMonitor,
}

func init() {
	rootCmd.Version = version

	f := monitorCmd.Flags()
	f.StringVarP(&mf.config, "config", "c", "", "YAML config file")
	f.StringVar(&mf.bus, "bus", "", `bus to connect to: "session", "system" or an address`)
	f.StringVar(&mf.name, "name", "", "service name of the object to watch")
	f.StringVar(&mf.path, "path", "", "object path of the object to watch")
	f.StringVar(&mf.iface, "interface", "", "only watch signals from this interface")
	f.BoolVar(&mf.consume, "consume", false, "report watched signals as handled")
	f.StringVar(&mf.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&mf.logFormat, "log-format", "", "log format (text, json)")
	f.StringVar(&mf.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(monitorCmd)
}

// resolveConfig loads the config file, if any, and lays explicit flags over it.
func resolveConfig(cmd *cobra.Command, f monitorFlags) (*Config, error) {
	cfg := defaultConfig()
	if f.config != "" {
		loaded, err := LoadConfig(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("bus") {
		cfg.Bus = f.bus
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.name != "" || f.path != "" {
		cfg.Watches = append(cfg.Watches, WatchConfig{
			Name:      f.name,
			Path:      f.path,
			Interface: f.iface,
			Consume:   f.consume,
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd, mf)
	if err != nil {
		return err
	}
	log := cfg.newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	conn, err := bus.Open(cfg.Bus, bus.WithLogger(log), bus.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mon := NewMonitor(conn, log, cmd.OutOrStdout())
	defer mon.Stop()
	for _, w := range cfg.Watches {
		if err := mon.Watch(w); err != nil {
			return err
		}
	}

	log.WithField("bus", cfg.Bus).Info("monitor started")
	mon.Run(ctx)
	log.Info("monitor stopped")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return srv
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
