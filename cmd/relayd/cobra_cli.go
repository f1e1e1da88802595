package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelabs/relayd/pkg/config"
	"github.com/kestrelabs/relayd/pkg/registry"
	"github.com/kestrelabs/relayd/pkg/relayserver"
	"github.com/kestrelabs/relayd/pkg/telemetry"
)

var flagLogLevel string

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd brokers CLI clients and editor instances over one TCP port",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override RELAYD_LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayd's version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (%s)", gitCommit)
			}
			fmt.Println("relayd", v)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		flagAddr           string
		flagPort           int
		flagMetricsAddr    string
		flagQueueCapacity  int
		flagHeartbeat      time.Duration
		flagReloadGrace    time.Duration
		flagIdempotencyTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start relayd's TCP listener.

Editor instances connect in and REGISTER; CLI clients connect in and send
REQUEST/LIST_INSTANCES/SET_DEFAULT frames. Both share one port.

Examples:
  relayd serve
  relayd serve --addr 0.0.0.0:6500 --queue-capacity 10
  relayd serve --heartbeat-interval 5s --reload-grace 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if flagAddr != "" {
				cfg.Addr = flagAddr
			}
			if flagPort > 0 {
				host, _, err := net.SplitHostPort(cfg.Addr)
				if err != nil {
					return fmt.Errorf("parse listen address %q: %w", cfg.Addr, err)
				}
				cfg.Addr = net.JoinHostPort(host, fmt.Sprint(flagPort))
			}
			if flagMetricsAddr != "" {
				cfg.MetricsAddr = flagMetricsAddr
			}
			if cmd.Flags().Changed("queue-capacity") {
				cfg.QueueCapacity = flagQueueCapacity
			}
			if flagHeartbeat > 0 {
				cfg.HeartbeatInterval = flagHeartbeat
			}
			if flagReloadGrace > 0 {
				cfg.ReloadGrace = flagReloadGrace
			}
			if flagIdempotencyTTL > 0 {
				cfg.IdempotencyTTL = flagIdempotencyTTL
			}
			if flagLogLevel != "" {
				cfg.LogLevel = flagLogLevel
			}

			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default 127.0.0.1:6500)")
	cmd.Flags().IntVar(&flagPort, "port", 0, "listen port on the --addr host (default 6500)")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address for the Prometheus metrics endpoint; empty disables it")
	cmd.Flags().IntVar(&flagQueueCapacity, "queue-capacity", 0, "per-instance FIFO overflow queue capacity; 0 disables queuing")
	cmd.Flags().DurationVar(&flagHeartbeat, "heartbeat-interval", 0, "liveness probe interval")
	cmd.Flags().DurationVar(&flagReloadGrace, "reload-grace", 0, "how long a RELOADING instance holds requests before failing them")
	cmd.Flags().DurationVar(&flagIdempotencyTTL, "idempotency-ttl", 0, "how long a successful result is replayed for a repeated request id")

	return cmd
}

func runServe(cfg config.ServerConfig) error {
	log := newLogger(cfg.LogLevel)

	reg := registry.New(registry.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LostProbeLimit:    cfg.LostProbeLimit,
		ReloadGrace:       cfg.ReloadGrace,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		QueueCapacity:     cfg.QueueCapacity,
	}, log)
	defer reg.Close()

	metrics := telemetry.NewRelayMetrics()
	reg.Watch(&metricsWatcher{metrics: metrics})

	srv := relayserver.New(relayserver.Config{
		Addr:              cfg.Addr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RequestTimeout:    cfg.RequestTimeout,
	}, reg, metrics.Registry, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler(metrics.Registry))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	err := srv.Serve(ctx)
	log.Info("relayd shut down")
	return err
}

// metricsWatcher bridges registry.Watcher notifications into the metrics
// registry, grounded on the same observer pattern the teacher uses to feed
// NodeWatcher events into DevOpsClawMetrics.FleetNodesOnline.
type metricsWatcher struct {
	metrics *telemetry.RelayMetrics
}

func (w *metricsWatcher) OnInstanceRegistered(s registry.Summary) {
	w.metrics.InstancesRegistered.Inc()
	w.metrics.InstancesActive.Inc()
}

func (w *metricsWatcher) OnInstanceStatusChanged(id string, from, to registry.State) {}

func (w *metricsWatcher) OnInstanceDisconnected(id string) {
	w.metrics.InstancesDisconnected.Inc()
	w.metrics.InstancesActive.Dec()
}
