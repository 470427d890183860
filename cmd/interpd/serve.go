package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/api"
	"github.com/jrepp/prism-interpreters/pkg/events"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/lifecycle"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the interpreter daemon",
	Long: `Start the interpreter daemon.

The daemon loads interpreter settings from a YAML file, serves the
interpreter API over HTTP and launches interpreter processes on demand.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("listen", ":8970", "HTTP listen address")
	f.String("settings", "interpreter-settings.yaml", "interpreter settings file")
	f.Bool("watch-settings", true, "apply edits to the settings file without a restart")
	f.Duration("start-timeout", 30*time.Second, "bound on starting a process, retries included")
	f.Duration("terminate-timeout", 15*time.Second, "bound on stopping a process")
	f.Int("launch-retries", 3, "launch attempts before giving up")
	f.Duration("probe-interval", 10*time.Second, "health probe interval (0 disables probing)")
	f.Duration("orphan-interval", time.Minute, "orphan sweep interval (0 disables sweeping)")
	f.Duration("handshake-timeout", 10*time.Second, "readiness handshake bound per launch attempt")
	f.Duration("grace-period", 5*time.Second, "time a process gets to exit after SIGTERM")
	f.String("owner", "interpd", "owner marker written into launched processes")
	f.String("nats-url", "", "NATS server URL for lifecycle events (empty disables)")
	f.String("nats-prefix", "interpreter.events", "NATS subject prefix")
	f.Bool("trace", false, "print trace spans to stdout")

	viper.BindPFlag("server.listen", f.Lookup("listen"))
	viper.BindPFlag("settings.path", f.Lookup("settings"))
	viper.BindPFlag("settings.watch", f.Lookup("watch-settings"))
	viper.BindPFlag("lifecycle.start_timeout", f.Lookup("start-timeout"))
	viper.BindPFlag("lifecycle.terminate_timeout", f.Lookup("terminate-timeout"))
	viper.BindPFlag("lifecycle.launch_retries", f.Lookup("launch-retries"))
	viper.BindPFlag("lifecycle.probe_interval", f.Lookup("probe-interval"))
	viper.BindPFlag("lifecycle.orphan_interval", f.Lookup("orphan-interval"))
	viper.BindPFlag("launcher.handshake_timeout", f.Lookup("handshake-timeout"))
	viper.BindPFlag("launcher.grace_period", f.Lookup("grace-period"))
	viper.BindPFlag("launcher.owner", f.Lookup("owner"))
	viper.BindPFlag("events.nats_url", f.Lookup("nats-url"))
	viper.BindPFlag("events.nats_prefix", f.Lookup("nats-prefix"))
	viper.BindPFlag("tracing.enabled", f.Lookup("trace"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := settings.NewStore(viper.GetString("settings.path"), logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	metrics := procmgr.NewPrometheusMetricsCollector("interpd")
	table := procmgr.NewSystemProcessTable()

	l, err := launcher.NewBuilder().
		WithOwner(viper.GetString("launcher.owner")).
		WithHandshakeTimeout(viper.GetDuration("launcher.handshake_timeout")).
		WithGracePeriod(viper.GetDuration("launcher.grace_period")).
		WithProcessTable(table).
		WithMetricsCollector(metrics).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("invalid launcher config: %w", err)
	}

	opts := []lifecycle.Option{
		lifecycle.WithLauncher(l),
		lifecycle.WithProcessTable(table),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithLogger(logger),
		lifecycle.WithStartTimeout(viper.GetDuration("lifecycle.start_timeout")),
		lifecycle.WithTerminateTimeout(viper.GetDuration("lifecycle.terminate_timeout")),
		lifecycle.WithLaunchRetries(viper.GetInt("lifecycle.launch_retries")),
		lifecycle.WithProbeInterval(viper.GetDuration("lifecycle.probe_interval")),
	}

	if interval := viper.GetDuration("lifecycle.orphan_interval"); interval > 0 {
		od := launcher.NewOrphanDetector(table, l.Tracked, l.Owner(), interval, logger)
		opts = append(opts, lifecycle.WithOrphanDetector(od))
	}

	publisher := events.MultiPublisher{events.NewLogPublisher(logger)}
	if url := viper.GetString("events.nats_url"); url != "" {
		np, err := events.ConnectNATS(url, viper.GetString("events.nats_prefix"), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer np.Close()
		publisher = append(publisher, np)
	}
	opts = append(opts, lifecycle.WithPublisher(publisher))

	if viper.GetBool("tracing.enabled") {
		tp, err := initTracing(ctx)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to flush traces", "error", err)
			}
		}()
		opts = append(opts, lifecycle.WithTracerProvider(tp))
	}

	m := lifecycle.NewManager(store, opts...)
	m.Start(ctx)

	if viper.GetBool("settings.watch") {
		go func() {
			if err := m.WatchSettings(ctx, 200*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("settings watch stopped", "error", err)
			}
		}()
	}

	router := api.NewRouter(api.NewHandler(m, logger),
		promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              viper.GetString("server.listen"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("interpd listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			_ = m.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		viper.GetDuration("lifecycle.terminate_timeout")+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown left processes behind: %w", err)
	}
	return nil
}
