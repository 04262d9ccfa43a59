// Command slicetuned serves the slicer profile API: versioned profiles,
// feedback-driven mutation, calibration prints and filament overrides.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"slicetune/internal/adapters/httpapi"
	"slicetune/internal/artifact"
	"slicetune/internal/blob"
	"slicetune/internal/config"
	"slicetune/internal/core"
	"slicetune/internal/devicecfg"
	"slicetune/internal/events"
	"slicetune/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("slicetuned", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to the YAML config (default $"+config.EnvConfigPath+")")
	addr := flags.String("addr", "", "listen address, overrides http.addr")
	checkOnly := flags.Bool("check", false, "validate the configuration and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *checkOnly {
		fmt.Println("configuration ok")
		return nil
	}

	log, err := logging.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("set GOMAXPROCS", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background())
	return d.serve(ctx)
}

type daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	svc      *core.Service
	devices  *devicecfg.Registry
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func newDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			d.close(ctx)
		}
	}()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []core.Option{
		core.WithLogger(log),
		core.WithMetricsRecorder(core.NewPrometheusRecorder(d.registry)),
		core.WithAuditRecorder(auditLog{log: log.With("component", "audit")}),
		core.WithMaxRetries(cfg.Mutation.MaxRetries),
	}

	table, err := cfg.MutationTable()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithMutationTable(table))

	d.devices, err = cfg.DeviceRegistry()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithDeviceRegistry(d.devices))

	tracer, err := d.tracer()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithTracer(tracer))

	if cfg.Artifacts.Enabled {
		store, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		compression, err := artifact.ParseCompression(cfg.Artifacts.Compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithArtifactArchiver(artifact.NewArchiver(store,
			artifact.WithPrefix(cfg.Artifacts.Prefix),
			artifact.WithCompression(compression),
		)))
		log.Info("archiving calibration artifacts", "driver", string(cfg.Blob.Driver), "compression", string(compression))
	}

	if cfg.Events.Redis.Addr != "" {
		publisher, err := events.NewRedisPublisher(ctx, cfg.Events.Redis)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func(context.Context) error { return publisher.Close() })
		opts = append(opts, core.WithPublisher(publisher))
		log.Info("publishing profile versions", "addr", cfg.Events.Redis.Addr, "channel", cfg.Events.Redis.Channel)
	}

	store, err := core.OpenStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, err
	}
	if closer, ok := store.(io.Closer); ok {
		d.closers = append(d.closers, func(context.Context) error { return closer.Close() })
	}
	log.Info("storage ready", "driver", string(cfg.Storage.Driver))

	d.svc = core.NewService(store, opts...)
	return d, nil
}

func (d *daemon) tracer() (core.Tracer, error) {
	switch d.cfg.Tracing.Exporter {
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		d.closers = append(d.closers, tp.Shutdown)
		return core.NewOTelTracer(tp), nil
	case "json":
		return core.NewJSONTracer(os.Stderr), nil
	default:
		return nil, nil
	}
}

func (d *daemon) serve(ctx context.Context) error {
	handler := httpapi.NewHandler(d.svc, d.devices)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:         handler,
		Logger:          d.log.With("component", "http"),
		Gatherer:        d.registry,
		FeedbackLimiter: httpapi.NewFeedbackLimiter(d.cfg.HTTP.FeedbackRate, d.cfg.HTTP.FeedbackBurst),
	})
	srv := &http.Server{
		Addr:         d.cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  d.cfg.HTTP.ReadTimeout,
		WriteTimeout: d.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		d.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (d *daemon) close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			d.log.Warn("shutdown", "error", err)
		}
	}
	d.closers = nil
}

// auditLog writes audit entries to the structured log.
type auditLog struct {
	log *logging.Logger
}

func (a auditLog) Record(_ context.Context, entry core.AuditEntry) {
	kv := []any{
		"operation", entry.Operation,
		"entity", string(entry.Entity),
		"action", string(entry.Action),
		"id", entry.EntityID,
		"status", string(entry.Status),
		"duration", entry.Duration,
	}
	if entry.Error != "" {
		a.log.Warn("audit", append(kv, "error", entry.Error)...)
		return
	}
	a.log.Info("audit", kv...)
}
