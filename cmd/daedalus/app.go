package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine/handlers"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	"github.com/wehubfusion/Daedalus/pkg/reporting"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// app holds the components shared by every subcommand.
type app struct {
	logger      *zap.Logger
	concurrency *concurrency.Config
	limiter     *concurrency.Limiter
	metrics     *prometheus.Registry
	client      *client.Client
	handlers    *handlers.Registry
	executor    *runtime.NodeExecutor
	store       storage.ResultStore
	results     *storage.ResultFileClient

	closers []func() error
}

type appOptions struct {
	service string
	// connect dials NATS when a URL is configured
	connect bool
	// requireNATS fails startup without a NATS URL
	requireNATS bool
}

func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	logger, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", opts.service))

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	undo := concurrency.InitializeForKubernetes(logger)
	a.closers = append(a.closers, func() error { undo(); return nil })

	a.concurrency = concurrency.LoadConfig()
	a.limiter = a.concurrency.NewLimiter(logger.Named("limiter"))
	logger.Info("Concurrency configured", zap.Stringer("config", a.concurrency))

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.limiter.Register(a.metrics); err != nil {
		return nil, fmt.Errorf("registering limiter metrics: %w", err)
	}
	collector, err := runtime.NewPrometheusCollector(a.metrics)
	if err != nil {
		return nil, fmt.Errorf("registering executor metrics: %w", err)
	}

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        viper.GetBool("tracing"),
		ServiceName:    opts.service,
		ServiceVersion: version,
		Environment:    viper.GetString("environment"),
		OTLPEndpoint:   viper.GetString("otlp_endpoint"),
		SampleRatio:    viper.GetFloat64("trace_sample_ratio"),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return tracing.Shutdown(shutdown, logger) })

	var reporter runtime.ErrorReporter
	if dsn := viper.GetString("sentry_dsn"); dsn != "" {
		hostname, _ := os.Hostname()
		sentryReporter, err := reporting.NewSentryReporter(reporting.Config{
			DSN:         dsn,
			Environment: viper.GetString("environment"),
			Release:     version,
			ServerName:  hostname,
			Logger:      logger.Named("sentry"),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { sentryReporter.Close(); return nil })
		reporter = sentryReporter
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	url := viper.GetString("nats_url")
	if opts.requireNATS && url == "" {
		return nil, fmt.Errorf("--nats-url is required")
	}
	cfg := handlers.Config{
		Logger:          logger.Named("handlers"),
		LoopConcurrency: a.concurrency.LoopConcurrency,
	}
	if opts.connect && url != "" {
		connCfg := nats.DefaultConnectionConfig(url)
		connCfg.Name = opts.service
		connCfg.Logger = logger.Named("nats")
		a.client = client.NewClientWithConfig(connCfg)
		if err := a.client.Connect(ctx); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.client.Close)
		cfg.Notifier = a.client.Notifier()
	}

	a.handlers = handlers.NewHandlerRegistry(cfg)
	a.closers = append(a.closers, func() error { a.handlers.Close(); return nil })

	a.executor = runtime.NewNodeExecutor(a.handlers.HandlerRegistry, runtime.ExecutorConfig{
		Logger:   logger.Named("executor"),
		Metrics:  collector,
		Reporter: reporter,
	})
	return a, nil
}

func (a *app) openStore() error {
	switch kind := viper.GetString("storage"); kind {
	case "none", "":
		return nil
	case "badger":
		store, err := storage.NewBadgerStore(viper.GetString("badger_dir"), a.logger.Named("badger"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.store = store
	case "azure":
		store, err := storage.NewAzureBlobStore(
			viper.GetString("azure_connection_string"),
			viper.GetString("azure_container"),
			a.logger.Named("azure"),
		)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown storage %q", kind)
	}
	a.results = storage.NewResultFileClient(a.store, a.logger.Named("results"))
	return nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	_ = a.logger.Sync()
	return err
}
