package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/repository"
	"github.com/wehubfusion/Daedalus/pkg/resolver"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// app holds the wired controller and everything that must be released on exit
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      storage.Store
	controller *runner.Controller
	closers    []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	a.closers = append(a.closers, concurrency.InitializeForKubernetes(logger))

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	conc := concurrency.LoadConfig()
	logger.Info("Concurrency configured", zap.String("config", conc.String()))

	reporter, err := a.setupSentry()
	if err != nil {
		return err
	}
	if cfg.Tracing.Enabled {
		shutdown, err := runner.SetupTracing(ctx, runner.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Tracing.Environment,
			OTLPEndpoint:   cfg.Tracing.Endpoint,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	a.store = store
	runs, errs, err := a.openRepositories(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return err
	}

	m, err := metrics.NewPipeline(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	breaker := conc.NewBreaker()
	breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		logger.Warn("Remote circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		m.BreakerState(int(to))
	})
	client, err := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:  cfg.Remote.BaseURL,
		Token:    cfg.Remote.Token,
		Timeout:  cfg.Remote.Timeout,
		RetryMax: cfg.Remote.RetryMax,
	}, breaker, logger)
	if err != nil {
		return fmt.Errorf("create remote client: %w", err)
	}

	workers := cfg.Pipeline.PartitionWorkers
	if workers <= 0 {
		workers = conc.PartitionWorkers
	}
	controller, err := runner.NewController(runner.Config{
		PartitionSize:    cfg.Pipeline.PartitionSize,
		PartitionWorkers: workers,
		MergeWorkers:     cfg.Pipeline.MergeWorkers,
		MergeTimeout:     cfg.Pipeline.MergeTimeout,
		SkipLimit:        cfg.Pipeline.SkipLimit,
		FlushThreshold:   cfg.Pipeline.FlushThreshold,
		UserRetry: resolver.RetryConfig{
			MaxAttempts:     cfg.Pipeline.UserRetries,
			InitialInterval: cfg.Pipeline.UserRetryBackoff,
			MaxInterval:     10 * cfg.Pipeline.UserRetryBackoff,
		},
		CentralTenant: cfg.Remote.CentralTenant,
	}, runner.Dependencies{
		Store:    store,
		Runs:     runs,
		Errors:   errs,
		Remote:   client.Collaborators(),
		Events:   publisher,
		Reporter: reporter,
		Metrics:  m,
	}, logger)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	a.controller = controller
	a.closers = append(a.closers, controller.Wait)
	return nil
}

func (a *app) setupSentry() (runner.Reporter, error) {
	if a.cfg.Sentry.DSN == "" {
		return nil, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         a.cfg.Sentry.DSN,
		Environment: a.cfg.Sentry.Environment,
		Release:     "daedalus@" + version,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	a.closers = append(a.closers, func() { sentry.Flush(2 * time.Second) })
	return runner.NewSentryReporter(sentry.CurrentHub()), nil
}

func (a *app) openStore() (storage.Store, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendAzure:
		return storage.NewAzureBlobStore(sc.ConnectionString, sc.Container, a.logger)
	case config.BackendMinio:
		return storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Region:    sc.Region,
			UseSSL:    sc.UseSSL,
			Bucket:    sc.Container,
		}, a.logger)
	default:
		a.logger.Warn("Using in-memory storage; artifacts are lost on exit")
		return storage.NewMemoryStore(), nil
	}
}

func (a *app) openRepositories(ctx context.Context) (repository.RunStore, repository.ErrorStore, error) {
	if a.cfg.Database.URL == "" {
		a.logger.Warn("No database configured; runs are kept in memory")
		return repository.NewMemoryRunStore(), repository.NewMemoryErrorStore(), nil
	}
	db, err := repository.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { closeDB(db, a.logger) })
	if err := repository.Migrate(ctx, db); err != nil {
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return repository.NewPostgresRunStore(db), repository.NewPostgresErrorStore(db), nil
}

func (a *app) openPublisher(ctx context.Context) (events.Publisher, error) {
	nc := a.cfg.NATS
	if nc.URL == "" {
		return events.Nop{}, nil
	}
	conn, err := natsconn.Connect(ctx, &nc, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	a.closers = append(a.closers, func() { _ = natsconn.Close(conn) })
	if !natsconn.IsConnected(conn) {
		return nil, fmt.Errorf("NATS connection to %s is not active", nc.URL)
	}

	js, err := conn.JetStream(nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("open JetStream: %w", err)
	}
	return events.NewJetStreamPublisher(js, events.JetStreamConfig{
		Stream:     nc.EventStream,
		Subject:    nc.EventSubject,
		MaxRetries: nc.PublishMaxRetries,
		RetryWait:  nc.ReconnectWait,
	}, a.logger)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}
