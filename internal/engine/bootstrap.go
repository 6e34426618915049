package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"logbridge/adapter"
	"logbridge/hub"
	"logbridge/internal/config"
	"logbridge/internal/logging"
	"logbridge/internal/telemetry"
	"logbridge/internal/transport"
	"logbridge/streams"
)

type Option func(*options)

type options struct {
	hub      hub.Client
	registry *prometheus.Registry
}

// WithHub makes the engine use c instead of opening a client from the hub settings.
// The engine does not close it.
func WithHub(c hub.Client) Option {
	return func(o *options) { o.hub = c }
}

func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Bootstrap wires config into a running adapter: logging, metrics, the adapter with a
// receiver per queue, the health server and the /metrics endpoint.
func Bootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{registry: prometheus.NewRegistry()}
	for _, fn := range opts {
		fn(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. logging
	log := logging.Configure(logging.Options{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
		File:  cfg.Logging.File,
	})

	// 2. metrics
	o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(o.registry)
	if err != nil {
		return nil, err
	}

	// 3. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 4. adapter, one receiver per queue
	f, err := OpenAdapter(ctx, cfg, adapter.Dependencies{Hub: o.hub, Logger: log, Metrics: metrics},
		adapter.WithStateObserver(func(q streams.QueueID, _ streams.PartitionID, s adapter.State) {
			srv.SetQueueStatus(q.String(), s == adapter.StateRunning)
		}),
	)
	if err != nil {
		srv.Stop()
		return nil, err
	}
	m, _ := f.QueueMapper()
	for _, q := range m.Queues() {
		if _, err := f.CreateReceiver(ctx, q); err != nil {
			_ = f.Shutdown(context.Background())
			srv.Stop()
			return nil, fmt.Errorf("receiver %s: %w", q, err)
		}
	}

	// 5. metrics endpoint
	ms, err := telemetry.Expose(cfg.MetricsPort, o.registry)
	if err != nil {
		_ = f.Shutdown(context.Background())
		srv.Stop()
		return nil, err
	}

	log.Info("engine started",
		"provider", cfg.Provider,
		"queues", len(m.Queues()),
		"grpc", srv.Addr().String(),
		"metrics", ms.Addr(),
	)
	return &Engine{
		cfg:       cfg,
		log:       log,
		factory:   f,
		transport: srv,
		metrics:   ms,
	}, nil
}

// OpenAdapter builds the factory for cfg.Provider and discovers the partitions.
func OpenAdapter(ctx context.Context, cfg *config.Config, deps adapter.Dependencies, opts ...adapter.Option) (*adapter.Factory, error) {
	if deps.Logger == nil {
		deps.Logger = logging.L()
	}
	f, err := adapter.New(cfg, cfg.Provider, deps, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := f.CreateAdapter(ctx); err != nil {
		_ = f.Shutdown(context.Background())
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	return f, nil
}
