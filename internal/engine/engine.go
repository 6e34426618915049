package engine

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"logbridge/adapter"
	"logbridge/internal/config"
	"logbridge/internal/telemetry"
	"logbridge/internal/transport"
)

type Engine struct {
	cfg       *config.Config
	log       *slog.Logger
	factory   *adapter.Factory
	transport *transport.Server
	metrics   *telemetry.Server
}

func (e *Engine) Factory() *adapter.Factory { return e.factory }

func (e *Engine) GRPCAddr() string    { return e.transport.Addr().String() }
func (e *Engine) MetricsAddr() string { return e.metrics.Addr() }

// Run serves health checks until ctx is done, then stops the receivers and both servers.
func (e *Engine) Run(ctx context.Context) error {
	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		stopped <- e.shutdown()
		e.transport.Stop()
	}()

	if err := e.transport.Serve(); err != nil {
		return err
	}
	return <-stopped
}

func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Receiver.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := e.factory.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.metrics.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	e.log.Info("engine stopped")
	return result.ErrorOrNil()
}
