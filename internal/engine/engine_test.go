package engine

import (
	"context"
	"net"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"logbridge/checkpoint"
	"logbridge/hub"
	"logbridge/internal/config"
	"logbridge/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Provider = "engine-test"
	cfg.Hub.Driver = hub.DriverMemory
	cfg.Hub.Partitions = 2
	cfg.Checkpoint.Backend = checkpoint.BackendMemory
	cfg.Checkpoint.Path = ""
	cfg.Receiver.ReceiveWait = 20 * time.Millisecond
	cfg.Receiver.ShutdownTimeout = 2 * time.Second
	cfg.Logging.Level = "error"
	cfg.GRPCPort = 0
	cfg.MetricsPort = 0
	cfg.Cache.SizeMB = 1
	cfg.Cache.BlockSizeKB = 64
	return cfg
}

func TestEngineServesQueueHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := Bootstrap(ctx, testConfig())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	m, err := e.Factory().QueueMapper()
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}
	if n := len(e.Factory().Receivers()); n != 2 {
		t.Fatalf("receivers = %d, want 2", n)
	}

	_, port, err := net.SplitHostPort(e.GRPCAddr())
	if err != nil {
		t.Fatalf("grpc addr: %v", err)
	}
	client, cc, err := transport.Dial(net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cc.Close()

	for _, q := range m.Queues() {
		deadline := time.Now().Add(2 * time.Second)
		for {
			cctx, ccancel := context.WithTimeout(ctx, time.Second)
			st, err := transport.Check(cctx, client, q.String())
			ccancel()
			if err == nil && st == healthpb.HealthCheckResponse_SERVING {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("queue %s: status %v, err %v", q, st, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Provider = ""
	if _, err := Bootstrap(context.Background(), cfg); err == nil {
		t.Fatal("expected a configuration error")
	}
}
