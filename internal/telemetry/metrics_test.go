package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.EntriesPulled.WithLabelValues("hub", "0").Add(3)
	if got := testutil.ToFloat64(m.EntriesPulled.WithLabelValues("hub", "0")); got != 3 {
		t.Fatalf("entries pulled = %v", got)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("registering twice on one registry should fail")
	}
}

func TestExposeServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WatchPoolBytes(func() int64 { return 4096 }); err != nil {
		t.Fatal(err)
	}
	m.BatchesPublished.WithLabelValues("hub", "1").Inc()

	srv, err := Expose(0, reg)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	defer srv.Shutdown(context.Background())

	addr := srv.Addr()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		addr = "127.0.0.1" + addr[i:]
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`logbridge_batches_published_total{partition="1",provider="hub"} 1`,
		`logbridge_cache_pool_bytes_in_use 4096`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
