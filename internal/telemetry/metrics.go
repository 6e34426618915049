package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"logbridge/internal/logging"
)

const namespace = "logbridge"

// Metrics holds every collector the adapter reports to.
type Metrics struct {
	EntriesPulled     *prometheus.CounterVec
	OutOfOrderDropped *prometheus.CounterVec
	BatchesPublished  *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	CheckpointSaves   *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	Rewinds           *prometheus.CounterVec
	ReceiveErrors     *prometheus.CounterVec
	ReceiverState     *prometheus.GaugeVec
	reg               prometheus.Registerer
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	partition := []string{"provider", "partition"}
	m := &Metrics{
		reg: reg,
		EntriesPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_pulled_total",
			Help: "Entries read from the log and staged in a cache.",
		}, partition),
		OutOfOrderDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "out_of_order_dropped_total",
			Help: "Entries dropped because their sequence did not advance.",
		}, partition),
		BatchesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_published_total",
			Help: "Batches appended to the log.",
		}, partition),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Events appended to the log.",
		}, partition),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_errors_total",
			Help: "Publish calls that failed in the transport.",
		}, partition),
		CheckpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_saves_total",
			Help: "Checkpoint writes by result.",
		}, append(partition, "result")),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_failures_total",
			Help: "Delivery failures reported to the default handler.",
		}, partition),
		Rewinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rewinds_total",
			Help: "Receiver rewinds.",
		}, partition),
		ReceiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "receive_errors_total",
			Help: "Transport receive errors, retried with backoff.",
		}, partition),
		ReceiverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "receiver_state",
			Help: "Current receiver state (0 created .. 4 stopped).",
		}, partition),
	}
	for _, c := range []prometheus.Collector{
		m.EntriesPulled, m.OutOfOrderDropped, m.BatchesPublished, m.EventsPublished,
		m.PublishErrors, m.CheckpointSaves, m.DeliveryFailures, m.Rewinds,
		m.ReceiveErrors, m.ReceiverState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// WatchPoolBytes exports fn as the pool bytes-in-use gauge.
func (m *Metrics) WatchPoolBytes(fn func() int64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "cache_pool_bytes_in_use",
		Help: "Bytes checked out of the shared cache pool.",
	}, func() float64 { return float64(fn()) })
	return m.reg.Register(g)
}

// Server serves /metrics until Shutdown.
type Server struct {
	srv *http.Server
	lis net.Listener
}

// Expose starts serving g on port. Port 0 picks a free port.
func Expose(port int, g prometheus.Gatherer) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	s := &Server{srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, lis: lis}
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", "err", err)
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
