package adapter

import (
	"context"
	"log/slog"
	"sync/atomic"

	"logbridge/internal/telemetry"
	"logbridge/streams"
)

// ObservedNoOpHandler ignores delivery failures but leaves a trace of each one: a WARN
// log line and the delivery_failures_total counter. Subscriptions are never faulted.
type ObservedNoOpHandler struct {
	provider  string
	partition streams.PartitionID
	log       *slog.Logger
	metrics   *telemetry.Metrics
	count     atomic.Int64
}

var _ streams.FailureHandler = (*ObservedNoOpHandler)(nil)

func NewObservedNoOpHandler(provider string, p streams.PartitionID, log *slog.Logger, m *telemetry.Metrics) *ObservedNoOpHandler {
	return &ObservedNoOpHandler{provider: provider, partition: p, log: log, metrics: m}
}

func (h *ObservedNoOpHandler) ShouldFaultSubscriptionOnError() bool { return false }

func (h *ObservedNoOpHandler) OnDeliveryFailure(_ context.Context, f streams.DeliveryFailure) error {
	h.record("delivery failure ignored", f)
	return nil
}

func (h *ObservedNoOpHandler) OnSubscriptionFailure(_ context.Context, f streams.DeliveryFailure) error {
	h.record("subscription failure ignored", f)
	return nil
}

func (h *ObservedNoOpHandler) record(msg string, f streams.DeliveryFailure) {
	h.count.Add(1)
	if h.metrics != nil {
		h.metrics.DeliveryFailures.WithLabelValues(h.provider, string(h.partition)).Inc()
	}
	h.log.Warn(msg,
		"partition", string(h.partition),
		"subscription", f.SubscriptionID,
		"stream", f.Stream.String(),
		"token", f.Token.String(),
		"err", f.Cause,
	)
}

// Count is the number of failures seen.
func (h *ObservedNoOpHandler) Count() int64 { return h.count.Load() }

// DefaultFailureHandlers builds an ObservedNoOpHandler per partition.
func DefaultFailureHandlers(provider string, log *slog.Logger, m *telemetry.Metrics) streams.FailureHandlerFactory {
	return func(_ context.Context, p streams.PartitionID) (streams.FailureHandler, error) {
		return NewObservedNoOpHandler(provider, p, log, m), nil
	}
}
