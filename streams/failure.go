package streams

import "context"

// DeliveryFailure describes one event a consumer could not process.
type DeliveryFailure struct {
	Queue          QueueID
	Partition      PartitionID
	SubscriptionID string
	Stream         StreamID
	Token          SequenceToken
	Cause          error
}

// FailureHandler decides what happens to events that could not be delivered.
// A non-nil error from the callbacks escalates the failure to the caller.
type FailureHandler interface {
	ShouldFaultSubscriptionOnError() bool
	OnDeliveryFailure(ctx context.Context, f DeliveryFailure) error
	OnSubscriptionFailure(ctx context.Context, f DeliveryFailure) error
}

type FailureHandlerFactory func(ctx context.Context, partition PartitionID) (FailureHandler, error)
