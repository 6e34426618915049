package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"logbridge/cache"
	"logbridge/checkpoint"
	"logbridge/hub"
	"logbridge/internal/telemetry"
	"logbridge/streams"
)

type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StateObserver is told about every receiver state change.
type StateObserver func(q streams.QueueID, p streams.PartitionID, s State)

type receiverConfig struct {
	startFrom       streams.Position
	batchSize       int
	receiveWait     time.Duration
	persistEvery    time.Duration
	shutdownTimeout time.Duration
	retryMin        time.Duration
	retryMax        time.Duration
}

type rewindRequest struct {
	pos  streams.Position
	done chan error
}

// Receiver pulls one partition into its cache and keeps the partition's checkpoint.
// It starts on construction and runs until Shutdown or a fatal error.
type Receiver struct {
	provider  string
	queue     streams.QueueID
	partition streams.PartitionID

	hub             hub.Client
	cache           streams.QueueCache
	newCheckpointer streams.CheckpointerFactory
	failureHandler  func(context.Context) (streams.FailureHandler, error)
	cfg             receiverConfig
	log             *slog.Logger
	metrics         *telemetry.Metrics
	observe         StateObserver

	stateMu sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	ready   chan struct{}
	done    chan struct{}
	rewinds chan rewindRequest

	mu          sync.Mutex
	cp          streams.Checkpointer
	err         error
	shutdownErr error

	// owned by the run goroutine
	position streams.Position
	lastSeq  int64
	hasLast  bool
}

func startReceiver(r *Receiver) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.ready = make(chan struct{})
	r.done = make(chan struct{})
	r.rewinds = make(chan rewindRequest)
	r.setState(StateCreated)
	go r.run(ctx)
	return r
}

func (r *Receiver) Queue() streams.QueueID         { return r.queue }
func (r *Receiver) Partition() streams.PartitionID { return r.partition }
func (r *Receiver) State() State                   { return State(r.state.Load()) }
func (r *Receiver) Done() <-chan struct{}          { return r.done }

// Cache is the queue cache the receiver fills.
func (r *Receiver) Cache() streams.QueueCache { return r.cache }

// Err is the error that stopped the receiver, if any.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Ready waits until the receiver is running. It returns the initialisation error if the
// receiver stopped before getting there.
func (r *Receiver) Ready(ctx context.Context) error {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.State() == StateStopped {
		if err := r.Err(); err != nil {
			return err
		}
		return streams.ErrStopped
	}
	return nil
}

// OpenCursor opens a cursor on the receiver's cache once the receiver is running.
func (r *Receiver) OpenCursor(ctx context.Context, pos streams.Position, opts ...streams.CursorOption) (streams.Cursor, error) {
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	return r.cache.OpenCursor(pos, opts...)
}

// Rewind repositions the partition reader at pos and empties the cache. Cursors opened
// before the rewind fail with streams.ErrNeedsRewind.
func (r *Receiver) Rewind(ctx context.Context, pos streams.Position) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	req := rewindRequest{pos: pos, done: make(chan error, 1)}
	select {
	case r.rewinds <- req:
	case <-r.done:
		return streams.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit asks for tok to be checkpointed. The write happens in the background.
func (r *Receiver) Commit(ctx context.Context, tok streams.SequenceToken) error {
	if err := r.Ready(ctx); err != nil {
		return err
	}
	r.checkpointer().Save(ctx, tok)
	return nil
}

// ReportDeliveryFailure hands f to the partition's failure handler. faulted reports
// whether the handler wants the subscription faulted.
func (r *Receiver) ReportDeliveryFailure(ctx context.Context, f streams.DeliveryFailure) (faulted bool, err error) {
	h, err := r.failureHandler(ctx)
	if err != nil {
		return false, err
	}
	f.Queue, f.Partition = r.queue, r.partition
	if err := h.OnDeliveryFailure(ctx, f); err != nil {
		return false, err
	}
	if !h.ShouldFaultSubscriptionOnError() {
		return false, nil
	}
	return true, h.OnSubscriptionFailure(ctx, f)
}

// Shutdown stops the pull loop, writes the final checkpoint and releases the cache. The
// receiver reports StateShuttingDown from the moment it is called.
func (r *Receiver) Shutdown(ctx context.Context) error {
	r.transition(StateRunning, StateShuttingDown)
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownErr
}

func (r *Receiver) checkpointer() streams.Checkpointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cp
}

func (r *Receiver) setState(s State) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.storeState(s)
}

// transition moves to s only from the state from.
func (r *Receiver) transition(from, s State) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.State() == from {
		r.storeState(s)
	}
}

func (r *Receiver) storeState(s State) {
	r.state.Store(int32(s))
	if r.metrics != nil {
		r.metrics.ReceiverState.WithLabelValues(r.provider, string(r.partition)).Set(float64(s))
	}
	if r.observe != nil {
		r.observe(r.queue, r.partition, s)
	}
	r.log.Debug("receiver state", "state", s.String())
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Receiver) run(ctx context.Context) {
	defer close(r.done)

	r.setState(StateInitializing)
	if err := r.init(ctx); err != nil {
		r.log.Error("receiver init failed", "err", err)
		r.fail(err)
		r.cache.Close()
		r.setState(StateStopped)
		close(r.ready)
		return
	}
	r.setState(StateRunning)
	close(r.ready)

	reader, err := r.loop(ctx)
	if err != nil {
		r.log.Error("receiver stopped", "err", err)
		r.fail(err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			r.log.Debug("close reader", "err", err)
		}
	}
	r.stop()
}

func (r *Receiver) init(ctx context.Context) error {
	cp, err := r.newCheckpointer(ctx, r.partition)
	if err != nil {
		return fmt.Errorf("checkpointer: %w", err)
	}
	tok, found, err := cp.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	start := r.cfg.startFrom
	if found {
		start = streams.After(tok)
	}
	r.mu.Lock()
	r.cp = cp
	r.mu.Unlock()
	r.reposition(start)
	r.log.Info("receiver initialised", "start", start.String(), "checkpoint_found", found)
	return nil
}

func (r *Receiver) reposition(pos streams.Position) {
	r.position = pos
	r.hasLast = false
	if _, ok := pos.Token(); ok {
		r.lastSeq, r.hasLast = pos.FirstSequence()-1, true
	}
	r.cache.Reset(pos)
}

// loop runs until ctx is cancelled or a fatal error occurs. It returns the open reader
// so the caller can close it.
func (r *Receiver) loop(ctx context.Context) (hub.Reader, error) {
	var (
		reader  hub.Reader
		cadence = checkpoint.NewCadence(r.cfg.persistEvery)
		retry   = r.newBackoff()
		err     error
	)
	for {
		select {
		case <-ctx.Done():
			return reader, nil
		case req := <-r.rewinds:
			if reader != nil {
				_ = reader.Close()
				reader = nil
			}
			r.reposition(req.pos)
			if r.metrics != nil {
				r.metrics.Rewinds.WithLabelValues(r.provider, string(r.partition)).Inc()
			}
			r.log.Info("receiver rewound", "position", req.pos.String())
			req.done <- nil
			continue
		default:
		}

		if reader == nil {
			reader, err = r.hub.OpenReader(ctx, r.partition, r.position)
			if err != nil {
				reader = nil
				r.receiveError(ctx, "open reader", err, retry)
				continue
			}
		}

		rctx, cancel := context.WithTimeout(ctx, r.cfg.receiveWait)
		entries, err := reader.Receive(rctx, r.cfg.batchSize)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			_ = reader.Close()
			reader = nil
			r.receiveError(ctx, "receive", err, retry)
			continue
		}
		retry.Reset()

		if err := r.stage(ctx, entries); err != nil {
			if ctx.Err() != nil {
				return reader, nil
			}
			return reader, err
		}
		if cadence.Due(time.Now()) {
			r.persist(ctx)
		}
	}
}

func (r *Receiver) stage(ctx context.Context, entries []streams.Entry) error {
	for _, e := range entries {
		if r.hasLast && e.Sequence <= r.lastSeq {
			r.log.Debug("dropping entry that does not advance", "sequence", e.Sequence, "last", r.lastSeq)
			if r.metrics != nil {
				r.metrics.OutOfOrderDropped.WithLabelValues(r.provider, string(r.partition)).Inc()
			}
			continue
		}
		err := r.cache.Add(ctx, e)
		switch {
		case err == nil:
		case errors.Is(err, cache.ErrOutOfOrder):
			if r.metrics != nil {
				r.metrics.OutOfOrderDropped.WithLabelValues(r.provider, string(r.partition)).Inc()
			}
			continue
		case errors.Is(err, cache.ErrEntryTooLarge):
			r.log.Error("dropping entry larger than a cache block", "sequence", e.Sequence, "bytes", len(e.Body))
			r.advance(e.Sequence)
			continue
		default:
			return fmt.Errorf("stage sequence %d: %w", e.Sequence, err)
		}
		r.advance(e.Sequence)
		if r.metrics != nil {
			r.metrics.EntriesPulled.WithLabelValues(r.provider, string(r.partition)).Inc()
		}
	}
	return nil
}

func (r *Receiver) advance(seq int64) {
	r.lastSeq, r.hasLast = seq, true
	r.position = streams.After(streams.SequenceToken{Sequence: seq})
}

func (r *Receiver) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.retryMin
	b.MaxInterval = r.cfg.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Receiver) receiveError(ctx context.Context, op string, err error, retry backoff.BackOff) {
	wait := retry.NextBackOff()
	r.log.Warn("transport error, retrying", "op", op, "err", err, "retry_in", wait)
	if r.metrics != nil {
		r.metrics.ReceiveErrors.WithLabelValues(r.provider, string(r.partition)).Inc()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// persist saves the cache watermark. Without cursors there is nothing consumed to record.
func (r *Receiver) persist(ctx context.Context) {
	if tok, ok := r.cache.Watermark(); ok {
		r.checkpointer().Save(ctx, tok)
	}
}

func (r *Receiver) stop() {
	r.transition(StateRunning, StateShuttingDown)

	r.persist(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.shutdownTimeout)
	err := r.checkpointer().Flush(ctx)
	cancel()
	if err != nil {
		r.log.Warn("final checkpoint failed", "err", err)
		err = fmt.Errorf("partition %s: final checkpoint: %w", r.partition, err)
	}
	r.cache.Close()

	r.mu.Lock()
	r.shutdownErr = err
	r.mu.Unlock()
	r.setState(StateStopped)
	r.log.Info("receiver stopped")
}
