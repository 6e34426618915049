// Package adapter bridges a partitioned log into per-queue receivers and caches. The
// Factory discovers partitions once, memoises one Receiver per queue and carries the
// publish path.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"logbridge/cache"
	"logbridge/checkpoint"
	"logbridge/hub"
	"logbridge/internal/config"
	"logbridge/internal/telemetry"
	"logbridge/streams"
)

// Dependencies are the collaborators a Factory cannot build itself. Hub is optional;
// without it the factory opens a client from the hub settings on first use.
type Dependencies struct {
	Hub     hub.Client
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Adapter is the handle CreateAdapter hands out once partitions are known.
type Adapter interface {
	Name() string
	IsRewindable() bool
	Direction() streams.Direction
	PublishBatch(ctx context.Context, stream streams.StreamID, events [][]byte, token *streams.SequenceToken, requestContext map[string]any) (streams.SequenceToken, error)
	CreateReceiver(ctx context.Context, q streams.QueueID) (*Receiver, error)
}

// CacheProvider hands out the cache behind a queue.
type CacheProvider interface {
	CreateQueueCache(ctx context.Context, q streams.QueueID) (streams.QueueCache, error)
}

type Option func(*Factory)

func WithCacheFactory(fn streams.CacheFactory) Option {
	return func(f *Factory) { f.newCache = fn }
}

func WithCheckpointerFactory(fn streams.CheckpointerFactory) Option {
	return func(f *Factory) { f.newCheckpointer = fn }
}

func WithFailureHandlerFactory(fn streams.FailureHandlerFactory) Option {
	return func(f *Factory) { f.newFailureHandler = fn }
}

func WithStateObserver(fn StateObserver) Option {
	return func(f *Factory) { f.observe = fn }
}

// WithRetryBackoff bounds the exponential backoff receivers apply to transport errors.
func WithRetryBackoff(initial, limit time.Duration) Option {
	return func(f *Factory) { f.retryMin, f.retryMax = initial, limit }
}

// Factory is the entry point for one named provider.
type Factory struct {
	name    string
	cfg     *config.Config
	start   streams.Position
	log     *slog.Logger
	metrics *telemetry.Metrics
	observe StateObserver

	newCache          streams.CacheFactory
	newCheckpointer   streams.CheckpointerFactory
	newFailureHandler streams.FailureHandlerFactory
	retryMin          time.Duration
	retryMax          time.Duration

	hubMu    sync.Mutex
	hub      hub.Client
	ownsHub  bool
	pool     *cache.Pool
	store    checkpoint.Store
	create   singleflight.Group
	mapper   atomic.Pointer[streams.QueueMapper]
	closed   atomic.Bool
	rcvs     *registry[streams.QueueID, *Receiver]
	handlers *registry[streams.PartitionID, streams.FailureHandler]
}

var _ Adapter = (*Factory)(nil)

// New validates cfg and deps and installs a default for every strategy not passed as
// an option.
func New(cfg *config.Config, providerName string, deps Dependencies, opts ...Option) (*Factory, error) {
	if cfg == nil {
		return nil, streams.Missing("config")
	}
	if strings.TrimSpace(providerName) == "" {
		return nil, streams.Missing("providerName")
	}
	if deps.Logger == nil {
		return nil, streams.Missing("dependencies.logger")
	}
	if deps.Metrics == nil {
		return nil, streams.Missing("dependencies.metrics")
	}
	if deps.Hub == nil {
		if err := cfg.Hub.Validate(); err != nil {
			return nil, err
		}
	}
	start, err := cfg.StartPosition()
	if err != nil {
		return nil, err
	}

	f := &Factory{
		name:     providerName,
		cfg:      cfg,
		start:    start,
		log:      deps.Logger.With("provider", providerName),
		metrics:  deps.Metrics,
		hub:      deps.Hub,
		retryMin: 100 * time.Millisecond,
		retryMax: 10 * time.Second,
		rcvs:     newRegistry[streams.QueueID, *Receiver](),
		handlers: newRegistry[streams.PartitionID, streams.FailureHandler](),
	}
	for _, o := range opts {
		o(f)
	}
	if err := f.installDefaults(); err != nil {
		f.closeOwned()
		return nil, err
	}
	return f, nil
}

func (f *Factory) installDefaults() error {
	if f.newCache == nil {
		if f.cfg.Cache.SizeMB <= 0 {
			return streams.Missing("cache.size_mb")
		}
		block := cache.DefaultBlockSize
		if f.cfg.Cache.BlockSizeKB > 0 {
			block = f.cfg.Cache.BlockSizeKB << 10
		}
		if int64(block) > int64(f.cfg.Cache.SizeMB)<<20 {
			return streams.Invalid("cache.block_size_kb", "must fit in cache.size_mb")
		}
		f.pool = cache.NewPool(int64(f.cfg.Cache.SizeMB)<<20, block)
		var copts []cache.Option
		if f.cfg.Cache.PressureWait > 0 {
			copts = append(copts, cache.WithPressureWait(f.cfg.Cache.PressureWait))
		}
		f.newCache = cache.NewFactory(f.pool, copts...)
		if err := f.metrics.WatchPoolBytes(f.pool.InUse); err != nil {
			f.log.Warn("pool gauge not registered", "err", err)
		}
	}
	if f.newCheckpointer == nil {
		if strings.TrimSpace(f.cfg.Checkpoint.Backend) == "" {
			return streams.Missing("checkpoint.backend")
		}
		store, err := checkpoint.OpenStore(f.cfg.Checkpoint.Backend, f.cfg.Checkpoint.Path)
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		f.store = store
		f.newCheckpointer = checkpoint.NewFactory(store, f.name,
			checkpoint.WithLogger(f.log),
			checkpoint.WithObserver(func(p streams.PartitionID, result string) {
				f.metrics.CheckpointSaves.WithLabelValues(f.name, string(p), result).Inc()
			}),
		)
	}
	if f.newFailureHandler == nil {
		f.newFailureHandler = DefaultFailureHandlers(f.name, f.log, f.metrics)
	}
	return nil
}

func (f *Factory) Name() string                 { return f.name }
func (f *Factory) IsRewindable() bool           { return true }
func (f *Factory) Direction() streams.Direction { return streams.ReadWrite }

// CreateAdapter discovers the partitions and builds the queue mapper. Concurrent callers
// share one discovery; once it succeeded further calls return immediately. A failed
// discovery is returned to every waiting caller and is not remembered.
func (f *Factory) CreateAdapter(ctx context.Context) (Adapter, error) {
	if f.closed.Load() {
		return nil, streams.ErrStopped
	}
	if f.mapper.Load() != nil {
		return f, nil
	}
	_, err, _ := f.create.Do("create", func() (any, error) {
		if f.mapper.Load() != nil {
			return nil, nil
		}
		c, err := f.client()
		if err != nil {
			return nil, err
		}
		parts, err := c.Partitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover partitions: %w", err)
		}
		m, err := streams.BuildQueueMapper(parts, f.name)
		if err != nil {
			return nil, err
		}
		f.mapper.Store(m)
		f.log.Info("adapter created", "partitions", len(parts))
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Factory) client() (hub.Client, error) {
	f.hubMu.Lock()
	defer f.hubMu.Unlock()
	if f.hub != nil {
		return f.hub, nil
	}
	c, err := hub.Open(f.cfg.Hub)
	if err != nil {
		return nil, err
	}
	f.hub, f.ownsHub = c, true
	return c, nil
}

// QueueMapper returns streams.ErrNotInitialized until CreateAdapter succeeded.
func (f *Factory) QueueMapper() (*streams.QueueMapper, error) {
	m := f.mapper.Load()
	if m == nil {
		return nil, streams.ErrNotInitialized
	}
	return m, nil
}

func (f *Factory) QueueAdapterCache() CacheProvider { return f }

// DeliveryFailureHandler returns the failure handler of the partition behind q.
func (f *Factory) DeliveryFailureHandler(ctx context.Context, q streams.QueueID) (streams.FailureHandler, error) {
	p, err := f.partition(q)
	if err != nil {
		return nil, err
	}
	return f.handlers.getOrCreate(p, func() (streams.FailureHandler, error) {
		return f.newFailureHandler(ctx, p)
	})
}

func (f *Factory) partition(q streams.QueueID) (streams.PartitionID, error) {
	m, err := f.QueueMapper()
	if err != nil {
		return "", err
	}
	return m.QueueToPartition(q)
}

// PublishBatch writes events as one entry to the partition the stream routes to and
// returns the token of the first event. The log assigns positions itself, so a caller
// supplied token is rejected with streams.ErrUnsupported. Transport errors are returned
// as is; there is no retry.
func (f *Factory) PublishBatch(ctx context.Context, stream streams.StreamID, events [][]byte, token *streams.SequenceToken, requestContext map[string]any) (streams.SequenceToken, error) {
	if token != nil {
		return streams.SequenceToken{}, fmt.Errorf("publish at %s: %w", token, streams.ErrUnsupported)
	}
	m, err := f.QueueMapper()
	if err != nil {
		return streams.SequenceToken{}, err
	}
	q, err := m.QueueForStream(stream)
	if err != nil {
		return streams.SequenceToken{}, err
	}
	p, err := m.QueueToPartition(q)
	if err != nil {
		return streams.SequenceToken{}, err
	}
	b, err := streams.NewBatch(stream, events, requestContext)
	if err != nil {
		return streams.SequenceToken{}, err
	}
	body, err := streams.EncodeBatch(b)
	if err != nil {
		return streams.SequenceToken{}, err
	}
	c, err := f.client()
	if err != nil {
		return streams.SequenceToken{}, err
	}
	seq, err := c.Send(ctx, p, []byte(stream.GUID), body)
	if err != nil {
		f.metrics.PublishErrors.WithLabelValues(f.name, string(p)).Inc()
		return streams.SequenceToken{}, fmt.Errorf("publish to partition %s: %w", p, err)
	}
	f.metrics.BatchesPublished.WithLabelValues(f.name, string(p)).Inc()
	f.metrics.EventsPublished.WithLabelValues(f.name, string(p)).Add(float64(len(events)))
	return streams.SequenceToken{Sequence: seq}, nil
}

// CreateReceiver returns the receiver of q, starting it on first use.
func (f *Factory) CreateReceiver(ctx context.Context, q streams.QueueID) (*Receiver, error) {
	if f.closed.Load() {
		return nil, streams.ErrStopped
	}
	p, err := f.partition(q)
	if err != nil {
		return nil, err
	}
	return f.rcvs.getOrCreate(q, func() (*Receiver, error) {
		return f.buildReceiver(q, p)
	})
}

// CreateQueueCache returns the cache owned by the receiver of q. It waits until the
// receiver has positioned the cache.
func (f *Factory) CreateQueueCache(ctx context.Context, q streams.QueueID) (streams.QueueCache, error) {
	r, err := f.CreateReceiver(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := r.Ready(ctx); err != nil {
		return nil, err
	}
	return r.Cache(), nil
}

// buildReceiver runs under the registry entry of q, so a Shutdown that missed the entry
// has already marked the factory closed.
func (f *Factory) buildReceiver(q streams.QueueID, p streams.PartitionID) (*Receiver, error) {
	if f.closed.Load() {
		return nil, streams.ErrStopped
	}
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	qc, err := f.newCache(p)
	if err != nil {
		return nil, fmt.Errorf("cache for partition %s: %w", p, err)
	}
	rc := f.cfg.Receiver
	r := &Receiver{
		provider:        f.name,
		queue:           q,
		partition:       p,
		hub:             c,
		cache:           qc,
		newCheckpointer: f.newCheckpointer,
		failureHandler: func(ctx context.Context) (streams.FailureHandler, error) {
			return f.DeliveryFailureHandler(ctx, q)
		},
		cfg: receiverConfig{
			startFrom:       f.start,
			batchSize:       orDefault(rc.BatchSize, 500),
			receiveWait:     orDefault(rc.ReceiveWait, time.Second),
			persistEvery:    orDefault(f.cfg.Checkpoint.PersistInterval, 5*time.Second),
			shutdownTimeout: orDefault(rc.ShutdownTimeout, 10*time.Second),
			retryMin:        f.retryMin,
			retryMax:        f.retryMax,
		},
		log:     f.log.With("queue", q.String(), "partition", string(p)),
		metrics: f.metrics,
		observe: f.observe,
	}
	return startReceiver(r), nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Receivers returns every receiver created so far.
func (f *Factory) Receivers() []*Receiver {
	return f.rcvs.values()
}

// Shutdown stops every receiver, then closes what the factory opened itself. Receivers
// stop independently; their failures are returned together.
func (f *Factory) Shutdown(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, r := range f.rcvs.values() {
		r := r
		g.Go(func() error {
			if err := r.Shutdown(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("queue %s: %w", r.Queue(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := f.closeOwned(); err != nil {
		result = multierror.Append(result, err)
	}
	f.log.Info("adapter shut down", "receivers", len(f.rcvs.values()))
	return result.ErrorOrNil()
}

func (f *Factory) closeOwned() error {
	var result *multierror.Error
	if f.store != nil {
		if err := f.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	f.hubMu.Lock()
	if f.ownsHub && f.hub != nil {
		if err := f.hub.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close hub: %w", err))
		}
	}
	f.hubMu.Unlock()
	if f.pool != nil {
		f.pool.Close()
	}
	return result.ErrorOrNil()
}
