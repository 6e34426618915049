package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logbridge/streams"
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

type Option func(*Checkpointer)

func WithLogger(l *slog.Logger) Option {
	return func(c *Checkpointer) { c.log = l }
}

// WithObserver is called with ResultOK or ResultError after every store write.
func WithObserver(fn func(partition streams.PartitionID, result string)) Option {
	return func(c *Checkpointer) { c.observe = fn }
}

// WithWriteTimeout bounds background writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Checkpointer) { c.writeTimeout = d }
}

// Checkpointer tracks the durable position of one partition. Save requests are
// coalesced: only the newest requested token is written, on a background goroutine
// that exits once nothing is pending.
type Checkpointer struct {
	store        Store
	provider     string
	partition    streams.PartitionID
	log          *slog.Logger
	observe      func(streams.PartitionID, string)
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending *streams.SequenceToken
	saved   streams.SequenceToken
	exists  bool
	running bool
	lastErr error
}

var _ streams.Checkpointer = (*Checkpointer)(nil)

func New(store Store, provider string, partition streams.PartitionID, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		store:        store,
		provider:     provider,
		partition:    partition,
		log:          slog.Default(),
		observe:      func(streams.PartitionID, string) {},
		writeTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("partition", string(partition))
	return c
}

// NewFactory returns a streams.CheckpointerFactory over one shared store.
func NewFactory(store Store, provider string, opts ...Option) streams.CheckpointerFactory {
	return func(_ context.Context, p streams.PartitionID) (streams.Checkpointer, error) {
		return New(store, provider, p, opts...), nil
	}
}

func (c *Checkpointer) Load(ctx context.Context) (streams.SequenceToken, bool, error) {
	tok, found, err := c.store.Load(ctx, c.provider, c.partition)
	if err != nil {
		return streams.SequenceToken{}, false, err
	}
	if found {
		c.mu.Lock()
		if !c.exists || tok.Newer(c.saved) {
			c.saved, c.exists = tok, true
		}
		c.mu.Unlock()
	}
	return tok, found, nil
}

// Save requests that tok be written. Tokens at or behind what is already saved or
// pending are ignored.
func (c *Checkpointer) Save(_ context.Context, tok streams.SequenceToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists && !tok.Newer(c.saved) {
		return
	}
	if c.pending != nil && !tok.Newer(*c.pending) {
		return
	}
	c.pending = &tok
	if !c.running {
		c.running = true
		go c.drain()
	}
}

func (c *Checkpointer) drain() {
	for {
		c.writeMu.Lock()
		c.mu.Lock()
		if c.pending == nil {
			c.running = false
			c.mu.Unlock()
			c.writeMu.Unlock()
			return
		}
		tok := *c.pending
		c.pending = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		if err := c.write(ctx, tok); err != nil {
			c.log.Warn("checkpoint save failed", "token", tok.String(), "err", err)
		}
		cancel()
		c.writeMu.Unlock()
	}
}

// write must be called with writeMu held.
func (c *Checkpointer) write(ctx context.Context, tok streams.SequenceToken) error {
	c.mu.Lock()
	stale := c.exists && !tok.Newer(c.saved)
	c.mu.Unlock()
	if stale {
		return nil
	}

	err := c.store.Save(ctx, c.provider, c.partition, tok)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = err
		c.observe(c.partition, ResultError)
		return err
	}
	c.saved, c.exists, c.lastErr = tok, true, nil
	c.observe(c.partition, ResultOK)
	return nil
}

// Flush writes the pending token, if any, before returning. It waits for any write
// already in flight. With nothing pending it returns the error of the last write, which
// is cleared once a newer token is saved.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	p := c.pending
	c.pending = nil
	lastErr := c.lastErr
	c.mu.Unlock()
	if p == nil {
		return lastErr
	}
	return c.write(ctx, *p)
}

// Saved returns the newest token known to be durable.
func (c *Checkpointer) Saved() (streams.SequenceToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved, c.exists
}

// Exists reports whether a checkpoint has been loaded or written.
func (c *Checkpointer) Exists() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exists
}

func (c *Checkpointer) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Cadence decides when a periodic checkpoint is due.
type Cadence struct {
	everyNS int64
	lastNS  int64
}

func NewCadence(every time.Duration) *Cadence {
	return &Cadence{everyNS: every.Nanoseconds(), lastNS: time.Now().UnixNano()}
}

// Due reports true at most once per interval.
func (c *Cadence) Due(now time.Time) bool {
	n := now.UnixNano()
	last := atomic.LoadInt64(&c.lastNS)
	if last+c.everyNS > n {
		return false
	}
	return atomic.CompareAndSwapInt64(&c.lastNS, last, n)
}
