package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"logbridge/streams"
)

var (
	ErrOutOfOrder    = errors.New("cache: sequence does not advance")
	ErrEntryTooLarge = errors.New("cache: entry larger than a block")
)

type slot struct {
	seq      int64
	block    *Block
	off, n   int
	enqueued time.Time
}

// Stats is a point-in-time view of one cache.
type Stats struct {
	Entries   int
	Blocks    int
	Cursors   int
	Evictions uint64
	Floor     int64
	FloorSet  bool
}

type Option func(*Cache)

// WithPressureWait bounds how long Add waits on a full pool before evicting its own
// oldest block.
func WithPressureWait(d time.Duration) Option {
	return func(c *Cache) { c.pressureWait = d }
}

// Cache stages the entries of one partition in blocks borrowed from a shared Pool.
//
// Every sequence at or below the floor is gone, either because it preceded the position
// the cache was reset to or because its block was reclaimed. Cursors that still need such
// a sequence fail with streams.ErrNeedsRewind.
type Cache struct {
	pool         *Pool
	partition    streams.PartitionID
	pressureWait time.Duration

	addMu sync.Mutex

	mu        sync.Mutex
	blocks    []*Block
	slots     []slot
	floor     int64
	floorSet  bool
	epoch     uint64
	cursors   map[*cursor]struct{}
	notify    chan struct{}
	evictions uint64
	closed    bool

	// newest token consumed by a cursor closed since the last reset
	retired    streams.SequenceToken
	hasRetired bool
}

var _ streams.QueueCache = (*Cache)(nil)

func New(pool *Pool, partition streams.PartitionID, opts ...Option) *Cache {
	c := &Cache{
		pool:         pool,
		partition:    partition,
		pressureWait: 5 * time.Second,
		cursors:      make(map[*cursor]struct{}),
		notify:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFactory returns a streams.CacheFactory building caches on a shared pool.
func NewFactory(pool *Pool, opts ...Option) streams.CacheFactory {
	return func(p streams.PartitionID) (streams.QueueCache, error) {
		return New(pool, p, opts...), nil
	}
}

// Add appends e. Sequences must strictly increase.
func (c *Cache) Add(ctx context.Context, e streams.Entry) error {
	c.addMu.Lock()
	defer c.addMu.Unlock()

	if len(e.Body) > c.pool.BlockSize() {
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(e.Body))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return streams.ErrStopped
	}
	if last, ok := c.lastLocked(); ok && e.Sequence <= last {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, e.Sequence, last)
	}
	if !c.floorSet {
		c.floor, c.floorSet = e.Sequence-1, true
		for cur := range c.cursors {
			if cur.pending {
				cur.seek(e.Sequence)
			}
		}
	}

	b := c.activeLocked()
	if b == nil || b.free() < len(e.Body) {
		c.mu.Unlock()
		nb, err := c.grow(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.pool.Release(nb)
			return streams.ErrStopped
		}
		c.blocks = append(c.blocks, nb)
		b = nb
	}

	off := b.write(e.Body)
	c.slots = append(c.slots, slot{seq: e.Sequence, block: b, off: off, n: len(e.Body), enqueued: e.Enqueued})

	if c.pool.Waiting() > 0 {
		c.releasePassedLocked()
	}
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// grow finds room for a new block. It tries, in order: a free pool block, one of our
// blocks no cursor needs, a bounded wait on the pool, and finally evicting our oldest
// block regardless of cursors.
func (c *Cache) grow(ctx context.Context) (*Block, error) {
	if b, ok := c.pool.TryAcquire(); ok {
		return b, nil
	}

	c.mu.Lock()
	if b := c.detachOldestLocked(false); b != nil {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	if c.pressureWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, c.pressureWait)
		b, err := c.pool.Acquire(wctx)
		cancel()
		switch {
		case err == nil:
			return b, nil
		case errors.Is(err, ErrPoolClosed):
			return nil, streams.ErrStopped
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.detachOldestLocked(true); b != nil {
		c.evictions++
		return b, nil
	}
	return nil, fmt.Errorf("%w: partition %s", streams.ErrPoolExhausted, c.partition)
}

// detachOldestLocked removes our oldest block and its entries and hands the block back
// for reuse. Unless force is set, it only does so when no cursor still needs the block.
func (c *Cache) detachOldestLocked(force bool) *Block {
	if len(c.blocks) == 0 {
		return nil
	}
	b := c.blocks[0]
	k := c.slotsIn(b)
	if !force && k > 0 && !c.passedLocked(c.slots[k-1].seq) {
		return nil
	}
	c.dropLocked(k)
	c.blocks = c.blocks[1:]
	b.used = 0
	return b
}

// releasePassedLocked returns every full block all cursors have moved past to the pool.
// The active block is kept.
func (c *Cache) releasePassedLocked() {
	for len(c.blocks) > 1 {
		b := c.blocks[0]
		k := c.slotsIn(b)
		if k > 0 && !c.passedLocked(c.slots[k-1].seq) {
			return
		}
		if k > 0 && len(c.cursors) == 0 && c.pool.Waiting() == 0 {
			return
		}
		c.dropLocked(k)
		c.blocks = c.blocks[1:]
		c.pool.Release(b)
	}
}

// passedLocked reports whether every open cursor is done with seq.
func (c *Cache) passedLocked(seq int64) bool {
	for cur := range c.cursors {
		if cur.pending || cur.minSeq <= seq {
			return false
		}
	}
	return true
}

func (c *Cache) slotsIn(b *Block) int {
	k := 0
	for k < len(c.slots) && c.slots[k].block == b {
		k++
	}
	return k
}

func (c *Cache) dropLocked(k int) {
	if k == 0 {
		return
	}
	c.floor, c.floorSet = c.slots[k-1].seq, true
	rest := make([]slot, len(c.slots)-k, cap(c.slots)-k)
	copy(rest, c.slots[k:])
	c.slots = rest
}

func (c *Cache) activeLocked() *Block {
	if n := len(c.blocks); n > 0 {
		return c.blocks[n-1]
	}
	return nil
}

func (c *Cache) lastLocked() (int64, bool) {
	if n := len(c.slots); n > 0 {
		return c.slots[n-1].seq, true
	}
	if c.floorSet {
		return c.floor, true
	}
	return 0, false
}

// Reset drops every entry and declares start as the position the next Add follows.
// Cursors opened before the reset fail with streams.ErrNeedsRewind.
func (c *Cache) Reset(start streams.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.releaseAllLocked()
	c.epoch++
	c.cursors = make(map[*cursor]struct{})
	c.hasRetired = false

	switch _, ok := start.Token(); {
	case start.IsStart():
		c.floor, c.floorSet = -1, true
	case ok:
		c.floor, c.floorSet = start.FirstSequence()-1, true
	default:
		c.floor, c.floorSet = 0, false
	}
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Cache) releaseAllLocked() {
	for _, b := range c.blocks {
		c.pool.Release(b)
	}
	c.blocks = nil
	c.slots = nil
}

// Close returns every block to the pool. Open cursors fail with streams.ErrStopped.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releaseAllLocked()
	close(c.notify)
}

// Watermark is the newest token every open cursor has consumed. With no open cursors it
// is the furthest point a closed cursor reached since the last reset. It reports false
// when nothing was consumed or an open cursor has not been positioned yet.
func (c *Cache) Watermark() (streams.SequenceToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cursors) == 0 {
		return c.retired, c.hasRetired
	}
	var (
		low   streams.SequenceToken
		first = true
	)
	for cur := range c.cursors {
		if cur.pending {
			return streams.SequenceToken{}, false
		}
		if first || cur.consumed.Older(low) {
			low, first = cur.consumed, false
		}
	}
	return low, true
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.slots),
		Blocks:    len(c.blocks),
		Cursors:   len(c.cursors),
		Evictions: c.evictions,
		Floor:     c.floor,
		FloorSet:  c.floorSet,
	}
}

// OpenCursor positions a new cursor. Positions that fall at or below the floor fail with
// streams.ErrNeedsRewind.
func (c *Cache) OpenCursor(pos streams.Position, opts ...streams.CursorOption) (streams.Cursor, error) {
	var o streams.CursorOptions
	for _, fn := range opts {
		fn(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, streams.ErrStopped
	}

	cur := &cursor{cache: c, epoch: c.epoch, stream: o.Stream}
	last, hasLast := c.lastLocked()
	switch {
	case pos.IsEnd():
		if hasLast {
			cur.seek(last + 1)
		} else {
			cur.pending = true
		}
	case pos.IsStart():
		switch {
		case len(c.slots) > 0:
			cur.seek(c.slots[0].seq)
		case c.floorSet:
			cur.seek(c.floor + 1)
		default:
			cur.pending = true
		}
	default:
		first := pos.FirstSequence()
		if c.floorSet && first <= c.floor {
			return nil, fmt.Errorf("%w: %s is at or below %d", streams.ErrNeedsRewind, pos, c.floor)
		}
		cur.seek(first)
	}
	c.cursors[cur] = struct{}{}
	return cur, nil
}

type cursor struct {
	cache    *Cache
	epoch    uint64
	stream   *streams.StreamID
	pending  bool
	minSeq   int64
	consumed streams.SequenceToken
	closed   bool
}

func (cur *cursor) seek(seq int64) {
	cur.pending = false
	cur.minSeq = seq
	cur.consumed = streams.SequenceToken{Sequence: seq - 1}
}

// checkLocked reports why the cursor can no longer read, if it can't.
func (cur *cursor) checkLocked() error {
	c := cur.cache
	switch {
	case cur.closed, c.closed:
		return streams.ErrStopped
	case cur.epoch != c.epoch:
		return fmt.Errorf("%w: cache was reset", streams.ErrNeedsRewind)
	}
	if !cur.pending && c.floorSet && cur.minSeq <= c.floor {
		return fmt.Errorf("%w: sequence %d was evicted", streams.ErrNeedsRewind, cur.minSeq)
	}
	return nil
}

func (cur *cursor) Next() (*streams.Batch, bool, error) {
	c := cur.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := cur.checkLocked(); err != nil {
		return nil, false, err
	}
	if cur.pending {
		return nil, false, nil
	}
	defer c.releasePassedLocked()

	for {
		i := sort.Search(len(c.slots), func(i int) bool { return c.slots[i].seq >= cur.minSeq })
		if i == len(c.slots) {
			return nil, false, nil
		}
		s := c.slots[i]
		cur.minSeq = s.seq + 1

		b, err := streams.DecodeBatch(s.block.slice(s.off, s.n))
		if err != nil {
			cur.consumed = streams.SequenceToken{Sequence: s.seq}
			return nil, false, fmt.Errorf("partition %s sequence %d: %w", c.partition, s.seq, err)
		}
		b.Partition, b.Sequence, b.Enqueued = c.partition, s.seq, s.enqueued
		cur.consumed = b.LastToken()
		if cur.stream != nil && *cur.stream != b.Stream {
			continue
		}
		return b, true, nil
	}
}

func (cur *cursor) Await(ctx context.Context) error {
	c := cur.cache
	c.mu.Lock()
	if cur.checkLocked() != nil {
		c.mu.Unlock()
		return nil
	}
	if n := len(c.slots); !cur.pending && n > 0 && c.slots[n-1].seq >= cur.minSeq {
		c.mu.Unlock()
		return nil
	}
	ch := c.notify
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cur *cursor) Read(ctx context.Context) (*streams.Batch, error) {
	for {
		b, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return b, nil
		}
		if err := cur.Await(ctx); err != nil {
			return nil, err
		}
	}
}

func (cur *cursor) Close() {
	c := cur.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur.closed {
		return
	}
	cur.closed = true
	delete(c.cursors, cur)
	if !cur.pending && cur.epoch == c.epoch && cur.consumed.Sequence >= 0 {
		if !c.hasRetired || cur.consumed.Newer(c.retired) {
			c.retired, c.hasRetired = cur.consumed, true
		}
	}
	if !c.closed {
		c.releasePassedLocked()
	}
}
