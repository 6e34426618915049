package cache

import (
	"context"
	"errors"
	"sync"
)

const DefaultBlockSize = 1 << 20

var ErrPoolClosed = errors.New("cache: pool closed")

// Block is a fixed-size buffer checked out of a Pool.
type Block struct {
	buf  []byte
	used int
	pool *Pool
}

func (b *Block) free() int { return len(b.buf) - b.used }

// write copies p into the block and returns its offset.
func (b *Block) write(p []byte) int {
	off := b.used
	b.used += copy(b.buf[off:], p)
	return off
}

func (b *Block) slice(off, n int) []byte { return b.buf[off : off+n] }

// Pool hands out fixed-size blocks under a hard memory ceiling shared by every cache
// built on it. Blocks are allocated lazily and recycled on release.
type Pool struct {
	blockSize int
	maxBlocks int

	mu        sync.Mutex
	cond      *sync.Cond
	free      []*Block
	allocated int
	waiters   int
	closed    bool
}

// NewPool builds a pool holding at most ceiling bytes in blocks of blockSize bytes.
func NewPool(ceiling int64, blockSize int) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	n := int(ceiling / int64(blockSize))
	if n < 1 {
		n = 1
	}
	p := &Pool{blockSize: blockSize, maxBlocks: n}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity is the ceiling in bytes, rounded down to whole blocks.
func (p *Pool) Capacity() int64 { return int64(p.maxBlocks) * int64(p.blockSize) }

// InUse is the number of bytes currently checked out.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.allocated-len(p.free)) * int64(p.blockSize)
}

// TryAcquire returns a block if one is available without waiting.
func (p *Pool) TryAcquire() (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	return p.takeLocked()
}

// Acquire waits for a block until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.takeLocked(); ok {
		return b, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if b, ok := p.takeLocked(); ok {
			return b, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.waiters++
		p.cond.Wait()
		p.waiters--
	}
}

// Waiting reports how many callers are blocked in Acquire.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters
}

func (p *Pool) takeLocked() (*Block, bool) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		b.used = 0
		return b, true
	}
	if p.allocated < p.maxBlocks {
		p.allocated++
		return &Block{buf: make([]byte, p.blockSize), pool: p}, true
	}
	return nil, false
}

// Release returns b to the pool and wakes one waiter.
func (p *Pool) Release(b *Block) {
	if b == nil || b.pool != p {
		return
	}
	p.mu.Lock()
	b.used = 0
	p.free = append(p.free, b)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close fails every pending and future Acquire.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}
