package hub

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"logbridge/streams"
)

func init() {
	Register(DriverMemory, func(s Settings) (Client, error) { return NewMemory(s.Partitions), nil })
}

// Memory is an in-process log with numbered partitions. It backs tests and local runs.
type Memory struct {
	mu         sync.Mutex
	order      []streams.PartitionID
	parts      map[streams.PartitionID]*memPartition
	closed     bool
	sends      int
	discovers  int
	discoverFn func() error
	sendErr    error
	recvErrs   []error
}

type memPartition struct {
	entries []streams.Entry
	notify  chan struct{}
}

func NewMemory(partitions int) *Memory {
	ids := make([]streams.PartitionID, partitions)
	for i := range ids {
		ids[i] = streams.PartitionID(strconv.Itoa(i))
	}
	return NewMemoryWith(ids...)
}

// NewMemoryWith builds a log whose partitions are named ids, in that order.
func NewMemoryWith(ids ...streams.PartitionID) *Memory {
	m := &Memory{parts: make(map[streams.PartitionID]*memPartition, len(ids))}
	for _, id := range ids {
		m.order = append(m.order, id)
		m.parts[id] = &memPartition{notify: make(chan struct{})}
	}
	return m
}

// OnDiscover installs a hook run by every Partitions call; a non-nil error fails it.
func (m *Memory) OnDiscover(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverFn = fn
}

// FailSends makes every Send fail with err until it is called again with nil.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// FailReceives queues errors returned by the next Receive calls on any reader.
func (m *Memory) FailReceives(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recvErrs = append(m.recvErrs, errs...)
}

// Sends counts Send calls, failed ones included.
func (m *Memory) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func (m *Memory) Discoveries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovers
}

// Entries returns a copy of what partition holds.
func (m *Memory) Entries(p streams.PartitionID) []streams.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.parts[p]; ok {
		return append([]streams.Entry(nil), mp.entries...)
	}
	return nil
}

func (m *Memory) Partitions(context.Context) ([]streams.PartitionID, error) {
	m.mu.Lock()
	m.discovers++
	fn := m.discoverFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]streams.PartitionID(nil), m.order...), nil
}

// Append writes an entry with an explicit sequence. Sequences must increase; gaps are
// allowed, as on a compacted topic.
func (m *Memory) Append(p streams.PartitionID, seq int64, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.parts[p]
	if !ok {
		return streams.ErrNotFound
	}
	if n := len(mp.entries); n > 0 && seq <= mp.entries[n-1].Sequence {
		return streams.Invalid("sequence", "%d does not follow %d", seq, mp.entries[n-1].Sequence)
	}
	mp.append(streams.Entry{Partition: p, Sequence: seq, Enqueued: time.Now().UTC(), Body: body})
	return nil
}

func (mp *memPartition) append(e streams.Entry) {
	mp.entries = append(mp.entries, e)
	close(mp.notify)
	mp.notify = make(chan struct{})
}

func (m *Memory) Send(_ context.Context, p streams.PartitionID, _, body []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	if m.closed {
		return 0, streams.ErrStopped
	}
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	mp, ok := m.parts[p]
	if !ok {
		return 0, streams.ErrNotFound
	}
	var seq int64
	if n := len(mp.entries); n > 0 {
		seq = mp.entries[n-1].Sequence + 1
	}
	mp.append(streams.Entry{Partition: p, Sequence: seq, Enqueued: time.Now().UTC(), Body: append([]byte(nil), body...)})
	return seq, nil
}

func (m *Memory) OpenReader(_ context.Context, p streams.PartitionID, pos streams.Position) (Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.parts[p]
	if !ok {
		return nil, streams.ErrNotFound
	}
	r := &memReader{m: m, p: mp}
	switch {
	case pos.IsStart():
		r.next = math.MinInt64
	case pos.IsEnd():
		if n := len(mp.entries); n > 0 {
			r.next = mp.entries[n-1].Sequence + 1
		}
	default:
		r.next = pos.FirstSequence()
	}
	return r, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, mp := range m.parts {
		close(mp.notify)
		mp.notify = make(chan struct{})
	}
	return nil
}

type memReader struct {
	m    *Memory
	p    *memPartition
	next int64
}

func (r *memReader) Receive(ctx context.Context, max int) ([]streams.Entry, error) {
	for {
		r.m.mu.Lock()
		if len(r.m.recvErrs) > 0 {
			err := r.m.recvErrs[0]
			r.m.recvErrs = r.m.recvErrs[1:]
			r.m.mu.Unlock()
			return nil, err
		}
		if r.m.closed {
			r.m.mu.Unlock()
			return nil, streams.ErrStopped
		}
		var out []streams.Entry
		for _, e := range r.p.entries {
			if len(out) == max {
				break
			}
			if e.Sequence >= r.next {
				out = append(out, e)
			}
		}
		ch := r.p.notify
		r.m.mu.Unlock()

		if len(out) > 0 {
			r.next = out[len(out)-1].Sequence + 1
			return out, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (r *memReader) Close() error { return nil }
