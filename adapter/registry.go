package adapter

import "sync"

// registry memoises one value per key. Concurrent callers for the same key share one
// construction; a failed construction is reported to everyone waiting on it and then
// forgotten, so the next call retries.
type registry[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]*pending[V]
}

type pending[V any] struct {
	ready chan struct{}
	val   V
	err   error
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{items: make(map[K]*pending[V])}
}

func (r *registry[K, V]) getOrCreate(k K, build func() (V, error)) (V, error) {
	r.mu.Lock()
	if p, ok := r.items[k]; ok {
		r.mu.Unlock()
		<-p.ready
		return p.val, p.err
	}
	p := &pending[V]{ready: make(chan struct{})}
	r.items[k] = p
	r.mu.Unlock()

	p.val, p.err = build()
	if p.err != nil {
		r.mu.Lock()
		delete(r.items, k)
		r.mu.Unlock()
	}
	close(p.ready)
	return p.val, p.err
}

func (r *registry[K, V]) get(k K) (V, bool) {
	r.mu.Lock()
	p, ok := r.items[k]
	r.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	<-p.ready
	return p.val, p.err == nil
}

// values returns every successfully built value.
func (r *registry[K, V]) values() []V {
	r.mu.Lock()
	ps := make([]*pending[V], 0, len(r.items))
	for _, p := range r.items {
		ps = append(ps, p)
	}
	r.mu.Unlock()

	out := make([]V, 0, len(ps))
	for _, p := range ps {
		<-p.ready
		if p.err == nil {
			out = append(out, p.val)
		}
	}
	return out
}
