// Package hub is the boundary to the external partitioned log. A Client discovers
// partitions, appends entries to a chosen partition and opens per-partition readers.
package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"logbridge/streams"
)

// Client talks to one topic of the log.
type Client interface {
	// Partitions lists the partition ids in the log's own order.
	Partitions(ctx context.Context) ([]streams.PartitionID, error)
	// Send appends body to partition and returns the sequence the log assigned.
	Send(ctx context.Context, partition streams.PartitionID, key, body []byte) (int64, error)
	OpenReader(ctx context.Context, partition streams.PartitionID, pos streams.Position) (Reader, error)
	Close() error
}

// Reader pulls entries from one partition in sequence order.
type Reader interface {
	// Receive blocks until at least one entry is available or ctx is done, then returns
	// up to max entries. A done ctx with nothing received yields no entries and no error.
	Receive(ctx context.Context, max int) ([]streams.Entry, error)
	Close() error
}

// Factory opens a Client for validated settings.
type Factory func(Settings) (Client, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a driver available by name. Drivers call it from init.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Drivers lists the registered driver names.
func Drivers() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Open returns a client for s.Driver.
func Open(s Settings) (Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	mu.RLock()
	f, ok := registry[s.Driver]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("hub: unsupported driver %q", s.Driver)
	}
	return f(s)
}
