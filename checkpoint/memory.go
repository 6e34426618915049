package checkpoint

import (
	"context"
	"sync"

	"logbridge/streams"
)

type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]streams.SequenceToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]streams.SequenceToken)}
}

func (m *MemoryStore) Load(_ context.Context, provider string, partition streams.PartitionID) (streams.SequenceToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[string(storeKey(provider, partition))]
	return t, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, provider string, partition streams.PartitionID, tok streams.SequenceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(storeKey(provider, partition))
	if cur, ok := m.tokens[k]; ok && !tok.Newer(cur) {
		return nil
	}
	m.tokens[k] = tok
	return nil
}

func (m *MemoryStore) Close() error { return nil }
