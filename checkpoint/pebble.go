package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"logbridge/streams"
)

// PebbleStore keeps checkpoints under cp/{provider}/{partition} in a local pebble database.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(_ context.Context, provider string, partition streams.PartitionID) (streams.SequenceToken, bool, error) {
	return s.get(storeKey(provider, partition))
}

func (s *PebbleStore) get(key []byte) (streams.SequenceToken, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return streams.SequenceToken{}, false, nil
	}
	if err != nil {
		return streams.SequenceToken{}, false, err
	}
	defer closer.Close()
	tok, err := decodeToken(val)
	if err != nil {
		return streams.SequenceToken{}, false, fmt.Errorf("%s: %w", key, err)
	}
	return tok, true, nil
}

func (s *PebbleStore) Save(_ context.Context, provider string, partition streams.PartitionID, tok streams.SequenceToken) error {
	key := storeKey(provider, partition)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.get(key)
	if err != nil {
		return err
	}
	if ok && !tok.Newer(cur) {
		return nil
	}
	return s.db.Set(key, encodeToken(tok), pebble.Sync)
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
