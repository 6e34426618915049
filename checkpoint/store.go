package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"logbridge/streams"
)

// Store persists one token per (provider, partition). Implementations never let a stored
// token move backwards.
type Store interface {
	Load(ctx context.Context, provider string, partition streams.PartitionID) (streams.SequenceToken, bool, error)
	Save(ctx context.Context, provider string, partition streams.PartitionID, tok streams.SequenceToken) error
	Close() error
}

const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// OpenStore opens the store named by backend. path is ignored by the memory backend.
func OpenStore(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendPebble:
		if path == "" {
			return nil, streams.Missing("checkpoint.path")
		}
		return OpenPebble(path)
	case BackendSQLite:
		if path == "" {
			return nil, streams.Missing("checkpoint.path")
		}
		return OpenSQLite(path)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	}
	return nil, streams.Invalid("checkpoint.backend", "unknown backend %q", backend)
}

func storeKey(provider string, partition streams.PartitionID) []byte {
	return []byte("cp/" + provider + "/" + string(partition))
}

const tokenLen = 12

var errCorrupt = errors.New("checkpoint: corrupt token")

func encodeToken(t streams.SequenceToken) []byte {
	var buf [tokenLen]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(t.Sequence))
	binary.BigEndian.PutUint32(buf[8:], uint32(t.EventIndex))
	return buf[:]
}

func decodeToken(b []byte) (streams.SequenceToken, error) {
	if len(b) != tokenLen {
		return streams.SequenceToken{}, fmt.Errorf("%w: %d bytes", errCorrupt, len(b))
	}
	return streams.SequenceToken{
		Sequence:   int64(binary.BigEndian.Uint64(b[:8])),
		EventIndex: int(binary.BigEndian.Uint32(b[8:])),
	}, nil
}
