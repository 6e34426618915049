package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"logbridge/streams"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	pb, err := OpenStore(BackendPebble, filepath.Join(dir, "pebble"))
	require.NoError(t, err)
	sq, err := OpenStore(BackendSQLite, filepath.Join(dir, "cp.db"))
	require.NoError(t, err)
	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendPebble: pb,
		BackendSQLite: sq,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := s.Load(ctx, "hub", "0")
			require.NoError(t, err)
			require.False(t, found, "missing checkpoint must not look like token zero")

			require.NoError(t, s.Save(ctx, "hub", "0", streams.SequenceToken{}))
			tok, found, err := s.Load(ctx, "hub", "0")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, streams.SequenceToken{}, tok)

			require.NoError(t, s.Save(ctx, "hub", "0", streams.SequenceToken{Sequence: 42, EventIndex: 3}))
			require.NoError(t, s.Save(ctx, "hub", "0", streams.SequenceToken{Sequence: 41, EventIndex: 9}))
			require.NoError(t, s.Save(ctx, "hub", "0", streams.SequenceToken{Sequence: 42, EventIndex: 1}))
			tok, _, err = s.Load(ctx, "hub", "0")
			require.NoError(t, err)
			require.Equal(t, streams.SequenceToken{Sequence: 42, EventIndex: 3}, tok, "checkpoints never regress")

			_, found, err = s.Load(ctx, "other", "0")
			require.NoError(t, err)
			require.False(t, found, "providers are isolated")
		})
	}
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")
	s, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "hub", "3", streams.SequenceToken{Sequence: 7}))
	require.NoError(t, s.Close())

	s, err = OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()
	tok, found, err := s.Load(ctx, "hub", "3")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(7), tok.Sequence)
}

func TestOpenStoreValidates(t *testing.T) {
	_, err := OpenStore(BackendPebble, "")
	require.ErrorIs(t, err, streams.ErrInvalidConfiguration)
	require.Contains(t, err.Error(), "checkpoint.path")

	_, err = OpenStore("etcd", "x")
	require.ErrorIs(t, err, streams.ErrInvalidConfiguration)
}

func TestTokenEncoding(t *testing.T) {
	_, err := decodeToken([]byte{1, 2, 3})
	require.ErrorIs(t, err, errCorrupt)
}
