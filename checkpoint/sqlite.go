package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"logbridge/streams"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	provider TEXT NOT NULL,
	partition_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_index INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (provider, partition_id)
);
`

// SQLiteStore keeps checkpoints in one table of a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		sqliteSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, provider string, partition streams.PartitionID) (streams.SequenceToken, bool, error) {
	var tok streams.SequenceToken
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, event_index FROM checkpoints WHERE provider = ? AND partition_id = ?`,
		provider, string(partition),
	).Scan(&tok.Sequence, &tok.EventIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return streams.SequenceToken{}, false, nil
	}
	if err != nil {
		return streams.SequenceToken{}, false, err
	}
	return tok, true, nil
}

// Save upserts tok unless the stored token is already at or past it.
func (s *SQLiteStore) Save(ctx context.Context, provider string, partition streams.PartitionID, tok streams.SequenceToken) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO checkpoints (provider, partition_id, sequence, event_index, updated_at_utc_ns)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(provider, partition_id) DO UPDATE SET
	sequence = excluded.sequence,
	event_index = excluded.event_index,
	updated_at_utc_ns = excluded.updated_at_utc_ns
WHERE excluded.sequence > checkpoints.sequence
   OR (excluded.sequence = checkpoints.sequence AND excluded.event_index > checkpoints.event_index)`,
		provider, string(partition), tok.Sequence, tok.EventIndex, time.Now().UTC().UnixNano())
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
