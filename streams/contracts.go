package streams

import "context"

// Cursor reads one partition's cache in increasing sequence order.
type Cursor interface {
	// Next returns the next batch without blocking. ok is false when the cursor has
	// caught up with the newest entry; that is not an error.
	Next() (b *Batch, ok bool, err error)
	// Await blocks until an entry newer than the cursor arrives or ctx is done.
	Await(ctx context.Context) error
	// Read combines Next and Await.
	Read(ctx context.Context) (*Batch, error)
	Close()
}

type CursorOptions struct {
	Stream *StreamID
}

type CursorOption func(*CursorOptions)

// WithStream limits a cursor to batches published on s.
func WithStream(s StreamID) CursorOption {
	return func(o *CursorOptions) { o.Stream = &s }
}

// QueueCache stages the entries of one partition for any number of cursors.
type QueueCache interface {
	Add(ctx context.Context, e Entry) error
	OpenCursor(pos Position, opts ...CursorOption) (Cursor, error)
	// Watermark is the newest token every open cursor has consumed.
	Watermark() (SequenceToken, bool)
	// Reset drops every entry and declares start as the position the next Add follows.
	Reset(start Position)
	Close()
}

// CacheFactory builds the cache owned by one receiver.
type CacheFactory func(partition PartitionID) (QueueCache, error)

// Checkpointer tracks the durable position of one partition.
type Checkpointer interface {
	// Load returns the last written token; found is false when no checkpoint exists yet.
	Load(ctx context.Context) (tok SequenceToken, found bool, err error)
	// Save records tok without blocking the caller. Failures are reported, not returned.
	Save(ctx context.Context, tok SequenceToken)
	// Flush writes the newest saved token synchronously.
	Flush(ctx context.Context) error
}

type CheckpointerFactory func(ctx context.Context, partition PartitionID) (Checkpointer, error)
