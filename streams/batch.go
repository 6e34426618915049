package streams

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/oklog/ulid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Batch is the unit written to the log: the events of one publish call together with
// the routing metadata needed to deliver them. Partition, Sequence and Enqueued are
// filled in when the batch is read back from a partition.
type Batch struct {
	ID             ulid.ULID
	Stream         StreamID
	Events         [][]byte
	RequestContext map[string]any
	PublishedAt    time.Time

	Partition PartitionID
	Sequence  int64
	Enqueued  time.Time
}

// NewBatch assigns a fresh id and publish time.
func NewBatch(stream StreamID, events [][]byte, requestContext map[string]any) (*Batch, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	return &Batch{
		ID:             id,
		Stream:         stream,
		Events:         events,
		RequestContext: requestContext,
		PublishedAt:    now,
	}, nil
}

// Token returns the sequence token of event i.
func (b *Batch) Token(i int) SequenceToken {
	return SequenceToken{Sequence: b.Sequence, EventIndex: i}
}

// LastToken returns the token of the final event in the batch.
func (b *Batch) LastToken() SequenceToken {
	return b.Token(max(len(b.Events)-1, 0))
}

const (
	fieldStreamGUID  protowire.Number = 1
	fieldNamespace   protowire.Number = 2
	fieldEvent       protowire.Number = 3
	fieldContext     protowire.Number = 4
	fieldBatchID     protowire.Number = 5
	fieldPublishedAt protowire.Number = 6
)

var errMalformed = errors.New("malformed batch container")

// EncodeBatch serialises b in protobuf wire format.
func EncodeBatch(b *Batch) ([]byte, error) {
	if len(b.Events) == 0 {
		return nil, ErrEmptyBatch
	}
	size := 32 + len(b.Stream.GUID) + len(b.Stream.Namespace)
	for _, ev := range b.Events {
		size += len(ev) + 8
	}
	out := make([]byte, 0, size)

	out = protowire.AppendTag(out, fieldStreamGUID, protowire.BytesType)
	out = protowire.AppendString(out, b.Stream.GUID)
	if b.Stream.Namespace != "" {
		out = protowire.AppendTag(out, fieldNamespace, protowire.BytesType)
		out = protowire.AppendString(out, b.Stream.Namespace)
	}
	for _, ev := range b.Events {
		out = protowire.AppendTag(out, fieldEvent, protowire.BytesType)
		out = protowire.AppendBytes(out, ev)
	}
	if len(b.RequestContext) > 0 {
		raw, err := json.Marshal(b.RequestContext)
		if err != nil {
			return nil, fmt.Errorf("encode request context: %w", err)
		}
		out = protowire.AppendTag(out, fieldContext, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	out = protowire.AppendTag(out, fieldBatchID, protowire.BytesType)
	out = protowire.AppendBytes(out, b.ID[:])
	if !b.PublishedAt.IsZero() {
		out = protowire.AppendTag(out, fieldPublishedAt, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(b.PublishedAt.UnixNano()))
	}
	return out, nil
}

// DecodeBatch parses a container written by EncodeBatch. Unknown fields are skipped.
func DecodeBatch(data []byte) (*Batch, error) {
	b := &Batch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldPublishedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(m))
			}
			b.PublishedAt = time.Unix(0, int64(v)).UTC()
			data = data[m:]
			continue
		case typ != protowire.BytesType || num < fieldStreamGUID || num > fieldBatchID:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(m))
			}
			data = data[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(m))
		}
		data = data[m:]

		switch num {
		case fieldStreamGUID:
			b.Stream.GUID = string(v)
		case fieldNamespace:
			b.Stream.Namespace = string(v)
		case fieldEvent:
			b.Events = append(b.Events, append([]byte(nil), v...))
		case fieldContext:
			if err := json.Unmarshal(v, &b.RequestContext); err != nil {
				return nil, fmt.Errorf("decode request context: %w", err)
			}
		case fieldBatchID:
			if err := b.ID.UnmarshalBinary(v); err != nil {
				return nil, fmt.Errorf("%w: batch id: %v", errMalformed, err)
			}
		}
	}
	if len(b.Events) == 0 {
		return nil, ErrEmptyBatch
	}
	return b, nil
}
