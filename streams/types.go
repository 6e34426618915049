package streams

import (
	"fmt"
	"time"
)

// PartitionID names one partition of the external log. It is opaque to the adapter.
type PartitionID string

// QueueID is the internal, stable identifier of one partition.
type QueueID struct {
	Provider string
	Index    uint32
	Hash     uint32
}

func (q QueueID) String() string {
	return fmt.Sprintf("%s-%d-0x%08X", q.Provider, q.Index, q.Hash)
}

// StreamID identifies an application stream.
type StreamID struct {
	GUID      string
	Namespace string
}

func (s StreamID) String() string {
	if s.Namespace == "" {
		return s.GUID
	}
	return s.Namespace + "/" + s.GUID
}

// SequenceToken orders events inside one partition. Sequence is the offset the log
// assigned to the entry, EventIndex the position of the event inside its batch.
type SequenceToken struct {
	Sequence   int64
	EventIndex int
}

func (t SequenceToken) Compare(o SequenceToken) int {
	switch {
	case t.Sequence < o.Sequence:
		return -1
	case t.Sequence > o.Sequence:
		return 1
	case t.EventIndex < o.EventIndex:
		return -1
	case t.EventIndex > o.EventIndex:
		return 1
	}
	return 0
}

func (t SequenceToken) Older(o SequenceToken) bool { return t.Compare(o) < 0 }
func (t SequenceToken) Newer(o SequenceToken) bool { return t.Compare(o) > 0 }

func (t SequenceToken) String() string {
	return fmt.Sprintf("%d:%d", t.Sequence, t.EventIndex)
}

type positionKind uint8

const (
	posStart positionKind = iota
	posEnd
	posAt
	posAfter
)

// Position is a read position inside one partition. The zero value is FromStart.
type Position struct {
	kind  positionKind
	token SequenceToken
}

// FromStart positions a reader on the oldest available entry.
func FromStart() Position { return Position{kind: posStart} }

// FromEnd positions a reader after the newest entry at the time it is resolved.
func FromEnd() Position { return Position{kind: posEnd} }

// At positions a reader on the entry holding t (inclusive).
func At(t SequenceToken) Position { return Position{kind: posAt, token: t} }

// After positions a reader on the first entry following t. Checkpoints resume this way.
func After(t SequenceToken) Position { return Position{kind: posAfter, token: t} }

func (p Position) IsStart() bool { return p.kind == posStart }
func (p Position) IsEnd() bool   { return p.kind == posEnd }

// Token returns the token the position refers to, if any.
func (p Position) Token() (SequenceToken, bool) {
	return p.token, p.kind == posAt || p.kind == posAfter
}

// Inclusive reports whether the entry holding Token is part of the read.
func (p Position) Inclusive() bool { return p.kind == posAt }

// FirstSequence returns the lowest entry sequence a reader at p may return.
// It is only meaningful when Token reports true.
func (p Position) FirstSequence() int64 {
	if p.kind == posAfter {
		return p.token.Sequence + 1
	}
	return p.token.Sequence
}

func (p Position) String() string {
	switch p.kind {
	case posEnd:
		return "end"
	case posAt:
		return "at " + p.token.String()
	case posAfter:
		return "after " + p.token.String()
	}
	return "start"
}

// Entry is one record pulled from a partition.
type Entry struct {
	Partition PartitionID
	Sequence  int64
	Enqueued  time.Time
	Body      []byte
}

// Direction mirrors the capabilities a provider advertises.
type Direction int

const (
	ReadOnly Direction = iota + 1
	WriteOnly
	ReadWrite
)
