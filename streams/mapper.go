package streams

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// QueueMapper is the immutable bijection between discovered partitions and queue ids.
// Queue hashes are spread evenly over a 32-bit ring; streams are routed to the first
// queue whose hash is at or past the stream hash.
type QueueMapper struct {
	provider   string
	partitions []PartitionID
	queues     []QueueID
	byQueue    map[QueueID]PartitionID
	byPart     map[PartitionID]QueueID
	ring       []QueueID // sorted by Hash
}

// BuildQueueMapper maps partitions[i] to the queue with index i. The result depends only
// on the provider name and the order of partitions.
func BuildQueueMapper(partitions []PartitionID, provider string) (*QueueMapper, error) {
	if strings.TrimSpace(provider) == "" {
		return nil, Missing("providerName")
	}
	if len(partitions) == 0 {
		return nil, Invalid("partitions", "must not be empty")
	}
	n := len(partitions)
	portion := uint32(math.MaxUint32 / uint64(n))

	m := &QueueMapper{
		provider:   provider,
		partitions: append([]PartitionID(nil), partitions...),
		queues:     make([]QueueID, n),
		byQueue:    make(map[QueueID]PartitionID, n),
		byPart:     make(map[PartitionID]QueueID, n),
	}
	for i, p := range partitions {
		if strings.TrimSpace(string(p)) == "" {
			return nil, Invalid("partitions", "contains a blank id at index %d", i)
		}
		if _, dup := m.byPart[p]; dup {
			return nil, Invalid("partitions", "contains duplicate id %q", p)
		}
		q := QueueID{Provider: provider, Index: uint32(i), Hash: portion * uint32(i)}
		m.queues[i] = q
		m.byQueue[q] = p
		m.byPart[p] = q
	}
	m.ring = append([]QueueID(nil), m.queues...)
	sort.Slice(m.ring, func(i, j int) bool { return m.ring[i].Hash < m.ring[j].Hash })
	return m, nil
}

func (m *QueueMapper) Provider() string {
	if m == nil {
		return ""
	}
	return m.provider
}

// QueueToPartition returns the partition a queue reads from.
func (m *QueueMapper) QueueToPartition(q QueueID) (PartitionID, error) {
	if m == nil {
		return "", ErrNotInitialized
	}
	p, ok := m.byQueue[q]
	if !ok {
		return "", fmt.Errorf("queue %s: %w", q, ErrNotFound)
	}
	return p, nil
}

// PartitionToQueue returns the queue id assigned to a partition.
func (m *QueueMapper) PartitionToQueue(p PartitionID) (QueueID, error) {
	if m == nil {
		return QueueID{}, ErrNotInitialized
	}
	q, ok := m.byPart[p]
	if !ok {
		return QueueID{}, fmt.Errorf("partition %q: %w", p, ErrNotFound)
	}
	return q, nil
}

// QueueForStream routes a stream onto the ring.
func (m *QueueMapper) QueueForStream(s StreamID) (QueueID, error) {
	if m == nil {
		return QueueID{}, ErrNotInitialized
	}
	h := StreamHash(s)
	i := sort.Search(len(m.ring), func(i int) bool { return m.ring[i].Hash >= h })
	if i == len(m.ring) {
		i = 0
	}
	return m.ring[i], nil
}

// Queues returns every queue in partition order.
func (m *QueueMapper) Queues() []QueueID {
	if m == nil {
		return nil
	}
	return append([]QueueID(nil), m.queues...)
}

// Partitions returns the discovered partitions in their original order.
func (m *QueueMapper) Partitions() []PartitionID {
	if m == nil {
		return nil
	}
	return append([]PartitionID(nil), m.partitions...)
}

// StreamHash is the ring position of a stream.
func StreamHash(s StreamID) uint32 {
	h := xxhash.Sum64String(s.Namespace + "/" + s.GUID)
	return uint32(h ^ (h >> 32))
}
