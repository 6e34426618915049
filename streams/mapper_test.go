package streams

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func partitions(n int) []PartitionID {
	out := make([]PartitionID, n)
	for i := range out {
		out[i] = PartitionID(fmt.Sprintf("p%d", i))
	}
	return out
}

func TestBuildQueueMapper_RoundTrip(t *testing.T) {
	parts := partitions(8)
	m, err := BuildQueueMapper(parts, "events")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, p := range parts {
		q, err := m.PartitionToQueue(p)
		if err != nil {
			t.Fatalf("PartitionToQueue(%s): %v", p, err)
		}
		back, err := m.QueueToPartition(q)
		if err != nil {
			t.Fatalf("QueueToPartition(%s): %v", q, err)
		}
		if back != p {
			t.Fatalf("round trip %s -> %s -> %s", p, q, back)
		}
	}
}

func TestBuildQueueMapper_Deterministic(t *testing.T) {
	a, err := BuildQueueMapper(partitions(5), "events")
	if err != nil {
		t.Fatalf("build a: %v", err)
	}
	b, err := BuildQueueMapper(partitions(5), "events")
	if err != nil {
		t.Fatalf("build b: %v", err)
	}
	qa, qb := a.Queues(), b.Queues()
	for i := range qa {
		if qa[i] != qb[i] {
			t.Fatalf("queue %d differs: %s vs %s", i, qa[i], qb[i])
		}
	}
	s := StreamID{GUID: "order-45", Namespace: "orders"}
	ra, _ := a.QueueForStream(s)
	rb, _ := b.QueueForStream(s)
	if ra != rb {
		t.Fatalf("stream routed differently: %s vs %s", ra, rb)
	}
}

func TestBuildQueueMapper_IndexFollowsOrder(t *testing.T) {
	m, err := BuildQueueMapper([]PartitionID{"p0", "p1"}, "events")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	q0, _ := m.PartitionToQueue("p0")
	q1, _ := m.PartitionToQueue("p1")
	if q0.Index != 0 || q1.Index != 1 {
		t.Fatalf("unexpected indexes: %s %s", q0, q1)
	}
	if q0.Provider != "events" {
		t.Fatalf("provider not carried: %s", q0)
	}
}

func TestBuildQueueMapper_Rejects(t *testing.T) {
	cases := map[string][]PartitionID{
		"empty":     nil,
		"blank":     {"p0", " "},
		"duplicate": {"p0", "p1", "p0"},
	}
	for name, parts := range cases {
		if _, err := BuildQueueMapper(parts, "events"); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: want ErrInvalidConfiguration, got %v", name, err)
		}
	}
	if _, err := BuildQueueMapper(partitions(1), ""); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("blank provider: want ErrInvalidConfiguration, got %v", err)
	}
}

func TestQueueMapper_NotFoundVsNotInitialized(t *testing.T) {
	m, _ := BuildQueueMapper(partitions(2), "events")
	_, err := m.QueueToPartition(QueueID{Provider: "events", Index: 9})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrNotInitialized) {
		t.Fatalf("unknown queue reported as not initialized")
	}
	if _, err := m.PartitionToQueue("p7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown partition, got %v", err)
	}

	var unbuilt *QueueMapper
	_, err = unbuilt.QueueToPartition(QueueID{})
	if !errors.Is(err, ErrNotInitialized) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("nil mapper: want ErrNotInitialized wrapping ErrNotFound, got %v", err)
	}
	if _, err := unbuilt.QueueForStream(StreamID{GUID: "x"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("nil mapper routing: %v", err)
	}
}

func TestQueueMapper_StreamRoutingCoversRing(t *testing.T) {
	m, _ := BuildQueueMapper(partitions(4), "events")
	hit := map[QueueID]int{}
	for i := 0; i < 2000; i++ {
		q, err := m.QueueForStream(StreamID{GUID: fmt.Sprintf("s-%d", i)})
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		hit[q]++
	}
	if len(hit) != 4 {
		t.Fatalf("expected all 4 queues to receive streams, got %d", len(hit))
	}
}

func TestQueueMapper_ConcurrentReads(t *testing.T) {
	m, _ := BuildQueueMapper(partitions(16), "events")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, q := range m.Queues() {
				if _, err := m.QueueToPartition(q); err != nil {
					t.Errorf("lookup %s: %v", q, err)
				}
			}
		}()
	}
	wg.Wait()
}
