package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"logbridge/streams"
)

func TestMemorySendAndReceive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	ps, _ := m.Partitions(ctx)
	if len(ps) != 2 || ps[0] != "0" || ps[1] != "1" {
		t.Fatalf("partitions = %v", ps)
	}

	for i := 0; i < 3; i++ {
		seq, err := m.Send(ctx, "1", nil, []byte{byte(i)})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}

	r, err := m.OpenReader(ctx, "1", streams.After(streams.SequenceToken{Sequence: 0}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Receive(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Fatalf("received %+v", got)
	}
}

func TestMemoryReceiveBoundedWait(t *testing.T) {
	m := NewMemory(1)
	r, _ := m.OpenReader(context.Background(), "0", streams.FromEnd())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := r.Receive(ctx, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("want empty receive, got %v %v", got, err)
	}

	done := make(chan []streams.Entry)
	go func() {
		es, _ := r.Receive(context.Background(), 10)
		done <- es
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Send(context.Background(), "0", nil, []byte("x")); err != nil {
		t.Fatal(err)
	}
	select {
	case es := <-done:
		if len(es) != 1 {
			t.Fatalf("got %d entries", len(es))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive not woken by send")
	}
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(1)
	boom := errors.New("broker down")

	m.FailSends(boom)
	if _, err := m.Send(ctx, "0", nil, nil); !errors.Is(err, boom) {
		t.Fatalf("send err = %v", err)
	}
	if m.Sends() != 1 {
		t.Fatalf("sends = %d", m.Sends())
	}

	m.FailReceives(boom)
	r, _ := m.OpenReader(ctx, "0", streams.FromStart())
	if _, err := r.Receive(ctx, 1); !errors.Is(err, boom) {
		t.Fatalf("receive err = %v", err)
	}

	if _, err := m.Send(ctx, "9", nil, nil); err == nil {
		t.Fatal("unknown partition should fail")
	}
	if err := m.Append("0", 5, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Append("0", 5, nil); err == nil {
		t.Fatal("append must not reuse a sequence")
	}
}
