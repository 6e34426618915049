package adapter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryBuildsOncePerKey(t *testing.T) {
	r := newRegistry[string, *int]()
	var builds atomic.Int32

	var wg sync.WaitGroup
	got := make([]*int, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.getOrCreate("k", func() (*int, error) {
				builds.Add(1)
				time.Sleep(5 * time.Millisecond)
				n := 7
				return &n, nil
			})
			if err != nil {
				t.Errorf("getOrCreate: %v", err)
			}
			got[i] = v
		}(i)
	}
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("built %d times, want 1", n)
	}
	for i, v := range got {
		if v != got[0] {
			t.Fatalf("caller %d got a different value", i)
		}
	}
}

func TestRegistryForgetsFailures(t *testing.T) {
	r := newRegistry[string, int]()
	boom := errors.New("boom")

	if _, err := r.getOrCreate("k", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, ok := r.get("k"); ok {
		t.Fatal("failed build was memoised")
	}
	v, err := r.getOrCreate("k", func() (int, error) { return 3, nil })
	if err != nil || v != 3 {
		t.Fatalf("retry = %d, %v", v, err)
	}
	if vals := r.values(); len(vals) != 1 || vals[0] != 3 {
		t.Fatalf("values = %v", vals)
	}
}
