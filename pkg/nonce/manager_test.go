package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relayd/pkg/atomic"
)

type fakeReader struct {
	mu    sync.Mutex
	next  uint64
	calls int
}

func (f *fakeReader) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.next, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestFirstCallSeedsFromNetwork(t *testing.T) {
	r := &fakeReader{next: 7}
	m := NewManager(testAddr, time.Minute)

	n, err := m.Next(context.Background(), r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected seeded nonce 7; got %d", n)
	}
	if r.callCount() != 1 {
		t.Fatalf("expected exactly one network fetch; got %d", r.callCount())
	}
}

func TestSecondCallIncrementsWithoutFetch(t *testing.T) {
	r := &fakeReader{next: 7}
	m := NewManager(testAddr, time.Minute)
	ctx := context.Background()

	first, err := m.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	second, err := m.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected %d; got %d", first+1, second)
	}
	if r.callCount() != 1 {
		t.Fatalf("second call within the staleness window must not fetch; got %d fetches", r.callCount())
	}
}

func TestStalenessForcesReseed(t *testing.T) {
	r := &fakeReader{next: 3}
	m := NewManager(testAddr, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := m.Next(ctx, r); err != nil {
		t.Fatalf("Next: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// the chain moved on while we were idle
	r.mu.Lock()
	r.next = 42
	r.mu.Unlock()

	n, err := m.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected re-seeded nonce 42; got %d", n)
	}
	if r.callCount() != 2 {
		t.Fatalf("expected a second network fetch after staleness; got %d", r.callCount())
	}
}

func TestResetForcesReseed(t *testing.T) {
	r := &fakeReader{next: 5}
	m := NewManager(testAddr, time.Minute)
	ctx := context.Background()

	if _, err := m.Next(ctx, r); err != nil {
		t.Fatalf("Next: %v", err)
	}
	m.Reset()
	if _, err := m.Next(ctx, r); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if r.callCount() != 2 {
		t.Fatalf("expected fetch after Reset; got %d fetches", r.callCount())
	}
}

func TestNextSerializedNoDuplicates(t *testing.T) {
	r := &fakeReader{next: 0}
	m := NewManager(testAddr, time.Minute)
	ctx := context.Background()

	const n = 50
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Next(ctx, r)
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	got := map[uint64]bool{}
	for v := range seen {
		if got[v] {
			t.Fatalf("nonce %d issued twice", v)
		}
		got[v] = true
	}
	if len(got) != n {
		t.Fatalf("expected %d distinct nonces; got %d", n, len(got))
	}
}

func TestSharedSeedsOnceAndIncrements(t *testing.T) {
	store := atomic.NewMemStore()
	r := &fakeReader{next: 10}
	s := NewShared(store, testAddr)
	ctx := context.Background()

	first, err := s.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != 10 {
		t.Fatalf("expected seeded nonce 10; got %d", first)
	}
	second, err := s.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second != 11 {
		t.Fatalf("expected 11; got %d", second)
	}
	if r.callCount() != 1 {
		t.Fatalf("expected one seed fetch; got %d", r.callCount())
	}

	// a second issuer over the same store continues the sequence
	s2 := NewShared(store, testAddr)
	third, err := s2.Next(ctx, r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if third != 12 {
		t.Fatalf("expected 12 from second issuer; got %d", third)
	}
}

func TestSharedZeroNonceSeed(t *testing.T) {
	store := atomic.NewMemStore()
	r := &fakeReader{next: 0}
	s := NewShared(store, testAddr)

	n, err := s.Next(context.Background(), r)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected first nonce 0 for a fresh account; got %d", n)
	}
}
