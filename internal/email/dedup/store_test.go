package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStorePutGet(t *testing.T) {
	now, advance := testClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(WithMemoryStoreClock(now))
	defer s.Stop()
	ctx := context.Background()

	entry := Entry{Timestamp: now(), Recipient: "support@acme.test", TicketID: 7}
	if err := s.Put(ctx, "event:abc", entry, time.Minute); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	got, ok, err := s.Get(ctx, "event:abc")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v, %v), want hit", got, ok, err)
	}
	if got.TicketID != 7 || got.Recipient != "support@acme.test" {
		t.Fatalf("unexpected entry %+v", got)
	}

	advance(61 * time.Second)
	if _, ok, _ := s.Get(ctx, "event:abc"); ok {
		t.Fatal("entry should expire after its TTL")
	}
}

func TestMemoryStoreRejectsZeroTTL(t *testing.T) {
	s := NewMemoryStore()
	defer s.Stop()
	if err := s.Put(context.Background(), "k", Entry{}, 0); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestMemoryStoreEvictsOldestAtCapacity(t *testing.T) {
	now, _ := testClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(WithMemoryStoreClock(now), WithMemoryStoreMaxEntries(3))
	defer s.Stop()
	ctx := context.Background()

	// Shorter TTL means earlier expiry, which is what eviction orders by.
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := s.Put(ctx, key, Entry{}, time.Duration(i+1)*time.Minute); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	if err := s.Put(ctx, "k3", Entry{}, 10*time.Minute); err != nil {
		t.Fatalf("Put k3: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "k0"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, ok, _ := s.Get(ctx, key); !ok {
			t.Fatalf("entry %s should survive eviction", key)
		}
	}
}
