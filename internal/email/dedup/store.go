package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry records one seen inbound event inside the dedup window.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	Recipient   string    `json:"recipient"`
	Fingerprint string    `json:"fingerprint"`
	TicketID    int64     `json:"ticket_id"`
}

// Store is the time-windowed keyspace the filter reads and writes. Entries
// expire after their TTL; a stale read only risks one extra duplicate ticket,
// never corruption, so lock-free reads are acceptable for implementations
// that can offer them.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

const defaultMaxEntries = 4096

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is a bounded in-process TTL map, the default backend for
// single-process deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	items      map[string]memoryItem
	maxEntries int
	stopCh     chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// MemoryStoreOption customizes a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// NewMemoryStore builds a memory store and starts its janitor goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		items:      make(map[string]memoryItem),
		maxEntries: defaultMaxEntries,
		stopCh:     make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.janitor(time.Minute)
	return s
}

// WithMemoryStoreMaxEntries bounds the map size; oldest entries are evicted
// once the bound is reached.
func WithMemoryStoreMaxEntries(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithMemoryStoreClock overrides the wall clock, primarily for tests.
func WithMemoryStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Get returns the live entry stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || s.now().After(item.expiresAt) {
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

// Put stores an entry under key for the given TTL.
func (s *MemoryStore) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("dedup: ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.items[key] = memoryItem{entry: entry, expiresAt: s.now().Add(ttl)}
	return nil
}

// Stop terminates the janitor goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, item := range s.items {
		if oldestKey == "" || item.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = item.expiresAt
		}
	}
	if oldestKey != "" {
		delete(s.items, oldestKey)
	}
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.items {
		if now.After(item.expiresAt) {
			delete(s.items, key)
		}
	}
}

// RedisStore shares the dedup window across replicas. Entries are JSON blobs
// with Redis-side expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "helpdesk:dedup:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the live entry stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("dedup: redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("dedup: decode entry: %w", err)
	}
	return entry, true, nil
}

// Put stores an entry under key for the given TTL.
func (s *RedisStore) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedup: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("dedup: redis set: %w", err)
	}
	return nil
}
