package claims

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process claim store. It backs single-dispatcher runs
// that do not need durability, and tests.
type MemoryStore struct {
	mu   sync.Mutex
	held map[string]record
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		held: make(map[string]record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key = SanitizeKey(key)
	now := s.now()
	if existing, ok := s.held[key]; ok && existing.ExpiresAt >= now.Unix() {
		return false, nil
	}
	s.held[key] = record{Owner: owner, ExpiresAt: now.Add(ttl).Unix()}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, SanitizeKey(key))
	return nil
}

// Held returns the number of live (unexpired) claims. Test helper.
func (s *MemoryStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	n := 0
	for _, r := range s.held {
		if r.ExpiresAt >= now {
			n++
		}
	}
	return n
}
