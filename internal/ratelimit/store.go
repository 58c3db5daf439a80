package ratelimit

import (
	"context"
	"sync"
)

// UpdateFunc receives the persisted bucket, or nil when the tenant has none,
// and returns the bucket to persist. Returning a nil bucket leaves storage
// untouched.
type UpdateFunc func(current *Bucket) (*Bucket, error)

// Store persists buckets. Update must be an atomic read-modify-write for
// a single tenant.
type Store interface {
	Update(ctx context.Context, tenant string, fn UpdateFunc) error
	Get(ctx context.Context, tenant string) (*Bucket, error)
	Delete(ctx context.Context, tenant string) error
}

// MemoryStore keeps buckets in process memory.
type MemoryStore struct {
	buckets map[string]Bucket
	locks   *keyLocks
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]Bucket),
		locks:   newKeyLocks(),
	}
}

// Update runs fn under the tenant's lock and stores its result.
func (s *MemoryStore) Update(ctx context.Context, tenant string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.locks.lock(tenant)
	defer unlock()

	current := s.load(tenant)
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}

	s.mu.Lock()
	s.buckets[tenant] = *next
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the tenant's bucket, or nil when none exists.
func (s *MemoryStore) Get(ctx context.Context, tenant string) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(tenant), nil
}

// Delete drops the tenant's bucket.
func (s *MemoryStore) Delete(ctx context.Context, tenant string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.buckets, tenant)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) load(tenant string) *Bucket {
	s.mu.RLock()
	b, ok := s.buckets[tenant]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return &b
}
