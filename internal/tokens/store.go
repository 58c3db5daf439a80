package tokens

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Store when the tenant has no token.
var ErrNotFound = errors.New("tokens: token not found")

// Store is the durable source of truth for tokens. Save replaces the
// tenant's record atomically.
type Store interface {
	Get(ctx context.Context, tenant, provider string) (*Token, error)
	Save(ctx context.Context, tok *Token) error
	Delete(ctx context.Context, tenant, provider string) error
}

type storeKey struct {
	tenant   string
	provider string
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	tokens map[storeKey]Token
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[storeKey]Token)}
}

func (s *MemoryStore) Get(ctx context.Context, tenant, provider string) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	tok, ok := s.tokens[storeKey{tenant, provider}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(&tok), nil
}

func (s *MemoryStore) Save(ctx context.Context, tok *Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tokens[storeKey{tok.TenantKey, tok.Provider}] = *cloneToken(tok)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenant, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tokens, storeKey{tenant, provider})
	s.mu.Unlock()
	return nil
}

func cloneToken(t *Token) *Token {
	c := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		c.ExpiresAt = &exp
	}
	if t.Scopes != nil {
		c.Scopes = append([]string(nil), t.Scopes...)
	}
	return &c
}
