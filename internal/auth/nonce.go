package auth

import (
	"sync"
	"time"
)

// NonceStore records consumed token nonces until the token they belong to
// has expired. A nonce is one-shot: the second Consume within TTL fails.
// Expired entries are swept lazily on Consume.
type NonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // nonce -> token expiry
	now  func() time.Time
}

func NewNonceStore() *NonceStore {
	return &NonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// Consume marks the nonce used until expiresAt. Returns ErrNonceReplay if it
// was already consumed and the original token has not yet expired.
func (s *NonceStore) Consume(nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for n, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, n)
		}
	}
	if exp, ok := s.seen[nonce]; ok && now.Before(exp) {
		return ErrNonceReplay
	}
	s.seen[nonce] = expiresAt
	return nil
}

func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
