package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"
)

// LaunchContext is the clinical context an EHR launch seeds into the OAuth2
// flow: the subject, optionally the encounter, and the launch instant
// (unix seconds) as stamped by the launching system.
type LaunchContext struct {
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	Timestamp int64  `json:"ts"`

	// CreatedAt is when the gateway stored the context; it drives TTL
	// eviction and is never serialized into launch tokens.
	CreatedAt time.Time `json:"-"`
}

// EncodeLaunchToken serializes a launch context into the opaque launch token
// an EHR hands to the client application.
func EncodeLaunchToken(lc *LaunchContext) (string, error) {
	data, err := json.Marshal(lc)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeLaunchToken is the inverse of EncodeLaunchToken. Undecodable tokens
// yield ok=false.
func DecodeLaunchToken(token string) (*LaunchContext, bool) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, false
	}
	var lc LaunchContext
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, false
	}
	if lc.Patient == "" && lc.Encounter == "" {
		return nil, false
	}
	return &lc, true
}

// LaunchContextStorer stores launch contexts keyed by launch token for the
// window between the launch request and the token exchange.
//
// Get is a read-only peek. Consume atomically removes and returns the entry:
// of two racing token exchanges, exactly one observes the launch context and
// the other sees nil. Cleanup evicts entries older than the store's TTL so
// abandoned launches do not accumulate.
type LaunchContextStorer interface {
	Save(ctx context.Context, token string, lc *LaunchContext) error
	Get(ctx context.Context, token string) (*LaunchContext, error)
	Consume(ctx context.Context, token string) (*LaunchContext, error)
	Remove(ctx context.Context, token string) error
	Cleanup(ctx context.Context) error
}

// MemoryLaunchContextStore is the in-memory LaunchContextStorer. A single
// coarse lock covers all operations; entries are independent and short-lived
// so nothing finer is needed.
type MemoryLaunchContextStore struct {
	mu       sync.RWMutex
	contexts map[string]*LaunchContext
	ttl      time.Duration
}

// NewMemoryLaunchContextStore creates a store whose entries expire after ttl.
func NewMemoryLaunchContextStore(ttl time.Duration) *MemoryLaunchContextStore {
	return &MemoryLaunchContextStore{
		contexts: make(map[string]*LaunchContext),
		ttl:      ttl,
	}
}

// Save implements LaunchContextStorer. A zero CreatedAt is stamped with the
// current time.
func (s *MemoryLaunchContextStore) Save(_ context.Context, token string, lc *LaunchContext) error {
	stored := *lc
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.contexts[token] = &stored
	s.mu.Unlock()
	return nil
}

// Get implements LaunchContextStorer. Expired entries read as absent.
func (s *MemoryLaunchContextStore) Get(_ context.Context, token string) (*LaunchContext, error) {
	s.mu.RLock()
	lc, ok := s.contexts[token]
	s.mu.RUnlock()

	if !ok || time.Since(lc.CreatedAt) > s.ttl {
		return nil, nil
	}
	copied := *lc
	return &copied, nil
}

// Consume implements LaunchContextStorer: atomic get-then-remove.
func (s *MemoryLaunchContextStore) Consume(_ context.Context, token string) (*LaunchContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lc, ok := s.contexts[token]
	if !ok {
		return nil, nil
	}
	delete(s.contexts, token)
	if time.Since(lc.CreatedAt) > s.ttl {
		return nil, nil
	}
	return lc, nil
}

// Remove implements LaunchContextStorer.
func (s *MemoryLaunchContextStore) Remove(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.contexts, token)
	s.mu.Unlock()
	return nil
}

// Cleanup implements LaunchContextStorer. It evicts every entry older than
// the TTL.
func (s *MemoryLaunchContextStore) Cleanup(_ context.Context) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for token, lc := range s.contexts {
		if now.Sub(lc.CreatedAt) > s.ttl {
			delete(s.contexts, token)
		}
	}
	return nil
}

// StartCleanup runs Cleanup on the given interval until ctx is cancelled.
func StartCleanup(ctx context.Context, store LaunchContextStorer, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = store.Cleanup(ctx)
			}
		}
	}()
}
