package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("relay: invalid input")
	ErrNotFound     = errors.New("relay: not found")
	ErrNotOwner     = errors.New("relay: not owner")
)

// Lease is a named, expiring ownership record. A relay replica drives a
// source chain only while it holds that source's lease.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store persists per-route cursors and per-source leases.
//
// Semantics:
// - Cursor returns the last relayed nonce for a route, 0 if none.
// - SetCursor never moves a cursor backwards; lower values are ignored.
// - TryAcquire succeeds if the lease does not exist or is expired at the store's notion of "now".
// - Renew succeeds only if the lease currently exists and is owned by owner.
// - Release is idempotent if the lease is already absent.
type Store interface {
	Cursor(ctx context.Context, srcChain, dstChain uint64) (uint64, error)
	SetCursor(ctx context.Context, srcChain, dstChain, nonce uint64) error

	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func validateLease(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

type routeKey struct {
	src, dst uint64
}

// MemoryStore keeps cursors and leases in process memory. It suits tests and
// single-replica relays whose destinations reject replays anyway.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	cursors map[routeKey]uint64
	leases  map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		cursors: make(map[routeKey]uint64),
		leases:  make(map[string]Lease),
	}
}

func (s *MemoryStore) Cursor(_ context.Context, srcChain, dstChain uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[routeKey{srcChain, dstChain}], nil
}

func (s *MemoryStore) SetCursor(_ context.Context, srcChain, dstChain, nonce uint64) error {
	if srcChain == 0 || dstChain == 0 {
		return fmt.Errorf("%w: chain ids must be non-zero", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := routeKey{srcChain, dstChain}
	if nonce > s.cursors[k] {
		s.cursors[k] = nonce
	}
	return nil
}

func (s *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[name]
	if !ok || !l.ExpiresAt.After(now) || l.Owner == owner {
		out := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
		s.leases[name] = out
		return out, true, nil
	}
	return l, false, nil
}

func (s *MemoryStore) Renew(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[name]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if l.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}
	// An expired lease nobody stole is still ours.
	out := Lease{Name: name, Owner: owner, ExpiresAt: s.now().Add(ttl)}
	s.leases[name] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[name]
	if !ok {
		return nil
	}
	if l.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, name)
	return nil
}
