package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandeepkv93/smart-session-gateway/internal/aa"
	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
)

// PendingAuthorization bridges ConfigureSession and SignSessionCreation.
type PendingAuthorization struct {
	EnableHash      common.Hash              `json:"enable_hash"`
	AccountID       uint                     `json:"account_id"`
	SessionRecordID uint                     `json:"session_record_id"`
	ChainID         uint64                   `json:"chain_id"`
	Details         *aa.EnableSessionDetails `json:"details"`
	CreatedAt       time.Time                `json:"created_at"`
	ExpiresAt       time.Time                `json:"expires_at"`
}

// PendingAuthorizationStore holds single-use enable payloads. Claim hands an
// authorization to exactly one signer; the signer then either Completes it
// (removing it for good) or Releases it so a later call may retry.
type PendingAuthorizationStore interface {
	Put(ctx context.Context, p *PendingAuthorization) error
	Claim(ctx context.Context, hash common.Hash) (*PendingAuthorization, error)
	Release(ctx context.Context, hash common.Hash) error
	Complete(ctx context.Context, hash common.Hash) error
}

type pendingSlot struct {
	auth    PendingAuthorization
	claimed bool
	live    bool
}

// InMemoryPendingAuthorizationStore keeps entries in a slot arena indexed by
// enable hash. Expired entries answer ErrAuthorizationExpired until they are
// swept one TTL after expiry.
type InMemoryPendingAuthorizationStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	slots []pendingSlot
	free  []int
	index map[common.Hash]int
}

func NewInMemoryPendingAuthorizationStore(ttl time.Duration) *InMemoryPendingAuthorizationStore {
	return &InMemoryPendingAuthorizationStore{
		ttl:   ttl,
		now:   time.Now,
		index: make(map[common.Hash]int),
	}
}

func (s *InMemoryPendingAuthorizationStore) Put(ctx context.Context, p *PendingAuthorization) error {
	now := s.now().UTC()
	entry := *p
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[p.EnableHash]; ok {
		if s.slots[i].claimed {
			return ErrAuthorizationInFlight
		}
		s.slots[i].auth = entry
		p.CreatedAt, p.ExpiresAt = entry.CreatedAt, entry.ExpiresAt
		observability.RecordPendingAuthEvent(ctx, "memory", "replaced")
		return nil
	}
	slot := pendingSlot{auth: entry, live: true}
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[i] = slot
		s.index[p.EnableHash] = i
	} else {
		s.slots = append(s.slots, slot)
		s.index[p.EnableHash] = len(s.slots) - 1
	}
	p.CreatedAt, p.ExpiresAt = entry.CreatedAt, entry.ExpiresAt
	observability.RecordPendingAuthEvent(ctx, "memory", "stored")
	return nil
}

func (s *InMemoryPendingAuthorizationStore) Claim(ctx context.Context, hash common.Hash) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[hash]
	if !ok {
		observability.RecordPendingAuthEvent(ctx, "memory", "not_found")
		return nil, ErrAuthorizationNotFound
	}
	slot := &s.slots[i]
	if slot.claimed {
		observability.RecordPendingAuthEvent(ctx, "memory", "in_flight")
		return nil, ErrAuthorizationInFlight
	}
	if !s.now().Before(slot.auth.ExpiresAt) {
		observability.RecordPendingAuthEvent(ctx, "memory", "expired")
		return nil, ErrAuthorizationExpired
	}
	slot.claimed = true
	out := slot.auth
	if out.Details != nil {
		details := *out.Details
		out.Details = &details
	}
	observability.RecordPendingAuthEvent(ctx, "memory", "claimed")
	return &out, nil
}

func (s *InMemoryPendingAuthorizationStore) Release(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[hash]; ok {
		s.slots[i].claimed = false
		observability.RecordPendingAuthEvent(ctx, "memory", "released")
	}
	return nil
}

func (s *InMemoryPendingAuthorizationStore) Complete(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[hash]; ok {
		s.removeLocked(hash, i)
		observability.RecordPendingAuthEvent(ctx, "memory", "completed")
	}
	return nil
}

// Sweep drops unclaimed entries that expired more than one TTL ago and
// returns how many were removed.
func (s *InMemoryPendingAuthorizationStore) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, i := range s.index {
		slot := s.slots[i]
		if slot.claimed || slot.auth.ExpiresAt.After(cutoff) {
			continue
		}
		s.removeLocked(hash, i)
		removed++
	}
	if removed > 0 {
		observability.RecordPendingAuthEvent(ctx, "memory", "swept")
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (s *InMemoryPendingAuthorizationStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *InMemoryPendingAuthorizationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *InMemoryPendingAuthorizationStore) removeLocked(hash common.Hash, i int) {
	delete(s.index, hash)
	s.slots[i] = pendingSlot{}
	s.free = append(s.free, i)
}
