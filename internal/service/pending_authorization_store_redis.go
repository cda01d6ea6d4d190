package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/smart-session-gateway/internal/observability"
)

// RedisPendingAuthorizationStore shares pending authorizations across
// processes. Payloads outlive their expiry by one TTL so late signers get
// ErrAuthorizationExpired rather than ErrAuthorizationNotFound; claims are a
// SETNX lock that lapses after claimTTL if the holder dies.
type RedisPendingAuthorizationStore struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

func NewRedisPendingAuthorizationStore(client redis.UniversalClient, prefix string, ttl, claimTTL time.Duration) *RedisPendingAuthorizationStore {
	if prefix == "" {
		prefix = "smart-sessions"
	}
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	return &RedisPendingAuthorizationStore{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		claimTTL: claimTTL,
		now:      time.Now,
	}
}

func (s *RedisPendingAuthorizationStore) Put(ctx context.Context, p *PendingAuthorization) error {
	held, err := s.client.Exists(ctx, s.lockKey(p.EnableHash)).Result()
	if err != nil {
		return fmt.Errorf("check pending authorization claim: %w", err)
	}
	if held > 0 {
		return ErrAuthorizationInFlight
	}
	now := s.now().UTC()
	p.CreatedAt = now
	p.ExpiresAt = now.Add(s.ttl)
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending authorization: %w", err)
	}
	if err := s.client.Set(ctx, s.dataKey(p.EnableHash), payload, 2*s.ttl).Err(); err != nil {
		observability.RecordPendingAuthEvent(ctx, "redis", "error")
		return fmt.Errorf("store pending authorization: %w", err)
	}
	observability.RecordPendingAuthEvent(ctx, "redis", "stored")
	return nil
}

func (s *RedisPendingAuthorizationStore) Claim(ctx context.Context, hash common.Hash) (*PendingAuthorization, error) {
	raw, err := s.client.Get(ctx, s.dataKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.RecordPendingAuthEvent(ctx, "redis", "not_found")
		return nil, ErrAuthorizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pending authorization: %w", err)
	}
	var p PendingAuthorization
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pending authorization: %w", err)
	}
	if !s.now().Before(p.ExpiresAt) {
		observability.RecordPendingAuthEvent(ctx, "redis", "expired")
		return nil, ErrAuthorizationExpired
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(hash), "1", s.claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim pending authorization: %w", err)
	}
	if !ok {
		observability.RecordPendingAuthEvent(ctx, "redis", "in_flight")
		return nil, ErrAuthorizationInFlight
	}
	// A concurrent signer may have completed the entry between GET and SETNX.
	live, err := s.client.Exists(ctx, s.dataKey(hash)).Result()
	if err != nil || live == 0 {
		_ = s.client.Del(ctx, s.lockKey(hash)).Err()
		if err != nil {
			return nil, fmt.Errorf("confirm pending authorization: %w", err)
		}
		observability.RecordPendingAuthEvent(ctx, "redis", "not_found")
		return nil, ErrAuthorizationNotFound
	}
	observability.RecordPendingAuthEvent(ctx, "redis", "claimed")
	return &p, nil
}

func (s *RedisPendingAuthorizationStore) Release(ctx context.Context, hash common.Hash) error {
	if err := s.client.Del(ctx, s.lockKey(hash)).Err(); err != nil {
		return fmt.Errorf("release pending authorization: %w", err)
	}
	observability.RecordPendingAuthEvent(ctx, "redis", "released")
	return nil
}

func (s *RedisPendingAuthorizationStore) Complete(ctx context.Context, hash common.Hash) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(hash))
	pipe.Del(ctx, s.lockKey(hash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete pending authorization: %w", err)
	}
	observability.RecordPendingAuthEvent(ctx, "redis", "completed")
	return nil
}

func (s *RedisPendingAuthorizationStore) dataKey(hash common.Hash) string {
	return fmt.Sprintf("%s:pending_auth:data:%s", s.prefix, hash.Hex())
}

func (s *RedisPendingAuthorizationStore) lockKey(hash common.Hash) string {
	return fmt.Sprintf("%s:pending_auth:lock:%s", s.prefix, hash.Hex())
}
