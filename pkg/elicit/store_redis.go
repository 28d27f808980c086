// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package elicit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyKindPending = "elicit:pending"
	keyKindResult  = "elicit:result"
)

// RedisStore is a Redis-backed PendingStore. Pending records live in
// plain keys with a TTL matching the record deadline; results travel over
// pub/sub channels keyed by elicitation ID, so a result posted on one
// gateway node reaches the node holding the waiting call.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ PendingStore = (*RedisStore)(nil)

// NewRedisStore creates a store on an existing Redis client. The client
// is owned by the caller; Close does not release it.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) pendingKey(sessionID string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, keyKindPending, sessionID)
}

func (s *RedisStore) resultChannel(elicitID string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, keyKindResult, elicitID)
}

// PutPending implements PendingStore.PutPending. The read-then-write pair
// is not atomic; callers serialize writers per session.
func (s *RedisStore) PutPending(ctx context.Context, sessionID string, rec Record) (*Record, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	key := s.pendingKey(sessionID)

	var evicted *Record
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var prev Record
		if uerr := json.Unmarshal(data, &prev); uerr == nil && !prev.Expired(time.Now()) {
			evicted = &prev
		}
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to load pending elicitation: %w", err)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending elicitation: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("pending elicitation already expired")
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store pending elicitation: %w", err)
	}
	return evicted, nil
}

// GetPending implements PendingStore.GetPending. Redis expires records
// natively, so a hit is always live.
func (s *RedisStore) GetPending(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.pendingKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoPending
		}
		return nil, fmt.Errorf("failed to load pending elicitation: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending elicitation: %w", err)
	}
	if rec.Expired(time.Now()) {
		return nil, ErrNoPending
	}
	return &rec, nil
}

// DeletePending implements PendingStore.DeletePending.
func (s *RedisStore) DeletePending(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.pendingKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending elicitation: %w", err)
	}
	return nil
}

// PublishResult implements PendingStore.PublishResult.
func (s *RedisStore) PublishResult(ctx context.Context, elicitID string, result []byte, _ string) error {
	if err := s.client.Publish(ctx, s.resultChannel(elicitID), result).Err(); err != nil {
		return fmt.Errorf("failed to publish elicitation result: %w", err)
	}
	return nil
}

// SubscribeResult implements PendingStore.SubscribeResult. The
// subscription is confirmed with the server before returning, so a result
// published after SubscribeResult returns is never missed.
func (s *RedisStore) SubscribeResult(ctx context.Context, elicitID string, handler func([]byte), _ string) (func(), error) {
	sub := s.client.Subscribe(ctx, s.resultChannel(elicitID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe for elicitation result: %w", err)
	}

	var once sync.Once
	go func() {
		for msg := range sub.Channel() {
			payload := []byte(msg.Payload)
			once.Do(func() { handler(payload) })
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// Close implements PendingStore.Close. The Redis client is shared and
// stays open.
func (*RedisStore) Close() error {
	return nil
}
