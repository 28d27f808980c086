// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package elicit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory PendingStore for single-node deployments
// and tests. Result delivery matches pub/sub semantics: publishing with
// no live subscriber drops the result.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]Record
	subs    map[string]*memorySub
}

type memorySub struct {
	handler   func([]byte)
	delivered bool
}

var _ PendingStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]Record),
		subs:    make(map[string]*memorySub),
	}
}

// PutPending implements PendingStore.PutPending. Records whose deadline
// already passed are overwritten silently rather than reported as evicted.
func (s *MemoryStore) PutPending(_ context.Context, sessionID string, rec Record) (*Record, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted *Record
	if prev, ok := s.pending[sessionID]; ok && !prev.Expired(time.Now()) {
		evicted = &prev
	}
	s.pending[sessionID] = rec
	return evicted, nil
}

// GetPending implements PendingStore.GetPending. Expired records are
// removed on read.
func (s *MemoryStore) GetPending(_ context.Context, sessionID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[sessionID]
	if !ok {
		return nil, ErrNoPending
	}
	if rec.Expired(time.Now()) {
		delete(s.pending, sessionID)
		return nil, ErrNoPending
	}
	return &rec, nil
}

// DeletePending implements PendingStore.DeletePending.
func (s *MemoryStore) DeletePending(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, sessionID)
	return nil
}

// PublishResult implements PendingStore.PublishResult. The handler runs
// on the publisher's goroutine, outside the store lock.
func (s *MemoryStore) PublishResult(_ context.Context, elicitID string, result []byte, _ string) error {
	s.mu.Lock()
	sub, ok := s.subs[elicitID]
	if !ok || sub.delivered {
		s.mu.Unlock()
		return nil
	}
	sub.delivered = true
	handler := sub.handler
	s.mu.Unlock()

	handler(result)
	return nil
}

// SubscribeResult implements PendingStore.SubscribeResult.
func (s *MemoryStore) SubscribeResult(_ context.Context, elicitID string, handler func([]byte), _ string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[elicitID]; ok {
		return nil, fmt.Errorf("elicitation %s already has a subscriber", elicitID)
	}
	s.subs[elicitID] = &memorySub{handler: handler}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, elicitID)
	}, nil
}

// Close implements PendingStore.Close.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[string]Record)
	s.subs = make(map[string]*memorySub)
	return nil
}

// PendingCount returns the number of stored records, expired ones
// included. Useful for tests.
func (s *MemoryStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
