// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package resources

import (
	"context"
	"sync"
)

// Subscriptions tracks which sessions follow which resource URIs.
// Subscribe and Unsubscribe are idempotent set operations.
type Subscriptions interface {
	Subscribe(ctx context.Context, sessionID, uri string) error
	Unsubscribe(ctx context.Context, sessionID, uri string) error

	// Subscribers returns the session ids following uri.
	Subscribers(ctx context.Context, uri string) ([]string, error)

	// DropSession removes every subscription held by sessionID. Called
	// when the session's adapter is destroyed.
	DropSession(ctx context.Context, sessionID string) error
}

// MemorySubscriptions tracks subscriptions for the sessions served by this
// node. Event streams are node-local, so the update fan-out only needs the
// local view.
type MemorySubscriptions struct {
	mu sync.RWMutex
	// byURI maps uri → set of session ids.
	byURI map[string]map[string]struct{}
	// bySession maps session id → set of uris, for DropSession.
	bySession map[string]map[string]struct{}
}

// NewMemorySubscriptions returns an empty subscription set.
func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{
		byURI:     make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds sessionID to uri's follower set.
func (s *MemorySubscriptions) Subscribe(_ context.Context, sessionID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byURI[uri] == nil {
		s.byURI[uri] = make(map[string]struct{})
	}
	s.byURI[uri][sessionID] = struct{}{}

	if s.bySession[sessionID] == nil {
		s.bySession[sessionID] = make(map[string]struct{})
	}
	s.bySession[sessionID][uri] = struct{}{}
	return nil
}

// Unsubscribe removes sessionID from uri's follower set.
func (s *MemorySubscriptions) Unsubscribe(_ context.Context, sessionID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sessionID, uri)
	return nil
}

// Subscribers returns the session ids following uri.
func (s *MemorySubscriptions) Subscribers(_ context.Context, uri string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byURI[uri]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// DropSession removes every subscription held by sessionID.
func (s *MemorySubscriptions) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for uri := range s.bySession[sessionID] {
		s.removeLocked(sessionID, uri)
	}
	return nil
}

func (s *MemorySubscriptions) removeLocked(sessionID, uri string) {
	if set := s.byURI[uri]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.byURI, uri)
		}
	}
	if set := s.bySession[sessionID]; set != nil {
		delete(set, uri)
		if len(set) == 0 {
			delete(s.bySession, sessionID)
		}
	}
}

var _ Subscriptions = (*MemorySubscriptions)(nil)
