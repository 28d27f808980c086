// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/logger"
	"github.com/gantry-mcp/gantry/pkg/session"
)

const defaultStoreOpTimeout = 5 * time.Second

// Factory builds the protocol-specific adapter for a transport key. The
// registry calls it at most once per key while a creation lock is held.
type Factory func(key core.TransportKey) (Transporter, error)

// Options configures a Registry.
type Options struct {
	// Store persists session records for protocols whose sessions survive
	// node restarts. Nil keeps the registry memory-only.
	Store session.Storage

	// NodeID is stamped into persisted records so operators can tell which
	// node created or adopted a session.
	NodeID string

	// OpTimeout bounds each shared-store operation. Zero means 5s.
	OpTimeout time.Duration

	// RatePerSecond and RateBurst bound how fast new sessions may be
	// created. Zero RatePerSecond disables the limiter.
	RatePerSecond float64
	RateBurst     int

	// OnDestroy runs after an adapter is destroyed, with its session id.
	// The server uses it to cancel the session's pending elicitation.
	OnDestroy func(sessionID string)
}

// Registry owns every live transport adapter on this node. Creation is
// idempotent per key: concurrent creates for the same key serialize on a
// keyed lock and all return the one resident adapter. For persistent
// protocols the registry mirrors each session into the shared store so a
// peer node can recreate it; store outages degrade the registry to
// local-only operation rather than failing requests.
type Registry struct {
	store     session.Storage
	nodeID    string
	opTimeout time.Duration
	limiter   *rate.Limiter
	onDestroy func(sessionID string)
	loads     singleflight.Group

	mu        sync.Mutex
	live      map[string]Transporter // keyed by TransportKey.String()
	bySession map[string]Transporter
	creating  map[string]*creationLock
	history   map[string]struct{} // session IDs ever created here
}

// creationLock serializes create/recreate/destroy for one transport key.
// It is reference-counted so the map entry can be dropped once idle.
type creationLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry builds a registry from opts.
func NewRegistry(opts Options) *Registry {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultStoreOpTimeout
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Registry{
		store:     opts.Store,
		nodeID:    opts.NodeID,
		opTimeout: timeout,
		limiter:   limiter,
		onDestroy: opts.OnDestroy,
		live:      make(map[string]Transporter),
		bySession: make(map[string]Transporter),
		creating:  make(map[string]*creationLock),
		history:   make(map[string]struct{}),
	}
}

// lockKey acquires the creation lock for key and returns its release func.
func (r *Registry) lockKey(key string) func() {
	r.mu.Lock()
	cl, ok := r.creating[key]
	if !ok {
		cl = &creationLock{}
		r.creating[key] = cl
	}
	cl.refs++
	r.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		r.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(r.creating, key)
		}
		r.mu.Unlock()
	}
}

// Create returns the adapter for key, building it with build if none is
// resident. Concurrent calls for the same key return the same adapter and
// persist exactly one record. New creations are subject to the configured
// rate limit; a limited call returns a core.RetryAfter signal.
func (r *Registry) Create(ctx context.Context, key core.TransportKey, build Factory) (Transporter, error) {
	unlock := r.lockKey(key.String())
	defer unlock()

	if t, ok := r.lookup(key); ok {
		return t, nil
	}

	if r.limiter != nil {
		res := r.limiter.Reserve()
		if !res.OK() {
			return nil, core.NewRetryAfter(time.Second, fmt.Errorf("session creation rate exceeded"))
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			return nil, core.NewRetryAfter(delay, fmt.Errorf("session creation rate exceeded"))
		}
	}

	t, err := build(key)
	if err != nil {
		return nil, core.NewInternalError(fmt.Errorf("building %s adapter: %w", key.Protocol, err))
	}
	r.adopt(key, t)

	if key.Protocol.Persistent() {
		now := time.Now().UTC()
		r.storeRecord(ctx, session.Record{
			Session: session.Session{
				ID:        key.SessionID,
				Protocol:  key.Protocol,
				CreatedAt: now,
				NodeID:    r.nodeID,
			},
			AuthorizationID: key.AuthHash,
			CreatedAt:       now,
			LastAccessedAt:  now,
		})
	}
	return t, nil
}

// Recreate adopts a session another node persisted: it builds a fresh
// adapter, marks it initialized, restores the stored payload, and stamps
// this node into the refreshed record. A resident adapter wins over rec.
func (r *Registry) Recreate(ctx context.Context, key core.TransportKey, rec *session.Record, build Factory) (Transporter, error) {
	unlock := r.lockKey(key.String())
	defer unlock()

	if t, ok := r.lookup(key); ok {
		return t, nil
	}

	t, err := build(key)
	if err != nil {
		return nil, core.NewInternalError(fmt.Errorf("rebuilding %s adapter: %w", key.Protocol, err))
	}
	t.MarkInitialized()
	if rec != nil && len(rec.Session.Payload) > 0 {
		t.SetPayload(rec.Session.Payload)
	}
	r.adopt(key, t)

	if rec != nil && key.Protocol.Persistent() {
		refreshed := *rec
		refreshed.Session.NodeID = r.nodeID
		refreshed.Touch()
		r.storeRecord(ctx, refreshed)
	}
	return t, nil
}

// Get returns the resident adapter for key, without consulting the store.
func (r *Registry) Get(key core.TransportKey) (Transporter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[key.String()]
	return t, ok
}

// FindBySession returns the resident adapter serving sessionID, if any.
func (r *Registry) FindBySession(sessionID string) (Transporter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySession[sessionID]
	return t, ok
}

// StoredSession loads key's record from the shared store. It reports
// absent for non-persistent protocols, for store misses and outages, and
// when the stored authorization hash does not match the caller's; the
// mismatch is logged but never surfaced to the client.
func (r *Registry) StoredSession(ctx context.Context, key core.TransportKey) (*session.Record, bool) {
	if !key.Protocol.Persistent() || r.store == nil {
		return nil, false
	}
	rec, err := r.loadStored(ctx, key.SessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Warnw("session store read failed; treating session as absent",
				"session_id", key.SessionID, "error", err)
		}
		return nil, false
	}
	if rec.AuthorizationID != key.AuthHash {
		logger.Warnw("stored session rejected: authorization hash mismatch",
			"session_id", key.SessionID, "node_id", rec.Session.NodeID)
		return nil, false
	}
	return &rec, true
}

// loadStored collapses concurrent store reads for one session into a
// single Load. The authorization check stays with each caller; only the
// read is shared. The closure runs on the first caller's context, capped
// by opTimeout so a cancelled leader cannot stall followers for long.
func (r *Registry) loadStored(ctx context.Context, sessionID string) (session.Record, error) {
	v, err, _ := r.loads.Do(sessionID, func() (any, error) {
		sctx, cancel := context.WithTimeout(ctx, r.opTimeout)
		defer cancel()
		return r.store.Load(sctx, sessionID)
	})
	if err != nil {
		return session.Record{}, err
	}
	return v.(session.Record), nil
}

// Destroy closes and unregisters the adapter for key. Persistent sessions
// are also deleted from the shared store. A missing adapter is an
// invalid-session error; the creation history is kept so the node can
// still distinguish expired sessions from never-created ones.
func (r *Registry) Destroy(ctx context.Context, key core.TransportKey) error {
	unlock := r.lockKey(key.String())
	defer unlock()

	t, ok := r.lookup(key)
	if !ok {
		return core.NewInvalidSessionError(key.SessionID)
	}

	cctx, cancel := context.WithTimeout(ctx, gracefulTimeout)
	defer cancel()
	if err := t.Close(cctx); err != nil {
		logger.Warnw("transport close failed", "session_id", key.SessionID, "error", err)
	}
	r.remove(key)

	if key.Protocol.Persistent() && r.store != nil {
		sctx, cancel2 := context.WithTimeout(ctx, r.opTimeout)
		defer cancel2()
		if err := r.store.Delete(sctx, key.SessionID); err != nil {
			logger.Warnw("session store delete failed", "session_id", key.SessionID, "error", err)
		}
	}
	if r.onDestroy != nil {
		r.onDestroy(key.SessionID)
	}
	return nil
}

// WasCreated reports whether this node ever created sessionID, including
// sessions since destroyed. It never touches the shared store.
func (r *Registry) WasCreated(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.history[sessionID]
	return ok
}

// WasCreatedAnywhere reports whether key's session exists on this node or,
// for persistent protocols, in the shared store under a matching
// authorization hash.
func (r *Registry) WasCreatedAnywhere(ctx context.Context, key core.TransportKey) bool {
	if r.WasCreated(key.SessionID) {
		return true
	}
	if !key.Protocol.Persistent() {
		return false
	}
	_, ok := r.StoredSession(ctx, key)
	return ok
}

// SavePayload stores payload on the resident adapter and, for persistent
// protocols, writes it through to the shared store.
func (r *Registry) SavePayload(ctx context.Context, key core.TransportKey, payload []byte) {
	t, ok := r.Get(key)
	if !ok {
		return
	}
	t.SetPayload(payload)
	if !key.Protocol.Persistent() || r.store == nil {
		return
	}
	now := time.Now().UTC()
	rec := session.Record{
		Session: session.Session{
			ID:        key.SessionID,
			Protocol:  key.Protocol,
			CreatedAt: now,
			NodeID:    r.nodeID,
		},
		AuthorizationID: key.AuthHash,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
	if stored, found := r.StoredSession(ctx, key); found {
		rec = *stored
		rec.Touch()
	}
	rec.Session.Payload = payload
	r.storeRecord(ctx, rec)
}

// Sweep destroys adapters idle for longer than idleFor and returns how
// many it removed.
func (r *Registry) Sweep(ctx context.Context, idleFor time.Duration) int {
	if idleFor <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-idleFor)

	r.mu.Lock()
	var stale []core.TransportKey
	for _, t := range r.live {
		if t.LastActive().Before(cutoff) {
			stale = append(stale, t.Key())
		}
	}
	r.mu.Unlock()

	n := 0
	for _, key := range stale {
		if err := r.Destroy(ctx, key); err == nil {
			logger.Infow("destroyed idle session",
				"session_id", key.SessionID, "protocol", key.Protocol)
			n++
		}
	}
	return n
}

// Len returns the number of resident adapters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Shutdown destroys every resident adapter.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	keys := make([]core.TransportKey, 0, len(r.live))
	for _, t := range r.live {
		keys = append(keys, t.Key())
	}
	r.mu.Unlock()

	for _, key := range keys {
		if err := r.Destroy(ctx, key); err != nil {
			logger.Warnw("shutdown destroy failed", "session_id", key.SessionID, "error", err)
		}
	}
}

func (r *Registry) lookup(key core.TransportKey) (Transporter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[key.String()]
	return t, ok
}

func (r *Registry) adopt(key core.TransportKey, t Transporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[key.String()] = t
	r.bySession[key.SessionID] = t
	r.history[key.SessionID] = struct{}{}
}

func (r *Registry) remove(key core.TransportKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, key.String())
	delete(r.bySession, key.SessionID)
}

func (r *Registry) storeRecord(ctx context.Context, rec session.Record) {
	if r.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.store.Store(sctx, rec); err != nil {
		logger.Warnw("session store write failed; session is local-only",
			"session_id", rec.Session.ID, "error", err)
	}
}
