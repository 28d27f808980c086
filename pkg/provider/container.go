// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"sync"
)

// Container materializes provider views against one registry chain.
// Global instances are shared process-wide through the owning registry,
// session views are memoized per session id and request views are built
// fresh for every request.
type Container struct {
	reg    *Registry
	global *View

	mu       sync.Mutex
	sessions map[string]*View
}

// NewContainer returns a container resolving against reg.
func NewContainer(reg *Registry) *Container {
	return &Container{
		reg:      reg,
		global:   newView(LifetimeGlobal, nil, reg),
		sessions: make(map[string]*View),
	}
}

// Registry returns the registry chain the container resolves against.
func (c *Container) Registry() *Registry { return c.reg }

// Views builds the three provider views for one request on sessionID.
// The session view is shared by every request on the same session; an
// empty session id yields a detached, unmemoized session view. The
// request view is fresh and carries its own registry fork so request
// bindings never leak past the request.
func (c *Container) Views(sessionID string) *Views {
	var sess *View
	if sessionID == "" {
		sess = newView(LifetimeSession, c.global, c.reg)
	} else {
		c.mu.Lock()
		sess = c.sessions[sessionID]
		if sess == nil {
			sess = newView(LifetimeSession, c.global, c.reg)
			c.sessions[sessionID] = sess
		}
		c.mu.Unlock()
	}
	overlay := c.reg.Fork()
	return &Views{
		Global:    c.global,
		Session:   sess,
		Request:   newView(LifetimeRequest, sess, overlay),
		sessionID: sessionID,
		overlay:   overlay,
	}
}

// DropSession forgets the memoized view for sessionID. Instances held by
// the view become garbage once outstanding requests finish.
func (c *Container) DropSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Views bundles the per-lifetime views of one request.
type Views struct {
	Global  *View
	Session *View
	Request *View

	sessionID string
	overlay   *Registry
}

// SessionID returns the session the views were built for.
func (v *Views) SessionID() string { return v.sessionID }

// Resolve resolves token from the request view.
func (v *Views) Resolve(ctx context.Context, token Token) (any, error) {
	return v.Request.Resolve(ctx, token)
}

// Bind registers a record on the request view only. The binding shadows
// wider bindings of the same token for the remainder of the request and
// is forced to LifetimeRequest.
func (v *Views) Bind(rec Record) error {
	rec.Lifetime = LifetimeRequest
	return v.overlay.Register(rec)
}

// View is the instance arena for one lifetime. Views chain request to
// session to global; instances land in the arena matching the lifetime of
// the record that produced them.
type View struct {
	lifetime Lifetime
	parent   *View
	reg      *Registry

	mu      sync.Mutex
	futures map[Token]*future
}

func newView(lifetime Lifetime, parent *View, reg *Registry) *View {
	return &View{
		lifetime: lifetime,
		parent:   parent,
		reg:      reg,
		futures:  make(map[Token]*future),
	}
}

// Lifetime returns the view's own lifetime.
func (v *View) Lifetime() Lifetime { return v.lifetime }

// Resolve resolves token from this view. Records with a lifetime narrower
// than the view are rejected with ScopeViolationError.
func (v *View) Resolve(ctx context.Context, token Token) (any, error) {
	res := &resolution{ctx: ctx, entry: v, limit: v.lifetime}
	return res.Resolve(token)
}

func (v *View) at(l Lifetime) *View {
	for cur := v; cur != nil; cur = cur.parent {
		if cur.lifetime == l {
			return cur
		}
	}
	return nil
}

func (v *View) materialize(res *resolution, rec Record) (any, error) {
	v.mu.Lock()
	if f, ok := v.futures[rec.Token]; ok {
		v.mu.Unlock()
		return f.wait(res.ctx)
	}
	f := newFuture()
	v.futures[rec.Token] = f
	v.mu.Unlock()

	value, err := res.construct(rec)
	if err != nil {
		// Failures are not cached, the next resolve retries.
		v.mu.Lock()
		delete(v.futures, rec.Token)
		v.mu.Unlock()
	}
	f.settle(value, err)
	return value, err
}

// resolution tracks one resolve call graph: the entry view, the lifetime
// ceiling imposed by the record under construction and the chain of tokens
// currently being built.
type resolution struct {
	ctx   context.Context
	entry *View
	limit Lifetime
	chain []Token
}

// Resolve implements Resolver.
func (r *resolution) Resolve(token Token) (any, error) {
	rec, owner, ok := r.entry.reg.lookup(r.ctx, token)
	if !ok {
		return nil, &ResolveError{Token: token}
	}
	if rec.Lifetime > r.limit {
		return nil, &ScopeViolationError{Token: token, Declared: rec.Lifetime, From: r.limit}
	}
	for _, t := range r.chain {
		if t == token {
			return nil, &DependencyCycleError{Path: append(append([]Token{}, r.chain...), token)}
		}
	}
	if rec.Lifetime == LifetimeGlobal {
		return owner.materializeGlobal(r, rec)
	}
	view := r.entry.at(rec.Lifetime)
	if view == nil {
		return nil, &ScopeViolationError{Token: token, Declared: rec.Lifetime, From: r.limit}
	}
	return view.materialize(r, rec)
}

// construct runs the record's producer under a nested resolution whose
// ceiling is the record's own lifetime, so a broad instance cannot capture
// a narrower dependency.
func (r *resolution) construct(rec Record) (any, error) {
	switch rec.Kind {
	case KindValue, KindInjected:
		return rec.Value, nil
	default:
		chain := append(r.chain[:len(r.chain):len(r.chain)], rec.Token)
		nested := &resolution{ctx: r.ctx, entry: r.entry, limit: rec.Lifetime, chain: chain}
		return rec.Construct(r.ctx, nested)
	}
}

// Resolve resolves token from the request view of views and asserts the
// result to T.
func Resolve[T any](ctx context.Context, views *Views, token Token) (T, error) {
	var zero T
	raw, err := views.Resolve(ctx, token)
	if err != nil {
		return zero, err
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, &ResolveError{Token: token, Reason: fmt.Sprintf("bound value is %T", raw)}
	}
	return typed, nil
}
