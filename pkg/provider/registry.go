// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the provider records of one scope. Registries form a
// chain through Fork; lookups walk child to parent and the first active
// record wins. Global instances are cached on the registry that owns the
// record, so siblings forked from the same parent share them.
type Registry struct {
	parent *Registry

	mu      sync.RWMutex
	records map[Token]Record
	order   []Token
	frozen  bool

	gmu     sync.Mutex
	globals map[Token]*future
}

// NewRegistry returns an empty root registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[Token]Record),
		globals: make(map[Token]*future),
	}
}

// Fork returns a child registry. Records registered on the child shadow
// records of the same token anywhere up the parent chain.
func (r *Registry) Fork() *Registry {
	child := NewRegistry()
	child.parent = r
	return child
}

// Parent returns the parent registry, or nil for the root.
func (r *Registry) Parent() *Registry { return r.parent }

// Register adds or replaces a record. A token already registered at this
// level is replaced in place and keeps its registration position. Cycles
// over the declared dependency lists are rejected. After Freeze only
// records with HotReload set are accepted.
func (r *Registry) Register(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := r.detectCycle(rec); err != nil {
		return err
	}

	r.mu.Lock()
	if r.frozen && !rec.HotReload {
		r.mu.Unlock()
		return fmt.Errorf("register %q: %w", rec.Token, ErrFrozen)
	}
	_, replacing := r.records[rec.Token]
	r.records[rec.Token] = rec
	if !replacing {
		r.order = append(r.order, rec.Token)
	}
	r.mu.Unlock()

	// Drop the cached instance so a replacement rebuilds on next resolve.
	if replacing {
		r.gmu.Lock()
		delete(r.globals, rec.Token)
		r.gmu.Unlock()
	}
	return nil
}

// MustRegister is Register for wiring code where a bad record is a bug.
func (r *Registry) MustRegister(rec Record) {
	if err := r.Register(rec); err != nil {
		panic(err)
	}
}

// Freeze ends bootstrap registration. Later Register calls are rejected
// unless the record opts in with HotReload.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called on this level.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Records returns the records registered at this level in registration order.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.records[t])
	}
	return out
}

// lookup walks the chain child to parent and returns the first record that
// is active under ctx, along with the registry level that owns it. Records
// whose When predicate reports false are skipped, letting parent bindings
// win over inactive shadows.
func (r *Registry) lookup(ctx context.Context, token Token) (Record, *Registry, bool) {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		rec, ok := reg.records[token]
		reg.mu.RUnlock()
		if ok && (rec.When == nil || rec.When(ctx)) {
			return rec, reg, true
		}
	}
	return Record{}, nil, false
}

// lookupRecord is lookup without predicate evaluation, for structural
// checks at registration time.
func (r *Registry) lookupRecord(token Token) (Record, bool) {
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		rec, ok := reg.records[token]
		reg.mu.RUnlock()
		if ok {
			return rec, true
		}
	}
	return Record{}, false
}

// detectCycle rejects a candidate whose declared dependencies lead back to
// itself through records already visible from this level. Cycles that do
// not involve the candidate cannot exist: whichever record would have
// closed them was rejected here first.
func (r *Registry) detectCycle(rec Record) error {
	seen := make(map[Token]bool)
	var walk func(deps []Token, path []Token) error
	walk = func(deps []Token, path []Token) error {
		for _, dep := range deps {
			if dep == rec.Token {
				return &DependencyCycleError{Path: append(append([]Token{}, path...), dep)}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			next, ok := r.lookupRecord(dep)
			if !ok {
				continue
			}
			if err := walk(next.DependsOn, append(path, dep)); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(rec.DependsOn, []Token{rec.Token})
}

// materializeGlobal builds or reuses the process-wide instance for a
// record owned by this registry level.
func (r *Registry) materializeGlobal(res *resolution, rec Record) (any, error) {
	r.gmu.Lock()
	if f, ok := r.globals[rec.Token]; ok {
		r.gmu.Unlock()
		return f.wait(res.ctx)
	}
	f := newFuture()
	r.globals[rec.Token] = f
	r.gmu.Unlock()

	value, err := res.construct(rec)
	if err != nil {
		// Failures are not cached, the next resolve retries.
		r.gmu.Lock()
		delete(r.globals, rec.Token)
		r.gmu.Unlock()
	}
	f.settle(value, err)
	return value, err
}
