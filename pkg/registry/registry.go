// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry provides the generic record registry underneath the
// tool, resource, prompt, flow and skill registries. A registry normalizes
// entries on registration, initializes them in dependency order, notifies
// subscribers of changes and answers name and qualified-name lookups.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gantry-mcp/gantry/pkg/logger"
)

var (
	// ErrFrozen is returned by Register after Init unless the registry was
	// built with WithLateRegistration.
	ErrFrozen = errors.New("registry is frozen")
	// ErrUnknownDependency is returned by Init when an entry depends on a
	// name that is not registered.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDependencyCycle is returned by Init when entries depend on each
	// other in a loop.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Entry is implemented by every record type a registry can hold.
type Entry interface {
	// EntryName returns the record's unique name within its registry.
	EntryName() string
	// EntryDependsOn returns the names this record initializes after.
	EntryDependsOn() []string
}

// Qualified is implemented by records that carry a lineage-qualified name
// distinct from their short name.
type Qualified interface {
	EntryQualifiedName() string
}

// Initializer is implemented by records that perform setup work. Ready is
// awaited during Init in dependency order.
type Initializer interface {
	Ready(ctx context.Context) error
}

// EventKind classifies a registry change notification.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventReplaced   EventKind = "replaced"
	EventRemoved    EventKind = "removed"
)

// Event is delivered to subscribers on every registry mutation.
type Event[T Entry] struct {
	Kind     EventKind
	Registry string
	Entry    T
}

// Option configures a registry at construction.
type Option[T Entry] func(*Registry[T])

// WithNormalizer folds raw entries into their canonical form before they
// are stored. Returning an error rejects the registration.
func WithNormalizer[T Entry](fn func(T) (T, error)) Option[T] {
	return func(r *Registry[T]) { r.normalize = fn }
}

// WithAdopter enables Adopt. The hook returns a copy of entry renamed to
// the given qualified name.
func WithAdopter[T Entry](fn func(entry T, qualified string) T) Option[T] {
	return func(r *Registry[T]) { r.adopt = fn }
}

// WithLateRegistration keeps Register open after Init completes.
func WithLateRegistration[T Entry]() Option[T] {
	return func(r *Registry[T]) { r.allowLate = true }
}

// Registry stores records of one kind. All methods are safe for
// concurrent use.
type Registry[T Entry] struct {
	kind      string
	normalize func(T) (T, error)
	adopt     func(T, string) T
	allowLate bool

	mu          sync.RWMutex
	entries     map[string]T
	qualified   map[string]string
	order       []string
	initialized bool
	subs        map[*Subscription]func(Event[T])
}

// New returns an empty registry. Kind names the record family in errors,
// log lines and events.
func New[T Entry](kind string, opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{
		kind:      kind,
		entries:   make(map[string]T),
		qualified: make(map[string]string),
		subs:      make(map[*Subscription]func(Event[T])),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns the record family name.
func (r *Registry[T]) Kind() string { return r.kind }

// Register normalizes and stores entries. A name already present is
// replaced in place. After Init the registry is frozen unless built with
// WithLateRegistration.
func (r *Registry[T]) Register(entries ...T) error {
	for _, entry := range entries {
		if err := r.register(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry[T]) register(entry T) error {
	if r.normalize != nil {
		var err error
		entry, err = r.normalize(entry)
		if err != nil {
			return fmt.Errorf("%s: normalize %q: %w", r.kind, entry.EntryName(), err)
		}
	}
	name := entry.EntryName()
	if name == "" {
		return fmt.Errorf("%s: entry has no name", r.kind)
	}

	r.mu.Lock()
	if r.initialized && !r.allowLate {
		r.mu.Unlock()
		return fmt.Errorf("%s: register %q: %w", r.kind, name, ErrFrozen)
	}
	_, replacing := r.entries[name]
	r.entries[name] = entry
	if !replacing {
		r.order = append(r.order, name)
	}
	if q := qualifiedNameOf(entry); q != "" && q != name {
		r.qualified[q] = name
	}
	r.mu.Unlock()

	kind := EventRegistered
	if replacing {
		kind = EventReplaced
	}
	r.publish(Event[T]{Kind: kind, Registry: r.kind, Entry: entry})
	return nil
}

// Remove deletes the named entry and notifies subscribers. It reports
// whether the entry existed.
func (r *Registry[T]) Remove(name string) bool {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, name)
	if q := qualifiedNameOf(entry); q != "" {
		delete(r.qualified, q)
	}
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.publish(Event[T]{Kind: EventRemoved, Registry: r.kind, Entry: entry})
	return true
}

// Find returns the entry registered under name.
func (r *Registry[T]) Find(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// FindQualified returns the entry whose qualified name is qname. Entries
// whose qualified name equals their short name are found either way.
func (r *Registry[T]) FindQualified(qname string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.qualified[qname]; ok {
		entry, ok := r.entries[name]
		return entry, ok
	}
	entry, ok := r.entries[qname]
	return entry, ok
}

// List returns all entries in registration order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Names returns the entry names in registration order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Initialized reports whether Init has completed.
func (r *Registry[T]) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Init readies all entries in dependency order: an entry's dependencies
// are awaited before the entry itself. Init is idempotent; the first
// failure aborts and leaves the registry unfrozen so the caller can fix
// and retry.
func (r *Registry[T]) Init(ctx context.Context) error {
	r.mu.RLock()
	if r.initialized {
		r.mu.RUnlock()
		return nil
	}
	order := append([]string{}, r.order...)
	entries := make(map[string]T, len(r.entries))
	for name, entry := range r.entries {
		entries[name] = entry
	}
	r.mu.RUnlock()

	sorted, err := topoSort(r.kind, order, entries)
	if err != nil {
		return err
	}
	for _, name := range sorted {
		init, ok := any(entries[name]).(Initializer)
		if !ok {
			continue
		}
		if err := init.Ready(ctx); err != nil {
			return fmt.Errorf("%s: initialize %q: %w", r.kind, name, err)
		}
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	logger.Debugf("%s registry initialized with %d entries", r.kind, len(sorted))
	return nil
}

// Adopt copies every entry of child into r, requalifying each under
// childID. The registry must have been built with WithAdopter.
func (r *Registry[T]) Adopt(childID string, child *Registry[T]) error {
	if r.adopt == nil {
		return fmt.Errorf("%s registry cannot adopt", r.kind)
	}
	for _, entry := range child.List() {
		qualified := QualifyName(childID, qualifiedNameOf(entry))
		if err := r.Register(r.adopt(entry, qualified)); err != nil {
			return err
		}
	}
	return nil
}

func qualifiedNameOf[T Entry](entry T) string {
	if q, ok := any(entry).(Qualified); ok && q.EntryQualifiedName() != "" {
		return q.EntryQualifiedName()
	}
	return entry.EntryName()
}

// topoSort orders names so that dependencies come before dependents,
// keeping registration order among independent entries.
func topoSort[T Entry](kind string, order []string, entries map[string]T) ([]string, error) {
	for _, name := range order {
		for _, dep := range entries[name].EntryDependsOn() {
			if _, ok := entries[dep]; !ok {
				return nil, fmt.Errorf("%s: %q depends on %q: %w", kind, name, dep, ErrUnknownDependency)
			}
		}
	}

	done := make(map[string]bool, len(order))
	sorted := make([]string, 0, len(order))
	for len(sorted) < len(order) {
		progressed := false
		for _, name := range order {
			if done[name] {
				continue
			}
			ready := true
			for _, dep := range entries[name].EntryDependsOn() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				sorted = append(sorted, name)
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for _, name := range order {
				if !done[name] {
					stuck = append(stuck, name)
				}
			}
			return nil, fmt.Errorf("%s: %w among %v", kind, ErrDependencyCycle, stuck)
		}
	}
	return sorted, nil
}

// Subscription is the handle returned by Subscribe. Close is idempotent.
type Subscription struct {
	once  sync.Once
	close func()
}

// Close unregisters the subscriber. Events already being delivered may
// still arrive.
func (s *Subscription) Close() error {
	s.once.Do(s.close)
	return nil
}

// Subscribe registers fn for change notifications. Events are delivered
// synchronously in the mutating goroutine.
func (r *Registry[T]) Subscribe(fn func(Event[T])) *Subscription {
	sub := &Subscription{}
	sub.close = func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.subs[sub] = fn
	r.mu.Unlock()
	return sub
}

func (r *Registry[T]) publish(ev Event[T]) {
	r.mu.RLock()
	fns := make([]func(Event[T]), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
