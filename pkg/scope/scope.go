// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package scope arranges the gateway's registries into a tree. A scope
// owns one registry per record kind plus a provider registry forked from
// its parent; name resolution walks child to parent with the first
// binding winning, and initialization adopts each child's tools,
// resources and prompts into the parent under lineage-qualified names.
package scope

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/plugins"
	"github.com/gantry-mcp/gantry/pkg/prompts"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
	"github.com/gantry-mcp/gantry/pkg/resources"
	"github.com/gantry-mcp/gantry/pkg/skills"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// Scope is one node of the tree: the server scope at the root, app
// scopes below it, and optional sub-scopes below those.
type Scope struct {
	name   string
	parent *Scope

	providers *provider.Registry
	container *provider.Container
	tools     *tools.Registry
	resources *resources.Registry
	prompts   *prompts.Registry
	flows     *flow.Registry
	plugins   *plugins.Registry
	skills    skills.Registry

	hotReload bool

	mu          sync.RWMutex
	children    []*Scope
	initialized bool
	destroyed   bool
}

var _ flow.HookSource = (*Scope)(nil)

// Option configures a scope at construction.
type Option func(*Scope)

// WithSkillRegistry attaches a skill registry. Descendants without their
// own inherit it.
func WithSkillRegistry(reg skills.Registry) Option {
	return func(s *Scope) { s.skills = reg }
}

// WithHotReload keeps the scope's registries open for registration after
// Init. Without it, Init freezes them.
func WithHotReload() Option {
	return func(s *Scope) { s.hotReload = true }
}

// New returns a root scope. An empty name defaults to "server".
func New(name string, opts ...Option) *Scope {
	return newScope(name, nil, opts)
}

func newScope(name string, parent *Scope, opts []Option) *Scope {
	if name == "" {
		name = "server"
	}
	s := &Scope{name: name, parent: parent}
	for _, opt := range opts {
		opt(s)
	}

	if parent != nil {
		s.providers = parent.providers.Fork()
	} else {
		s.providers = provider.NewRegistry()
	}
	s.container = provider.NewContainer(s.providers)

	if s.hotReload {
		s.tools = tools.NewRegistry(registry.WithLateRegistration[*tools.Tool]())
		s.resources = resources.NewRegistry(registry.WithLateRegistration[*resources.Resource]())
		s.prompts = prompts.NewRegistry(registry.WithLateRegistration[*prompts.Prompt]())
		s.plugins = plugins.NewRegistry(registry.WithLateRegistration[*plugins.Plugin]())
		s.flows = flow.NewRegistry(registry.WithLateRegistration[*flow.Flow]())
	} else {
		s.tools = tools.NewRegistry()
		s.resources = resources.NewRegistry()
		s.prompts = prompts.NewRegistry()
		s.plugins = plugins.NewRegistry()
		s.flows = flow.NewRegistry()
	}
	return s
}

// Child creates a sub-scope. Children must be added before Init so the
// parent can adopt their contributions; scope names must not contain
// dots, which separate lineage segments in qualified names.
func (s *Scope) Child(name string, opts ...Option) (*Scope, error) {
	if name == "" {
		return nil, fmt.Errorf("scope %s: child name is required", s.Path())
	}
	if strings.Contains(name, ".") {
		return nil, fmt.Errorf("scope %s: child name %q must not contain dots", s.Path(), name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, fmt.Errorf("scope %s is destroyed", s.Path())
	}
	if s.initialized {
		return nil, fmt.Errorf("scope %s is initialized; children must be added before Init", s.Path())
	}
	for _, c := range s.children {
		if c.name == name {
			return nil, fmt.Errorf("scope %s already has child %q", s.Path(), name)
		}
	}

	child := newScope(name, s, opts)
	s.children = append(s.children, child)
	return child, nil
}

// Name returns the scope's own segment.
func (s *Scope) Name() string { return s.name }

// Path returns the dot-joined lineage from the root.
func (s *Scope) Path() string {
	if s.parent == nil {
		return s.name
	}
	return s.parent.Path() + "." + s.name
}

// Parent returns the enclosing scope, nil at the root.
func (s *Scope) Parent() *Scope { return s.parent }

// Providers returns the scope's provider registry.
func (s *Scope) Providers() *provider.Registry { return s.providers }

// Tools returns the scope's tool registry.
func (s *Scope) Tools() *tools.Registry { return s.tools }

// Resources returns the scope's resource registry.
func (s *Scope) Resources() *resources.Registry { return s.resources }

// Prompts returns the scope's prompt registry.
func (s *Scope) Prompts() *prompts.Registry { return s.prompts }

// Flows returns the scope's flow registry.
func (s *Scope) Flows() *flow.Registry { return s.flows }

// Plugins returns the scope's plugin registry.
func (s *Scope) Plugins() *plugins.Registry { return s.plugins }

// Skills returns the nearest skill registry up the tree, nil when none
// is attached.
func (s *Scope) Skills() skills.Registry {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.skills != nil {
			return cur.skills
		}
	}
	return nil
}

// Views materializes the provider views for a session at this scope.
// Bindings registered here shadow the parent chain.
func (s *Scope) Views(sessionID string) *provider.Views {
	return s.container.Views(sessionID)
}

// DropSession releases the memoized session views of this scope and its
// descendants.
func (s *Scope) DropSession(sessionID string) {
	s.container.DropSession(sessionID)
	for _, child := range s.childList() {
		child.DropSession(sessionID)
	}
}

// Use installs a plugin: the record lands in the plugin registry, its
// provider records on the provider registry, and its tools on the tool
// registry. Hooks stay on the record and reach the engine through
// FlowHooks.
func (s *Scope) Use(p *plugins.Plugin) error {
	if err := s.plugins.Register(p); err != nil {
		return fmt.Errorf("scope %s: %w", s.Path(), err)
	}
	for _, rec := range p.Providers {
		if err := s.providers.Register(rec); err != nil {
			return fmt.Errorf("scope %s: plugin %s: %w", s.Path(), p.Name, err)
		}
	}
	if err := s.tools.Register(p.Tools...); err != nil {
		return fmt.Errorf("scope %s: plugin %s: %w", s.Path(), p.Name, err)
	}
	return nil
}

// Init readies the subtree bottom-up: children first, then adoption of
// their tools, resources and prompts under each child's name, then this
// scope's own registries with plugins ahead of the record registries so
// plugin setup can still register records. Without hot reload the
// provider registry freezes afterwards.
func (s *Scope) Init(ctx context.Context) error {
	s.mu.RLock()
	if s.destroyed {
		s.mu.RUnlock()
		return fmt.Errorf("scope %s is destroyed", s.Path())
	}
	if s.initialized {
		s.mu.RUnlock()
		return nil
	}
	children := append([]*Scope(nil), s.children...)
	s.mu.RUnlock()

	for _, child := range children {
		if err := child.Init(ctx); err != nil {
			return err
		}
	}
	for _, child := range children {
		if err := s.tools.Adopt(child.name, child.tools); err != nil {
			return fmt.Errorf("scope %s: adopt tools of %s: %w", s.Path(), child.name, err)
		}
		if err := s.resources.Adopt(child.name, child.resources); err != nil {
			return fmt.Errorf("scope %s: adopt resources of %s: %w", s.Path(), child.name, err)
		}
		if err := s.prompts.Adopt(child.name, child.prompts); err != nil {
			return fmt.Errorf("scope %s: adopt prompts of %s: %w", s.Path(), child.name, err)
		}
	}

	if err := s.plugins.Init(ctx); err != nil {
		return fmt.Errorf("scope %s: %w", s.Path(), err)
	}
	for _, init := range []interface {
		Init(context.Context) error
	}{s.tools, s.resources, s.prompts, s.flows} {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("scope %s: %w", s.Path(), err)
		}
	}

	if !s.hotReload {
		s.providers.Freeze()
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Initialized reports whether Init completed on this scope.
func (s *Scope) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Destroy detaches the scope from its parent and tears down its subtree,
// children before self.
func (s *Scope) Destroy() {
	s.mu.Lock()
	children := s.children
	s.children = nil
	s.destroyed = true
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Destroy()
	}
	if s.parent != nil {
		s.parent.removeChild(s)
	}
}

func (s *Scope) removeChild(child *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

func (s *Scope) childList() []*Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Scope(nil), s.children...)
}

// FindFlow resolves a flow name against this scope and its ancestors.
func (s *Scope) FindFlow(name string) (*flow.Flow, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if f, ok := cur.flows.Find(name); ok {
			return f, true
		}
	}
	return nil, false
}

// FindTool resolves a tool id against this scope and its ancestors.
func (s *Scope) FindTool(name string) (*tools.Tool, bool) {
	return toolFinder{s}.FindQualified(name)
}

// FlowHooks implements flow.HookSource: the scope's own plugin hooks and
// tool-bound hooks, then its ancestors'. The engine's priority sort
// decides execution order; collection order only breaks ties.
func (s *Scope) FlowHooks(flowName string) []flow.Hook {
	var out []flow.Hook
	for cur := s; cur != nil; cur = cur.parent {
		for _, p := range cur.plugins.List() {
			out = append(out, p.FlowHooks(flowName)...)
		}
		for _, t := range cur.tools.List() {
			for _, h := range t.BindHooks() {
				if h.Flow == flowName || h.Flow == flow.Wildcard {
					out = append(out, h)
				}
			}
		}
	}
	return out
}

// ToolFinder returns the chain-walking finder for the tool pipeline.
func (s *Scope) ToolFinder() tools.Finder { return toolFinder{s} }

// ResourceFinder returns the chain-walking finder for the resource
// pipeline.
func (s *Scope) ResourceFinder() resources.Finder { return resourceFinder{s} }

// PromptFinder returns the chain-walking finder for the prompt pipeline.
func (s *Scope) PromptFinder() prompts.Finder { return promptFinder{s} }

type toolFinder struct{ s *Scope }

func (f toolFinder) FindQualified(name string) (*tools.Tool, bool) {
	for cur := f.s; cur != nil; cur = cur.parent {
		if t, ok := cur.tools.FindQualified(name); ok {
			return t, true
		}
	}
	return nil, false
}

func (f toolFinder) List() []*tools.Tool {
	return listChain(f.s,
		func(s *Scope) []*tools.Tool { return s.tools.List() },
		func(t *tools.Tool) string { return t.ID() })
}

type resourceFinder struct{ s *Scope }

func (f resourceFinder) List() []*resources.Resource {
	return listChain(f.s,
		func(s *Scope) []*resources.Resource { return s.resources.List() },
		func(r *resources.Resource) string { return r.ID() })
}

type promptFinder struct{ s *Scope }

func (f promptFinder) FindQualified(name string) (*prompts.Prompt, bool) {
	for cur := f.s; cur != nil; cur = cur.parent {
		if p, ok := cur.prompts.FindQualified(name); ok {
			return p, true
		}
	}
	return nil, false
}

func (f promptFinder) List() []*prompts.Prompt {
	return listChain(f.s,
		func(s *Scope) []*prompts.Prompt { return s.prompts.List() },
		func(p *prompts.Prompt) string { return p.ID() })
}

// listChain merges the per-scope lists child to parent. At each ancestor
// the entries it adopted from the scope one step back down the path are
// skipped: those duplicate records already listed under shorter names.
// Everything else an ancestor holds, including records adopted from
// sibling subtrees, stays visible under its qualified name.
func listChain[T any](s *Scope, list func(*Scope) []T, id func(T) string) []T {
	var out []T
	seen := make(map[string]struct{})
	skip := ""
	for cur := s; cur != nil; cur = cur.parent {
		for _, entry := range list(cur) {
			eid := id(entry)
			if skip != "" && strings.HasPrefix(eid, skip) {
				continue
			}
			if _, dup := seen[eid]; dup {
				continue
			}
			seen[eid] = struct{}{}
			out = append(out, entry)
		}
		skip = cur.name + "."
	}
	return out
}
