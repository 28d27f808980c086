// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugins defines the contribution unit a scope installs with Use.
// A plugin bundles flow hooks, provider records and tools; the scope fans
// each contribution out to the matching registry.
package plugins

import (
	"context"
	"fmt"

	"github.com/gantry-mcp/gantry/pkg/flow"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
	"github.com/gantry-mcp/gantry/pkg/tools"
)

// Plugin bundles related gateway extensions under one name.
type Plugin struct {
	// Name identifies the plugin in its registry and in logs.
	Name string

	// DependsOn names plugins that must initialize first.
	DependsOn []string

	// Hooks attach to flows served by the scope the plugin is installed
	// on and its descendants.
	Hooks []flow.Hook

	// Providers are registered on the scope's provider registry.
	Providers []provider.Record

	// Tools are registered on the scope's tool registry.
	Tools []*tools.Tool

	// Setup, when set, runs during registry initialization, after the
	// plugins this one depends on.
	Setup func(ctx context.Context) error
}

// EntryName implements registry.Entry.
func (p *Plugin) EntryName() string { return p.Name }

// EntryDependsOn implements registry.Entry.
func (p *Plugin) EntryDependsOn() []string { return p.DependsOn }

// Ready implements registry.Initializer.
func (p *Plugin) Ready(ctx context.Context) error {
	if p.Setup == nil {
		return nil
	}
	return p.Setup(ctx)
}

// FlowHooks returns the plugin's hooks that bind to flowName, normalized.
func (p *Plugin) FlowHooks(flowName string) []flow.Hook {
	var out []flow.Hook
	for _, h := range p.Hooks {
		if h.Flow == flowName || h.Flow == flow.Wildcard {
			out = append(out, h)
		}
	}
	return out
}

// Registry stores plugins by name.
type Registry = registry.Registry[*Plugin]

// NewRegistry returns a plugin registry that validates hook bindings on
// registration.
func NewRegistry(opts ...registry.Option[*Plugin]) *Registry {
	base := []registry.Option[*Plugin]{
		registry.WithNormalizer(normalizePlugin),
	}
	return registry.New[*Plugin]("plugins", append(base, opts...)...)
}

func normalizePlugin(p *Plugin) (*Plugin, error) {
	if p == nil {
		return nil, fmt.Errorf("nil plugin")
	}
	if p.Name == "" {
		return nil, fmt.Errorf("plugin has no name")
	}
	for i, h := range p.Hooks {
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s/%s-%s", p.Name, h.Kind, h.Stage)
		}
		normalized, err := h.Normalize()
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		p.Hooks[i] = normalized
	}
	return p, nil
}
