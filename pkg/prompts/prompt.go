// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package prompts defines prompt records, their registry and the flows
// behind prompts/get, prompts/list and completion/complete.
package prompts

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
)

// Completer suggests values for one prompt argument given the partial
// value typed so far.
type Completer func(ctx context.Context, prefix string) ([]string, error)

// Argument declares one prompt argument.
type Argument struct {
	Name        string
	Description string
	Required    bool

	// Complete powers completion/complete for this argument. Optional.
	Complete Completer
}

// GetRequest is handed to a prompt renderer.
type GetRequest struct {
	// Name is the id the prompt was requested under.
	Name string

	// Arguments holds the validated argument values.
	Arguments map[string]string

	SessionID string
	RequestID string
	Principal *core.Principal

	// Views are the provider views for this request.
	Views *provider.Views
}

// Renderer produces the prompt messages.
type Renderer func(ctx context.Context, req *GetRequest) (*mcp.GetPromptResult, error)

// Prompt is one registered prompt.
type Prompt struct {
	// Name is the short name the prompt was registered under.
	Name string

	// QualifiedName is the lineage-qualified id, set when a parent scope
	// adopts the prompt.
	QualifiedName string

	Description string
	Arguments   []Argument

	// DependsOn names prompts that must initialize first.
	DependsOn []string

	// Render produces the messages.
	Render Renderer
}

// ID returns the name the prompt answers to: the qualified name once
// adopted, the short name otherwise.
func (p *Prompt) ID() string {
	if p.QualifiedName != "" {
		return p.QualifiedName
	}
	return p.Name
}

// EntryName implements registry.Entry.
func (p *Prompt) EntryName() string { return p.ID() }

// EntryDependsOn implements registry.Entry.
func (p *Prompt) EntryDependsOn() []string { return p.DependsOn }

// EntryQualifiedName implements registry.Qualified.
func (p *Prompt) EntryQualifiedName() string { return p.ID() }

// McpPrompt converts the record to its wire form for prompts/list.
func (p *Prompt) McpPrompt() mcp.Prompt {
	out := mcp.Prompt{
		Name:        p.ID(),
		Description: p.Description,
	}
	for _, arg := range p.Arguments {
		out.Arguments = append(out.Arguments, mcp.PromptArgument{
			Name:        arg.Name,
			Description: arg.Description,
			Required:    arg.Required,
		})
	}
	return out
}

// Argument returns the declared argument named name.
func (p *Prompt) Argument(name string) (Argument, bool) {
	for _, arg := range p.Arguments {
		if arg.Name == name {
			return arg, true
		}
	}
	return Argument{}, false
}

// Registry stores prompts by id.
type Registry = registry.Registry[*Prompt]

// NewRegistry returns a prompt registry that normalizes records on
// registration and requalifies adopted entries.
func NewRegistry(opts ...registry.Option[*Prompt]) *Registry {
	base := []registry.Option[*Prompt]{
		registry.WithNormalizer(normalizePrompt),
		registry.WithAdopter(adoptPrompt),
	}
	return registry.New[*Prompt]("prompts", append(base, opts...)...)
}

func normalizePrompt(p *Prompt) (*Prompt, error) {
	if p == nil {
		return nil, fmt.Errorf("nil prompt")
	}
	if p.Name == "" {
		return nil, fmt.Errorf("prompt has no name")
	}
	if p.Render == nil {
		return nil, fmt.Errorf("prompt %s has no renderer", p.Name)
	}
	seen := make(map[string]bool, len(p.Arguments))
	for _, arg := range p.Arguments {
		if arg.Name == "" {
			return nil, fmt.Errorf("prompt %s has a nameless argument", p.Name)
		}
		if seen[arg.Name] {
			return nil, fmt.Errorf("prompt %s declares argument %q twice", p.Name, arg.Name)
		}
		seen[arg.Name] = true
	}
	return p, nil
}

func adoptPrompt(p *Prompt, qualified string) *Prompt {
	clone := *p
	clone.QualifiedName = qualified
	return &clone
}
