// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package resources defines resource records, their registry and the flows
// behind resources/read, resources/subscribe and the two list methods.
// Records are keyed by name like tools; the URI (or URI template) is an
// attribute, and reads match exact URIs before templates.
package resources

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
)

// ReadRequest is handed to a resource reader.
type ReadRequest struct {
	// URI is the concrete URI being read.
	URI string

	// Vars holds the template variable values for template-backed
	// resources. Empty for exact resources.
	Vars map[string]string

	SessionID string
	RequestID string
	Principal *core.Principal

	// Views are the provider views for this request.
	Views *provider.Views
}

// Reader produces the contents of a resource.
type Reader func(ctx context.Context, req *ReadRequest) ([]mcp.ResourceContents, error)

// Resource is one registered resource or resource template.
type Resource struct {
	// Name is the short name the resource was registered under.
	Name string

	// QualifiedName is the lineage-qualified id, set when a parent scope
	// adopts the resource.
	QualifiedName string

	// URI is the exact resource URI. Empty for template records.
	URI string

	// Template is a URI template pattern. {var} matches one path segment,
	// {+var} matches across segments.
	Template string

	Description string
	MIMEType    string

	// DependsOn names resources that must initialize first.
	DependsOn []string

	// Read produces the contents.
	Read Reader

	// matcher is the compiled Template, filled during normalization.
	matcher *templateMatcher
}

// ID returns the name the resource answers to: the qualified name once
// adopted, the short name otherwise.
func (r *Resource) ID() string {
	if r.QualifiedName != "" {
		return r.QualifiedName
	}
	return r.Name
}

// EntryName implements registry.Entry.
func (r *Resource) EntryName() string { return r.ID() }

// EntryDependsOn implements registry.Entry.
func (r *Resource) EntryDependsOn() []string { return r.DependsOn }

// EntryQualifiedName implements registry.Qualified.
func (r *Resource) EntryQualifiedName() string { return r.ID() }

// IsTemplate reports whether the record matches by pattern instead of an
// exact URI.
func (r *Resource) IsTemplate() bool { return r.Template != "" }

// McpResource converts an exact record to its wire form.
func (r *Resource) McpResource() mcp.Resource {
	return mcp.Resource{
		URI:         r.URI,
		Name:        r.ID(),
		Description: r.Description,
		MIMEType:    r.MIMEType,
	}
}

// McpTemplate converts a template record to its wire form.
func (r *Resource) McpTemplate() mcp.ResourceTemplate {
	opts := []mcp.ResourceTemplateOption{}
	if r.Description != "" {
		opts = append(opts, mcp.WithTemplateDescription(r.Description))
	}
	if r.MIMEType != "" {
		opts = append(opts, mcp.WithTemplateMIMEType(r.MIMEType))
	}
	return mcp.NewResourceTemplate(r.Template, r.ID(), opts...)
}

// Match reports whether uri is served by this record and returns the
// template variable values.
func (r *Resource) Match(uri string) (map[string]string, bool) {
	if !r.IsTemplate() {
		if r.URI == uri {
			return nil, true
		}
		return nil, false
	}
	return r.matcher.match(uri)
}

// Registry stores resources by id.
type Registry = registry.Registry[*Resource]

// NewRegistry returns a resource registry that normalizes records on
// registration and requalifies adopted entries.
func NewRegistry(opts ...registry.Option[*Resource]) *Registry {
	base := []registry.Option[*Resource]{
		registry.WithNormalizer(normalizeResource),
		registry.WithAdopter(adoptResource),
	}
	return registry.New[*Resource]("resources", append(base, opts...)...)
}

func normalizeResource(r *Resource) (*Resource, error) {
	if r == nil {
		return nil, fmt.Errorf("nil resource")
	}
	if r.Name == "" {
		return nil, fmt.Errorf("resource has no name")
	}
	if r.URI == "" && r.Template == "" {
		return nil, fmt.Errorf("resource %s has neither URI nor template", r.Name)
	}
	if r.URI != "" && r.Template != "" {
		return nil, fmt.Errorf("resource %s has both URI and template", r.Name)
	}
	if r.Read == nil {
		return nil, fmt.Errorf("resource %s has no reader", r.Name)
	}
	if r.Template != "" {
		matcher, err := compileTemplate(r.Template)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Name, err)
		}
		r.matcher = matcher
	}
	return r, nil
}

func adoptResource(r *Resource, qualified string) *Resource {
	clone := *r
	clone.QualifiedName = qualified
	return &clone
}

// templateMatcher matches URIs against a compiled URI template.
type templateMatcher struct {
	re   *regexp.Regexp
	vars []string
}

var templateVarPattern = regexp.MustCompile(`\{(\+?)([A-Za-z0-9_]+)\}`)

// compileTemplate turns a URI template into a matcher. {var} captures one
// path segment, {+var} captures greedily across segments.
func compileTemplate(pattern string) (*templateMatcher, error) {
	locs := templateVarPattern.FindAllStringSubmatchIndex(pattern, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("template %q has no variables", pattern)
	}

	var sb strings.Builder
	sb.WriteString("^")
	var vars []string
	last := 0
	for _, loc := range locs {
		sb.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		greedy := pattern[loc[2]:loc[3]] == "+"
		name := pattern[loc[4]:loc[5]]
		vars = append(vars, name)
		if greedy {
			sb.WriteString("(.+)")
		} else {
			sb.WriteString("([^/]+)")
		}
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(pattern[last:]))
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", pattern, err)
	}
	return &templateMatcher{re: re, vars: vars}, nil
}

func (m *templateMatcher) match(uri string) (map[string]string, bool) {
	groups := m.re.FindStringSubmatch(uri)
	if groups == nil {
		return nil, false
	}
	vars := make(map[string]string, len(m.vars))
	for i, name := range m.vars {
		vars[name] = groups[i+1]
	}
	return vars, true
}
