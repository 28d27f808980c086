// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package skills provides the gateway's skill discovery surface: the
// registry contract the skills flows consume, a SQLite FTS5 index as the
// default implementation, and the per-session gate that skill-gated tool
// invocations consult.
package skills

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks -source=skills.go Registry

// ErrNotFound is returned when a skill id does not resolve.
var ErrNotFound = errors.New("skill not found")

// Skill is one entry in the discovery corpus. Instructions carry the
// skill body; Tools names the tool ids the skill drives.
type Skill struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// RankedSkill is a search match. Score grows with relevance. Search
// results carry skill summaries; Instructions stay empty until load.
type RankedSkill struct {
	Skill *Skill  `json:"skill"`
	Score float64 `json:"score"`
}

// SearchOptions tunes a search call.
type SearchOptions struct {
	// Limit caps the number of matches. Zero means DefaultMaxResults.
	Limit int
}

// ListOptions filters a list call.
type ListOptions struct {
	// Tag restricts the listing to skills carrying the tag.
	Tag string
	// Limit caps the listing. Zero means unbounded.
	Limit int
}

// LoadResult is the outcome of loading a skill: the full record plus the
// availability of every tool it references, computed against the serving
// scope's tool registry.
type LoadResult struct {
	Skill          *Skill   `json:"skill"`
	AvailableTools []string `json:"availableTools"`
	MissingTools   []string `json:"missingTools,omitempty"`
	IsComplete     bool     `json:"isComplete"`
	Warning        string   `json:"warning,omitempty"`
}

// Registry is the discovery contract the gateway consumes. The corpus
// and ranking backend live behind it; Index is the built-in
// implementation.
type Registry interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]RankedSkill, error)
	Load(ctx context.Context, id string) (*LoadResult, error)
	List(ctx context.Context, opts ListOptions) ([]*Skill, error)
}
