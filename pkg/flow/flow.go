// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package flow runs named flows as ordered stage plans with plugin hooks.
// Hooks attach to (flow, stage, priority) and can observe, wrap or
// short-circuit a stage. Control signals from pkg/core steer the run:
// Respond ends the flow early as success, Abort and RetryAfter end it as
// failure, and the finalize stage runs exactly once either way.
package flow

import (
	"context"
	"encoding/json"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/provider"
	"github.com/gantry-mcp/gantry/pkg/registry"
)

// Stage names with engine-reserved semantics. Post is skipped on failure,
// finalize is never skipped.
const (
	StagePost     = "post"
	StageFinalize = "finalize"
)

// Wildcard matches every flow or stage in a hook binding.
const Wildcard = "*"

// StageFunc is the executor of one stage.
type StageFunc func(ctx context.Context, fc *Ctx) error

// Flow is one named run plan. Flows are registry entries; the dispatcher
// looks them up by method name.
type Flow struct {
	// Name identifies the flow, e.g. "tools:call-tool".
	Name string
	// DependsOn names flows that must initialize first.
	DependsOn []string
	// RunPlan is the ordered list of stage names.
	RunPlan []string
	// Stages maps stage names to executors. A stage missing from the map
	// is hook-only.
	Stages map[string]StageFunc
	// InputSchema and OutputSchema document the flow's wire contract.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// EntryName implements registry.Entry.
func (f *Flow) EntryName() string { return f.Name }

// EntryDependsOn implements registry.Entry.
func (f *Flow) EntryDependsOn() []string { return f.DependsOn }

// Registry stores flows by name.
type Registry = registry.Registry[*Flow]

// NewRegistry returns an empty flow registry.
func NewRegistry(opts ...registry.Option[*Flow]) *Registry {
	return registry.New[*Flow]("flows", opts...)
}

// Ctx is the per-invocation context handed to stages and hooks. A single
// invocation is single-threaded from the hook's point of view, so fields
// are mutated without locking.
type Ctx struct {
	// Input is the parsed request payload.
	Input any
	// State is scratch space populated by earlier stages for later ones.
	State map[string]any
	// Views are the provider views materialized for this request.
	Views *provider.Views
	// Output is the flow result. Respond sets it directly.
	Output any
	// Err holds the failure being handled, for on-error hooks.
	Err error

	SessionID string
	RequestID string
	Principal *core.Principal
}

// NewCtx returns a Ctx with initialized scratch space.
func NewCtx(input any, views *provider.Views) *Ctx {
	return &Ctx{
		Input: input,
		State: make(map[string]any),
		Views: views,
	}
}
