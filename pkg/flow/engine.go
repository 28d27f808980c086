// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/reqctx"
)

// HookSource supplies hooks for a flow at run time. Scopes implement it
// over their plugin registries.
type HookSource interface {
	FlowHooks(flowName string) []Hook
}

// Engine executes flows. One engine serves the whole process; independent
// invocations run concurrently while a single invocation stays
// single-threaded for its hooks.
type Engine struct {
	mu      sync.RWMutex
	globals []Hook
}

// NewEngine returns an engine with no global hooks.
func NewEngine() *Engine {
	return &Engine{}
}

// RegisterHook adds a hook that applies to every run, regardless of
// scope. The hook is normalized first.
func (e *Engine) RegisterHook(h Hook) error {
	normalized, err := h.Normalize()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.globals = append(e.globals, normalized)
	e.mu.Unlock()
	return nil
}

// Run executes f's run plan against fc. Hooks come from the sources in
// order (innermost scope first) followed by the engine's global hooks;
// that collection order is the tie-break for equal priorities.
//
// Control signals steer the plan: Respond records fc.Output and skips
// ahead to post, Abort and RetryAfter skip to finalize and are returned
// to the caller. The finalize stage runs exactly once in every outcome.
func (e *Engine) Run(ctx context.Context, f *Flow, fc *Ctx, sources ...HookSource) error {
	hooks := e.collect(f.Name, sources)

	var responded bool
	var failure error

	for _, stage := range f.RunPlan {
		if failure != nil && stage != StageFinalize {
			continue
		}
		if responded && stage != StagePost && stage != StageFinalize {
			continue
		}

		err := runStage(ctx, f, fc, stage, hooks)
		if err == nil {
			continue
		}

		var respond *core.Respond
		if errors.As(err, &respond) {
			fc.Output = respond.Value
			responded = true
			continue
		}

		if !core.IsControl(err) {
			err = fmt.Errorf("flow %s: stage %s: %w", f.Name, stage, err)
		}
		fc.Err = err
		if failure == nil {
			failure = err
		}
		runOnError(ctx, fc, stage, hooks)
	}

	return failure
}

func (e *Engine) collect(flowName string, sources []HookSource) []Hook {
	var out []Hook
	for _, src := range sources {
		for _, h := range src.FlowHooks(flowName) {
			if h.matchesFlow(flowName) {
				out = append(out, h)
			}
		}
	}
	e.mu.RLock()
	for _, h := range e.globals {
		if h.matchesFlow(flowName) {
			out = append(out, h)
		}
	}
	e.mu.RUnlock()
	for i := range out {
		out[i].seq = i
	}
	return out
}

func runStage(ctx context.Context, f *Flow, fc *Ctx, stage string, hooks []Hook) error {
	sh := hooksForStage(hooks, stage)

	for _, h := range sh.wills {
		if h.skipped(fc) {
			continue
		}
		if err := h.Func(ctx, fc); err != nil {
			return err
		}
	}

	exec := f.Stages[stage]
	handler := func() error {
		if exec == nil {
			return nil
		}
		return exec(ctx, fc)
	}
	// Compose wrappers innermost first so the highest priority ends up
	// outermost.
	for i := len(sh.arounds) - 1; i >= 0; i-- {
		h := sh.arounds[i]
		if h.skipped(fc) {
			continue
		}
		next := handler
		handler = func() error { return h.Around(ctx, fc, next) }
	}
	if err := handler(); err != nil {
		return err
	}

	for _, h := range sh.dids {
		if h.skipped(fc) {
			continue
		}
		if err := h.Func(ctx, fc); err != nil {
			return err
		}
	}
	return nil
}

// runOnError fans the failure out to the stage's on-error hooks. Their
// own errors are logged and swallowed so the original failure survives.
func runOnError(ctx context.Context, fc *Ctx, stage string, hooks []Hook) {
	for _, h := range hooksForStage(hooks, stage).onErrors {
		if h.skipped(fc) {
			continue
		}
		if err := h.Func(ctx, fc); err != nil {
			reqctx.Logger(ctx).Warnw("on-error hook failed",
				"hook", h.Name, "stage", stage, "error", err)
		}
	}
}
