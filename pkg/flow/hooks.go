// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"fmt"
	"sort"
)

// HookKind classifies when a hook runs relative to its stage.
type HookKind string

const (
	// HookWill runs before the stage and may short-circuit it.
	HookWill HookKind = "will"
	// HookDid runs after the stage.
	HookDid HookKind = "did"
	// HookAround wraps the stage executor. Higher priority wraps outermost.
	HookAround HookKind = "around"
	// HookOnError runs when a failure escapes the stage. Respond does not
	// trigger it.
	HookOnError HookKind = "on-error"

	// HookBefore and HookAfter are accepted aliases, folded to will and
	// did during normalization.
	HookBefore HookKind = "before"
	HookAfter  HookKind = "after"
)

// HookFunc is the body of a will, did or on-error hook.
type HookFunc func(ctx context.Context, fc *Ctx) error

// AroundFunc wraps a stage. Implementations must call next exactly once
// unless they intend to suppress the stage.
type AroundFunc func(ctx context.Context, fc *Ctx, next func() error) error

// Hook binds a handler to (flow, stage) with a priority. Flow and Stage
// accept Wildcard.
type Hook struct {
	// Name identifies the hook in logs.
	Name     string
	Flow     string
	Stage    string
	Kind     HookKind
	Priority int

	// Func is the handler for will, did and on-error hooks.
	Func HookFunc
	// Around is the handler for around hooks.
	Around AroundFunc
	// Filter skips the hook for this invocation when it reports false.
	Filter func(fc *Ctx) bool

	// seq is the collection order, used as the stable tie-break.
	seq int
}

// Normalize folds alias kinds and fills defaults. It returns an error for
// a hook whose kind and handler do not line up.
func (h Hook) Normalize() (Hook, error) {
	switch h.Kind {
	case HookBefore:
		h.Kind = HookWill
	case HookAfter:
		h.Kind = HookDid
	case HookWill, HookDid, HookAround, HookOnError:
	default:
		return h, fmt.Errorf("hook %q: unknown kind %q", h.Name, h.Kind)
	}
	if h.Flow == "" {
		h.Flow = Wildcard
	}
	if h.Stage == "" {
		return h, fmt.Errorf("hook %q: no stage", h.Name)
	}
	if h.Kind == HookAround {
		if h.Around == nil {
			return h, fmt.Errorf("hook %q: around hook without wrapper", h.Name)
		}
	} else if h.Func == nil {
		return h, fmt.Errorf("hook %q: no handler", h.Name)
	}
	return h, nil
}

func (h Hook) matchesFlow(flowName string) bool {
	return h.Flow == Wildcard || h.Flow == flowName
}

func (h Hook) matchesStage(stage string) bool {
	return h.Stage == Wildcard || h.Stage == stage
}

func (h Hook) skipped(fc *Ctx) bool {
	return h.Filter != nil && !h.Filter(fc)
}

// stageHooks are the hooks applicable to one stage, presorted: wills and
// arounds by priority descending, dids and on-errors ascending. Ties keep
// collection order.
type stageHooks struct {
	wills    []Hook
	arounds  []Hook
	dids     []Hook
	onErrors []Hook
}

func hooksForStage(hooks []Hook, stage string) stageHooks {
	var sh stageHooks
	for _, h := range hooks {
		if !h.matchesStage(stage) {
			continue
		}
		switch h.Kind {
		case HookWill:
			sh.wills = append(sh.wills, h)
		case HookAround:
			sh.arounds = append(sh.arounds, h)
		case HookDid:
			sh.dids = append(sh.dids, h)
		case HookOnError:
			sh.onErrors = append(sh.onErrors, h)
		}
	}
	sortHooks(sh.wills, false)
	sortHooks(sh.arounds, false)
	sortHooks(sh.dids, true)
	sortHooks(sh.onErrors, true)
	return sh
}

func sortHooks(hooks []Hook, ascending bool) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			if ascending {
				return hooks[i].Priority < hooks[j].Priority
			}
			return hooks[i].Priority > hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
}
