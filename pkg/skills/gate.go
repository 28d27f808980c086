// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"context"
	"sync"

	"github.com/gantry-mcp/gantry/pkg/tools"
)

// SessionGate tracks which skills each session has loaded. The tool
// pipeline consults it before invoking skill-gated tools, so a tool with
// RequiredSkill is callable only after the session ran skills/load for
// that skill.
type SessionGate struct {
	mu     sync.RWMutex
	loaded map[string]map[string]struct{}
}

var _ tools.SkillGate = (*SessionGate)(nil)

// NewSessionGate returns an empty gate.
func NewSessionGate() *SessionGate {
	return &SessionGate{loaded: make(map[string]map[string]struct{})}
}

// MarkLoaded records that the session loaded the skill. Sessionless
// requests cannot load skills; an empty session id is ignored so
// stateless calls never unlock gated tools for each other.
func (g *SessionGate) MarkLoaded(sessionID, skillID string) {
	if sessionID == "" || skillID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.loaded[sessionID]
	if !ok {
		set = make(map[string]struct{})
		g.loaded[sessionID] = set
	}
	set[skillID] = struct{}{}
}

// Allowed reports whether the session has the skill loaded.
func (g *SessionGate) Allowed(_ context.Context, sessionID, skill string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.loaded[sessionID][skill]
	return ok, nil
}

// DropSession forgets everything the session loaded.
func (g *SessionGate) DropSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.loaded, sessionID)
}
