// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"

	"github.com/gantry-mcp/gantry/pkg/logger"
)

// SessionLevels tracks the minimum log level each session asked for via
// logging/setLevel. A session that never set one receives no
// notifications/message records at all.
type SessionLevels struct {
	mu       sync.RWMutex
	minimums map[string]logger.Level
}

// NewSessionLevels returns an empty level table.
func NewSessionLevels() *SessionLevels {
	return &SessionLevels{minimums: make(map[string]logger.Level)}
}

// Set records the session's minimum level, replacing any earlier choice.
func (sl *SessionLevels) Set(sessionID string, level logger.Level) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.minimums[sessionID] = level
}

// Get returns the session's minimum level and whether one was ever set.
func (sl *SessionLevels) Get(sessionID string) (logger.Level, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	level, ok := sl.minimums[sessionID]
	return level, ok
}

// Drop forgets the session's level. Called on session teardown.
func (sl *SessionLevels) Drop(sessionID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	delete(sl.minimums, sessionID)
}
