package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// capture swaps the singleton for an observed logger and restores it on
// cleanup.
func capture(t *testing.T) *observer.ObservedLogs {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })
	return logs
}

func TestSingletonHelpers(t *testing.T) {
	logs := capture(t)

	Debugf("starting %s", "adapter")
	Infow("session created", "session_id", "s1", "protocol", "streamable-http")
	Warn("store unavailable")
	Errorf("dispatch failed: %v", assert.AnError)

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "starting adapter", entries[0].Message)
	assert.Equal(t, "session created", entries[1].Message)
	assert.Equal(t, "s1", entries[1].ContextMap()["session_id"])
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
}

func TestWith(t *testing.T) {
	logs := capture(t)

	child := With("node_id", "n-1")
	child.Infow("recreated", "session_id", "s9")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "n-1", entries[0].ContextMap()["node_id"])
	assert.Equal(t, "s9", entries[0].ContextMap()["session_id"])
}

func TestDefaultLoggerNeverNil(t *testing.T) {
	require.NotNil(t, Get())
}
