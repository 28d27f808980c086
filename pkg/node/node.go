// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package node provides a stable per-host node identity. The id is minted
// once, persisted under the XDG state directory, and reused by every
// gateway process on the host. Session records carry it so that a node can
// tell whether it created a given transport or is recreating one that
// belongs to a peer.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	idFilePathSuffix = "gantry/node-id"

	lockTimeout       = 5 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

// defaultPathGenerator resolves the id file path using xdg.
var defaultPathGenerator = func() (string, error) {
	return xdg.StateFile(idFilePathSuffix)
}

// getIDPath is the current path generator, can be replaced in tests.
var getIDPath = defaultPathGenerator

// ID returns the persistent identity of this node, minting and persisting
// a fresh one on first use. Concurrent first calls across processes are
// serialized with a file lock so exactly one id wins.
func ID(ctx context.Context) (string, error) {
	idPath, err := getIDPath()
	if err != nil {
		return "", fmt.Errorf("unable to resolve node id path: %w", err)
	}

	// Fast path: the id already exists.
	if id, ok := readID(idPath); ok {
		return id, nil
	}

	lockPath := idPath + ".lock"
	fileLock := flock.New(lockPath)
	defer func() {
		_ = fileLock.Unlock()
		// Attempt to remove lock file (best effort)
		_ = os.Remove(lockPath)
	}()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		return "", fmt.Errorf("failed to acquire node id lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("could not acquire node id lock: timeout after %v", lockTimeout)
	}

	// Re-check under the lock: another process may have minted the id
	// while we were waiting.
	if id, ok := readID(idPath); ok {
		return id, nil
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(idPath), 0750); err != nil {
		return "", fmt.Errorf("failed to create node id directory: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write node id file: %w", err)
	}
	return id, nil
}

// readID loads a previously minted id, tolerating trailing whitespace.
// Returns false when the file is missing or does not hold a UUID.
func readID(path string) (string, bool) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from xdg
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
