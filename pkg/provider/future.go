// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import "context"

// future is a one-shot promise for a materialized instance. Concurrent
// resolvers of the same token share one future so the constructor runs
// exactly once per arena.
type future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) settle(value any, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

func (f *future) wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
