// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id does not resolve to a record.
var ErrNotFound = errors.New("session record not found")

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=storage.go Storage

// Storage is the persistence contract for session records. Implementations
// must be safe for concurrent use. Mutations are idempotent so that
// create/destroy retries and cross-node races converge on the same state.
type Storage interface {
	// Store creates or replaces the record for rec.Session.ID.
	Store(ctx context.Context, rec Record) error

	// Load retrieves the record for id. Returns ErrNotFound when absent.
	// Loading does not refresh LastAccessedAt; callers that want to keep
	// the record alive Touch it and Store it back.
	Load(ctx context.Context, id string) (Record, error)

	// Delete removes the record for id. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes records whose LastAccessedAt is before the
	// cutoff. Backends with native per-key expiry may treat this as a
	// no-op.
	DeleteExpired(ctx context.Context, before time.Time) error

	// Close releases backend resources.
	Close() error
}
