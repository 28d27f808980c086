// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalStorage keeps session records in process memory on a sync.Map. It
// is the default backend for single-node deployments; cross-node session
// recreation needs the Redis backend.
type LocalStorage struct {
	records sync.Map // session id -> Record
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates an empty in-memory storage backend.
func NewLocalStorage() *LocalStorage {
	return &LocalStorage{}
}

// Store saves a record, replacing any prior record for the same session.
func (s *LocalStorage) Store(_ context.Context, rec Record) error {
	if rec.Session.ID == "" {
		return fmt.Errorf("cannot store record with empty session id")
	}
	s.records.Store(rec.Session.ID, rec)
	return nil
}

// Load retrieves a record by session id.
func (s *LocalStorage) Load(_ context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, fmt.Errorf("cannot load record with empty session id")
	}
	val, ok := s.records.Load(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := val.(Record)
	if !ok {
		return Record{}, fmt.Errorf("invalid record type in storage")
	}
	return rec, nil
}

// Delete removes a record. Absent records are not an error.
func (s *LocalStorage) Delete(_ context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("cannot delete record with empty session id")
	}
	s.records.Delete(id)
	return nil
}

// DeleteExpired removes records not accessed since the cutoff.
func (s *LocalStorage) DeleteExpired(ctx context.Context, before time.Time) error {
	var toDelete []string

	// First pass: collect ids of expired records.
	s.records.Range(func(key, val any) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if rec, ok := val.(Record); ok && rec.LastAccessedAt.Before(before) {
			if id, ok := key.(string); ok {
				toDelete = append(toDelete, id)
			}
		}
		return true
	})

	// Second pass: delete them.
	for _, id := range toDelete {
		s.records.Delete(id)
	}
	return nil
}

// Close clears all records.
func (s *LocalStorage) Close() error {
	var toDelete []any
	s.records.Range(func(key, _ any) bool {
		toDelete = append(toDelete, key)
		return true
	})
	for _, key := range toDelete {
		s.records.Delete(key)
	}
	return nil
}

// Count returns the number of stored records. Helper for tests and
// diagnostics, not part of the Storage interface.
func (s *LocalStorage) Count() int {
	count := 0
	s.records.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
