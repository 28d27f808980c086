// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package elicit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealKeySize   = 32
	sealNonceSize = 24
	sealInfoBase  = "gantry/elicit/"
)

// SealedStore wraps a PendingStore and encrypts elicitation content at
// rest and in transit through the backing store. Each session gets its
// own key derived from the master key, so records leaked from one session
// cannot be opened with another session's key. Routing fields (elicit ID,
// session ID, deadline) stay clear; message, schema, and results are
// sealed.
type SealedStore struct {
	inner     PendingStore
	masterKey []byte
}

var _ PendingStore = (*SealedStore)(nil)

// sealedFields is the encrypted portion of a Record.
type sealedFields struct {
	RelatedRequestID string         `json:"relatedRequestId,omitempty"`
	Mode             string         `json:"mode"`
	RequestedSchema  map[string]any `json:"requestedSchema,omitempty"`
	Message          string         `json:"message"`
}

// NewSealedStore wraps inner with per-session sealing under masterKey,
// which must be exactly 32 bytes.
func NewSealedStore(inner PendingStore, masterKey []byte) (*SealedStore, error) {
	if len(masterKey) != sealKeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", sealKeySize, len(masterKey))
	}
	key := make([]byte, sealKeySize)
	copy(key, masterKey)
	return &SealedStore{inner: inner, masterKey: key}, nil
}

// sessionKey derives the session's sealing key from the master key.
func (s *SealedStore) sessionKey(sessionID string) (*[sealKeySize]byte, error) {
	reader := hkdf.New(sha256.New, s.masterKey, nil, []byte(sealInfoBase+sessionID))
	var key [sealKeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return &key, nil
}

// seal encrypts plaintext under the session key. The random nonce is
// prepended to the box.
func (s *SealedStore) seal(sessionID string, plaintext []byte) ([]byte, error) {
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// open decrypts a box produced by seal for the same session.
func (s *SealedStore) open(sessionID string, box []byte) ([]byte, error) {
	if len(box) < sealNonceSize {
		return nil, errors.New("sealed payload too short")
	}
	key, err := s.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	var nonce [sealNonceSize]byte
	copy(nonce[:], box[:sealNonceSize])
	plaintext, ok := secretbox.Open(nil, box[sealNonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("failed to open sealed payload")
	}
	return plaintext, nil
}

// PutPending implements PendingStore.PutPending, sealing the record's
// content fields before handing it to the inner store.
func (s *SealedStore) PutPending(ctx context.Context, sessionID string, rec Record) (*Record, error) {
	content, err := json.Marshal(sealedFields{
		RelatedRequestID: rec.RelatedRequestID,
		Mode:             rec.Mode,
		RequestedSchema:  rec.RequestedSchema,
		Message:          rec.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal elicitation content: %w", err)
	}
	box, err := s.seal(sessionID, content)
	if err != nil {
		return nil, err
	}

	sealed := Record{
		ElicitID:  rec.ElicitID,
		SessionID: rec.SessionID,
		ExpiresAt: rec.ExpiresAt,
		Sealed:    box,
	}
	evicted, err := s.inner.PutPending(ctx, sessionID, sealed)
	if err != nil {
		return nil, err
	}
	if evicted != nil {
		// Content is irrelevant to eviction handling; keep the routing
		// fields even when the payload cannot be opened.
		_ = s.unsealRecord(sessionID, evicted)
	}
	return evicted, nil
}

// GetPending implements PendingStore.GetPending. A record that cannot be
// opened is reported as absent rather than leaked half-decoded.
func (s *SealedStore) GetPending(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := s.inner.GetPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.unsealRecord(sessionID, rec); err != nil {
		return nil, ErrNoPending
	}
	return rec, nil
}

func (s *SealedStore) unsealRecord(sessionID string, rec *Record) error {
	if len(rec.Sealed) == 0 {
		return errors.New("record has no sealed content")
	}
	plaintext, err := s.open(sessionID, rec.Sealed)
	if err != nil {
		return err
	}
	var content sealedFields
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return fmt.Errorf("failed to unmarshal elicitation content: %w", err)
	}
	rec.RelatedRequestID = content.RelatedRequestID
	rec.Mode = content.Mode
	rec.RequestedSchema = content.RequestedSchema
	rec.Message = content.Message
	rec.Sealed = nil
	return nil
}

// DeletePending implements PendingStore.DeletePending.
func (s *SealedStore) DeletePending(ctx context.Context, sessionID string) error {
	return s.inner.DeletePending(ctx, sessionID)
}

// PublishResult implements PendingStore.PublishResult, sealing the result
// under the session key before it crosses the store.
func (s *SealedStore) PublishResult(ctx context.Context, elicitID string, result []byte, sessionID string) error {
	box, err := s.seal(sessionID, result)
	if err != nil {
		return err
	}
	return s.inner.PublishResult(ctx, elicitID, box, sessionID)
}

// SubscribeResult implements PendingStore.SubscribeResult. Results that
// fail to open are dropped; the waiter observes its deadline instead of a
// forged payload.
func (s *SealedStore) SubscribeResult(ctx context.Context, elicitID string, handler func([]byte), sessionID string) (func(), error) {
	return s.inner.SubscribeResult(ctx, elicitID, func(box []byte) {
		plaintext, err := s.open(sessionID, box)
		if err != nil {
			return
		}
		handler(plaintext)
	}, sessionID)
}

// Close implements PendingStore.Close.
func (s *SealedStore) Close() error {
	return s.inner.Close()
}
