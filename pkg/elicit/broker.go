// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package elicit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/gantry-mcp/gantry/pkg/core"
	"github.com/gantry-mcp/gantry/pkg/logger"
)

// storeOpTimeout bounds store calls made off the request path, such as
// removing the pending record after a timeout.
const storeOpTimeout = 5 * time.Second

// Broker coordinates elicitations across gateway nodes: it enforces the
// one-pending-per-session rule, cancels superseded requests, routes
// results to whichever node holds the waiting call, and times out
// elicitations the client never answers.
type Broker struct {
	store PendingStore
	ttl   time.Duration

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewBroker creates a broker over the given store. defaultTTL applies to
// requests that carry none; zero or negative falls back to DefaultTTL.
func NewBroker(store PendingStore, defaultTTL time.Duration) *Broker {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Broker{
		store: store,
		ttl:   defaultTTL,
		locks: make(map[string]*sessionLock),
	}
}

// lockSession serializes broker operations for one session. The returned
// function releases the lock and drops the entry once no caller holds or
// awaits it.
func (b *Broker) lockSession(sessionID string) func() {
	b.mu.Lock()
	l, ok := b.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		b.locks[sessionID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, sessionID)
		}
		b.mu.Unlock()
	}
}

func (b *Broker) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return b.ttl
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

// Begin registers a new pending elicitation for the session and returns a
// handle to await its result. Any elicitation already pending for the
// session is evicted and settled as cancelled with ReasonSuperseded.
func (b *Broker) Begin(ctx context.Context, req Request) (*Handle, error) {
	if req.SessionID == "" {
		return nil, core.NewInvalidInputError("session ID is required", nil)
	}
	if req.Message == "" {
		return nil, core.NewInvalidInputError("elicitation message is required", nil)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeForm
	}
	if mode != ModeForm && mode != ModeURL {
		return nil, core.NewInvalidInputError(fmt.Sprintf("unknown elicitation mode %q", mode), nil)
	}
	if mode == ModeForm && len(req.Schema) == 0 {
		return nil, core.NewInvalidInputError("requested schema is required for form elicitations", nil)
	}
	if req.Schema != nil {
		if err := validateSchemaSize(req.Schema); err != nil {
			return nil, core.NewInvalidInputError("invalid requested schema", err)
		}
	}

	ttl := b.clampTTL(req.TTL)
	rec := Record{
		ElicitID:         uuid.NewString(),
		SessionID:        req.SessionID,
		RelatedRequestID: req.RelatedRequestID,
		Mode:             mode,
		RequestedSchema:  req.Schema,
		Message:          req.Message,
		ExpiresAt:        time.Now().UTC().Add(ttl),
	}

	unlock := b.lockSession(req.SessionID)
	defer unlock()

	h := &Handle{
		broker: b,
		rec:    rec,
		ttl:    ttl,
		done:   make(chan struct{}),
	}

	// Subscribe before the record becomes visible so a result posted on
	// another node cannot slip past the subscription.
	unsub, err := b.store.SubscribeResult(ctx, rec.ElicitID, h.onResult, req.SessionID)
	if err != nil {
		return nil, core.NewInternalError(fmt.Errorf("failed to subscribe for elicitation result: %w", err))
	}

	evicted, err := b.store.PutPending(ctx, req.SessionID, rec)
	if err != nil {
		unsub()
		return nil, core.NewInternalError(fmt.Errorf("failed to store pending elicitation: %w", err))
	}
	if evicted != nil && evicted.ElicitID != "" {
		b.publishCancel(ctx, evicted.ElicitID, req.SessionID, ReasonSuperseded)
	}

	h.wire(unsub, time.AfterFunc(ttl, h.onTimeout))
	return h, nil
}

// Pending returns the session's pending elicitation, or ErrNoPending.
func (b *Broker) Pending(ctx context.Context, sessionID string) (*Record, error) {
	unlock := b.lockSession(sessionID)
	defer unlock()
	return b.store.GetPending(ctx, sessionID)
}

// Resolve settles the session's pending elicitation with the client's
// result. The result is normalized first: accepts without content and
// accepts whose content fails the requested schema become declines.
// Returns ErrNoPending when the elicitation is no longer pending.
func (b *Broker) Resolve(ctx context.Context, sessionID, elicitID string, res Result) error {
	unlock := b.lockSession(sessionID)
	defer unlock()

	rec, err := b.store.GetPending(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.ElicitID != elicitID {
		return fmt.Errorf("%w: elicitation %s is not the session's pending elicitation", ErrNoPending, elicitID)
	}

	norm, err := normalizeResult(rec, res)
	if err != nil {
		return err
	}

	data, err := json.Marshal(norm)
	if err != nil {
		return core.NewInternalError(fmt.Errorf("failed to marshal elicitation result: %w", err))
	}
	if err := b.store.PublishResult(ctx, elicitID, data, sessionID); err != nil {
		return core.NewInternalError(err)
	}
	_ = b.store.DeletePending(ctx, sessionID)
	return nil
}

// CancelPending cancels the session's pending elicitation if one exists.
// The waiting call settles with an ELICIT_CANCELLED abort. Called when the
// session's transport goes away for good.
func (b *Broker) CancelPending(ctx context.Context, sessionID string) error {
	unlock := b.lockSession(sessionID)
	defer unlock()

	rec, err := b.store.GetPending(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNoPending) {
			return nil
		}
		return err
	}

	b.publishCancel(ctx, rec.ElicitID, sessionID, "")
	return b.store.DeletePending(ctx, sessionID)
}

// publishCancel routes a cancellation through the store so local and
// cross-node waiters settle through the same path.
func (b *Broker) publishCancel(ctx context.Context, elicitID, sessionID, reason string) {
	data, err := json.Marshal(Result{Action: ActionCancel, Reason: reason})
	if err != nil {
		return
	}
	if err := b.store.PublishResult(ctx, elicitID, data, sessionID); err != nil {
		logger.Warnw("failed to publish elicitation cancellation",
			"elicit_id", elicitID, "session_id", sessionID, "error", err)
	}
}

// removeIfCurrent deletes the session's pending record if it still refers
// to elicitID. A newer elicitation may have replaced it in the meantime;
// that one must survive.
func (b *Broker) removeIfCurrent(ctx context.Context, sessionID, elicitID string) {
	unlock := b.lockSession(sessionID)
	defer unlock()

	rec, err := b.store.GetPending(ctx, sessionID)
	if err != nil {
		return
	}
	if rec.ElicitID != elicitID {
		return
	}
	if err := b.store.DeletePending(ctx, sessionID); err != nil {
		logger.Warnw("failed to remove expired elicitation",
			"session_id", sessionID, "elicit_id", elicitID, "error", err)
	}
}

// normalizeResult applies the result acceptance rules against the pending
// record before the result is published.
func normalizeResult(rec *Record, res Result) (Result, error) {
	switch res.Action {
	case ActionDecline, ActionCancel:
		res.Content = nil
		return res, nil
	case ActionAccept:
	default:
		return Result{}, core.NewInvalidInputError(fmt.Sprintf("unknown elicitation action %q", res.Action), nil)
	}

	if err := validateContentSize(res.Content); err != nil {
		return Result{}, core.NewInvalidInputError("invalid elicitation content", err)
	}
	if rec.Mode == ModeURL {
		res.Content = nil
		return res, nil
	}
	if len(res.Content) == 0 {
		logger.Infow("elicitation accepted without content, treating as decline",
			"elicit_id", rec.ElicitID, "session_id", rec.SessionID)
		return Result{Action: ActionDecline}, nil
	}
	if rec.RequestedSchema != nil {
		if err := validateAgainstSchema(rec.RequestedSchema, res.Content); err != nil {
			logger.Infow("elicitation content failed schema validation, treating as decline",
				"elicit_id", rec.ElicitID, "session_id", rec.SessionID, "error", err)
			return Result{Action: ActionDecline}, nil
		}
	}
	return res, nil
}

func validateAgainstSchema(schema, content map[string]any) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("failed to compile requested schema: %w", err)
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(content))
	if err != nil {
		return fmt.Errorf("failed to validate content: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, resErr := range result.Errors() {
			msgs = append(msgs, resErr.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// Handle is one node-local waiter for a pending elicitation. It settles
// exactly once: with the client's result, with an abort when the
// elicitation is cancelled or superseded, or with a timeout error when
// the deadline passes.
type Handle struct {
	broker *Broker
	rec    Record
	ttl    time.Duration

	mu          sync.Mutex
	settled     bool
	unsubscribe func()
	timer       *time.Timer

	done   chan struct{}
	result Result
	err    error
}

// ElicitID returns the elicitation's identifier, as sent to the client.
func (h *Handle) ElicitID() string {
	return h.rec.ElicitID
}

// Record returns a copy of the pending record the handle awaits.
func (h *Handle) Record() Record {
	return h.rec
}

// Wait blocks until the elicitation settles or ctx is done. Abandoning
// the wait leaves the elicitation pending until its deadline.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// wire attaches the subscription teardown and expiry timer. When the
// handle settled before wiring finished, both are released immediately.
func (h *Handle) wire(unsub func(), timer *time.Timer) {
	h.mu.Lock()
	if !h.settled {
		h.unsubscribe = unsub
		h.timer = timer
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	timer.Stop()
	unsub()
}

// trySettle records the outcome and releases the handle's resources.
// Returns false when another path settled first.
func (h *Handle) trySettle(res Result, err error) bool {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return false
	}
	h.settled = true
	h.result = res
	h.err = err
	timer := h.timer
	unsub := h.unsubscribe
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if unsub != nil {
		unsub()
	}
	close(h.done)
	return true
}

// onResult handles a result arriving through the store.
func (h *Handle) onResult(data []byte) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		logger.Warnw("dropping malformed elicitation result",
			"elicit_id", h.rec.ElicitID, "session_id", h.rec.SessionID, "error", err)
		return
	}
	switch res.Action {
	case ActionCancel:
		if res.Reason == ReasonSuperseded {
			h.trySettle(Result{}, core.NewAbort(core.AbortElicitSuperseded,
				"elicitation superseded by a newer request", 0))
			return
		}
		h.trySettle(Result{}, core.NewAbort(core.AbortElicitCancelled,
			"elicitation cancelled", 0))
	case ActionAccept, ActionDecline:
		h.trySettle(res, nil)
	default:
		logger.Warnw("dropping elicitation result with unknown action",
			"elicit_id", h.rec.ElicitID, "action", res.Action)
	}
}

// onTimeout settles the handle with a timeout error and removes the
// pending record so a late result maps to ErrNoPending.
func (h *Handle) onTimeout() {
	if !h.trySettle(Result{}, core.NewElicitationTimeoutError(h.rec.ElicitID, h.ttl)) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	h.broker.removeIfCurrent(ctx, h.rec.SessionID, h.rec.ElicitID)
}
