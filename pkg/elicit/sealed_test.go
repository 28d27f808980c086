package elicit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sealTestKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestNewSealedStore_KeyLength(t *testing.T) {
	t.Parallel()

	_, err := NewSealedStore(NewMemoryStore(), []byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	_, err = NewSealedStore(NewMemoryStore(), sealTestKey('k'))
	require.NoError(t, err)
}

func TestSealedStore_RoundTrip(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	rec := pendingRecord("sess-1", time.Minute)
	rec.RelatedRequestID = "req-42"

	_, err = store.PutPending(ctx, "sess-1", rec)
	require.NoError(t, err)

	got, err := store.GetPending(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ElicitID, got.ElicitID)
	assert.Equal(t, rec.Message, got.Message)
	assert.Equal(t, rec.Mode, got.Mode)
	assert.Equal(t, rec.RelatedRequestID, got.RelatedRequestID)
	assert.Equal(t, rec.RequestedSchema, got.RequestedSchema)
	assert.Empty(t, got.Sealed)
}

func TestSealedStore_ContentSealedAtRest(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	rec := pendingRecord("sess-1", time.Minute)
	_, err = store.PutPending(ctx, "sess-1", rec)
	require.NoError(t, err)

	raw, err := inner.GetPending(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotEmpty(t, raw.Sealed)
	assert.Empty(t, raw.Message)
	assert.Empty(t, raw.RequestedSchema)
	assert.Equal(t, rec.ElicitID, raw.ElicitID)
	assert.NotContains(t, string(raw.Sealed), rec.Message)
}

func TestSealedStore_CrossSessionCannotOpen(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.PutPending(ctx, "sess-a", pendingRecord("sess-a", time.Minute))
	require.NoError(t, err)

	// Leak session A's sealed record into session B's slot; B's derived
	// key must not open it.
	leaked, err := inner.GetPending(ctx, "sess-a")
	require.NoError(t, err)
	_, err = inner.PutPending(ctx, "sess-b", *leaked)
	require.NoError(t, err)

	_, err = store.GetPending(ctx, "sess-b")
	require.ErrorIs(t, err, ErrNoPending)
}

func TestSealedStore_WrongMasterKeyCannotOpen(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.PutPending(ctx, "sess-1", pendingRecord("sess-1", time.Minute))
	require.NoError(t, err)

	other, err := NewSealedStore(inner, sealTestKey('x'))
	require.NoError(t, err)

	_, err = other.GetPending(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNoPending)
}

func TestSealedStore_ResultRoundTrip(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	got := make(chan []byte, 1)
	unsub, err := store.SubscribeResult(ctx, "elicit-1", func(data []byte) { got <- data }, "sess-1")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, store.PublishResult(ctx, "elicit-1", []byte(`{"action":"accept"}`), "sess-1"))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"action":"accept"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the sealed result")
	}
}

func TestSealedStore_ForgedResultDropped(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	called := false
	unsub, err := store.SubscribeResult(ctx, "elicit-1", func([]byte) { called = true }, "sess-1")
	require.NoError(t, err)
	defer unsub()

	// A result published past the sealing layer is not authenticated and
	// must never reach the handler.
	require.NoError(t, inner.PublishResult(ctx, "elicit-1", []byte(`{"action":"accept"}`), "sess-1"))
	assert.False(t, called)
}

func TestSealedStore_EvictedKeepsRoutingFields(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	store, err := NewSealedStore(inner, sealTestKey('k'))
	require.NoError(t, err)

	ctx := context.Background()
	first := pendingRecord("sess-1", time.Minute)
	_, err = store.PutPending(ctx, "sess-1", first)
	require.NoError(t, err)

	second := pendingRecord("sess-1", time.Minute)
	second.ElicitID = "elicit-replacement"
	evicted, err := store.PutPending(ctx, "sess-1", second)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, first.ElicitID, evicted.ElicitID)
	assert.Equal(t, first.Message, evicted.Message)
}
