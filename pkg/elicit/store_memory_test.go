package elicit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRecord(sessionID string, ttl time.Duration) Record {
	return Record{
		ElicitID:  "elicit-" + sessionID,
		SessionID: sessionID,
		Mode:      ModeForm,
		RequestedSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"confirm": map[string]any{"type": "boolean"},
			},
		},
		Message:   "Confirm the action",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
}

func TestMemoryStore_PutAndGetPending(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	rec := pendingRecord("sess-1", time.Minute)

	evicted, err := store.PutPending(ctx, "sess-1", rec)
	require.NoError(t, err)
	assert.Nil(t, evicted)

	got, err := store.GetPending(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ElicitID, got.ElicitID)
	assert.Equal(t, rec.Message, got.Message)
}

func TestMemoryStore_PutPendingEvictsPrior(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	first := pendingRecord("sess-1", time.Minute)
	_, err := store.PutPending(ctx, "sess-1", first)
	require.NoError(t, err)

	second := pendingRecord("sess-1", time.Minute)
	second.ElicitID = "elicit-replacement"
	evicted, err := store.PutPending(ctx, "sess-1", second)
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, first.ElicitID, evicted.ElicitID)

	got, err := store.GetPending(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "elicit-replacement", got.ElicitID)
	assert.Equal(t, 1, store.PendingCount())
}

func TestMemoryStore_PutPendingIgnoresExpiredPrior(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	stale := pendingRecord("sess-1", -time.Minute)
	_, err := store.PutPending(ctx, "sess-1", stale)
	require.NoError(t, err)

	evicted, err := store.PutPending(ctx, "sess-1", pendingRecord("sess-1", time.Minute))
	require.NoError(t, err)
	assert.Nil(t, evicted)
}

func TestMemoryStore_PutPendingRequiresSessionID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, err := store.PutPending(context.Background(), "", pendingRecord("x", time.Minute))
	require.Error(t, err)
}

func TestMemoryStore_GetPendingMissing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, err := store.GetPending(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNoPending)
}

func TestMemoryStore_GetPendingExpired(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.PutPending(ctx, "sess-1", pendingRecord("sess-1", -time.Second))
	require.NoError(t, err)

	_, err = store.GetPending(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNoPending)
	assert.Equal(t, 0, store.PendingCount())
}

func TestMemoryStore_DeletePendingIdempotent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.PutPending(ctx, "sess-1", pendingRecord("sess-1", time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.DeletePending(ctx, "sess-1"))
	require.NoError(t, store.DeletePending(ctx, "sess-1"))

	_, err = store.GetPending(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNoPending)
}

func TestMemoryStore_PublishDeliversAtMostOnce(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var delivered [][]byte
	unsub, err := store.SubscribeResult(ctx, "elicit-1", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, data)
	}, "sess-1")
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, store.PublishResult(ctx, "elicit-1", []byte(`{"action":"accept"}`), "sess-1"))
	require.NoError(t, store.PublishResult(ctx, "elicit-1", []byte(`{"action":"decline"}`), "sess-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.JSONEq(t, `{"action":"accept"}`, string(delivered[0]))
}

func TestMemoryStore_PublishWithoutSubscriberDrops(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.PublishResult(context.Background(), "elicit-unknown", []byte(`{}`), "sess-1"))
}

func TestMemoryStore_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	called := false
	unsub, err := store.SubscribeResult(ctx, "elicit-1", func([]byte) { called = true }, "sess-1")
	require.NoError(t, err)

	unsub()
	unsub() // safe to call again

	require.NoError(t, store.PublishResult(ctx, "elicit-1", []byte(`{}`), "sess-1"))
	assert.False(t, called)
}

func TestMemoryStore_DuplicateSubscribeFails(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	unsub, err := store.SubscribeResult(ctx, "elicit-1", func([]byte) {}, "sess-1")
	require.NoError(t, err)
	defer unsub()

	_, err = store.SubscribeResult(ctx, "elicit-1", func([]byte) {}, "sess-1")
	require.Error(t, err)
}

func TestMemoryStore_Close(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.PutPending(ctx, "sess-1", pendingRecord("sess-1", time.Minute))
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.Equal(t, 0, store.PendingCount())
}
