package gateway

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "alice-key", "create-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)

	require.NoError(t, store.SaveIdempotency(ctx, "alice-key", "create-1", "hash-a", http.StatusCreated, []byte(`{"id":1}`)))

	cached, err = store.LookupIdempotency(ctx, "alice-key", "create-1", "hash-a")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, http.StatusCreated, cached.Status)
	require.JSONEq(t, `{"id":1}`, string(cached.Body))

	// same key, different payload
	_, err = store.LookupIdempotency(ctx, "alice-key", "create-1", "hash-b")
	require.ErrorIs(t, err, ErrIdempotencyMismatch)

	// keys are scoped per API key
	cached, err = store.LookupIdempotency(ctx, "bob-key", "create-1", "hash-a")
	require.NoError(t, err)
	require.Nil(t, cached)
}

func TestAuditAndWebhookAttemptInserts(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertAuditLog(ctx, AuditEntry{
		APIKey:         "alice-key",
		Method:         http.MethodPost,
		Path:           "/v1/escrows",
		ResponseStatus: http.StatusCreated,
		ResponseBody:   []byte(`{"id":1}`),
		Timestamp:      time.Now().UTC(),
	}))

	require.NoError(t, store.InsertWebhookAttempt(ctx, WebhookAttempt{
		DeliveryID:  "d-1",
		Destination: "https://hooks.example.com/escrow",
		EventType:   "escrow.completed",
		Attempt:     1,
		Status:      "delivered",
		CreatedAt:   time.Now().UTC(),
	}))
}
