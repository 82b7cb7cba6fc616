package lock_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptsync/api/internal/apiclient"
	"scriptsync/api/internal/lock"
)

func TestClient_AcquireConflict(t *testing.T) {
	expires := time.UnixMilli(1_700_000_060_000).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":     "LOCKED",
			"error":    "Locked by a@example.com",
			"lockedBy": "a@example.com",
			"details":  map[string]any{"resourceId": "node-1", "ownerId": "user-a", "expiresAt": expires},
		})
	}))
	defer server.Close()

	client := lock.NewClient(apiclient.New(server.URL, "token", nil))
	_, err := client.Acquire(context.Background(), "node-1")
	require.ErrorIs(t, err, lock.ErrLockConflict)

	var conflict *lock.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a@example.com", conflict.OwnerLabel)
	assert.Equal(t, "user-a", conflict.OwnerID)
	assert.True(t, expires.Equal(conflict.ExpiresAt))
}

func TestClient_AcquireGrantAndList(t *testing.T) {
	expires := time.UnixMilli(1_700_000_060_000).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(lock.Grant{ResourceID: "node-1", ExpiresAt: expires})
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"locks": []lock.Lock{{ResourceID: "node-1", OwnerID: "me", OwnerLabel: "Me", ExpiresAt: expires}},
			})
		case http.MethodDelete:
			assert.Equal(t, "node-1", r.URL.Query().Get("resourceId"))
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	defer server.Close()

	client := lock.NewClient(apiclient.New(server.URL, "token", nil))
	ctx := context.Background()

	grant, err := client.Acquire(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, expires.Equal(grant.ExpiresAt))

	locks, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "Me", locks[0].OwnerLabel)

	require.NoError(t, client.Release(ctx, "node-1"))
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"TRY_AGAIN","error":"Try again"}`))
	}))
	defer server.Close()

	client := lock.NewClient(apiclient.New(server.URL, "token", nil))
	_, err := client.Acquire(context.Background(), "node-1")
	require.ErrorIs(t, err, lock.ErrTransientStore)
	assert.NotErrorIs(t, err, lock.ErrLockConflict)
}
