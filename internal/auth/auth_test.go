package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	getByKeyFunc func(ctx context.Context, key string) (*APIKey, error)
	lookups      int
}

func (m *mockStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	m.lookups++
	if m.getByKeyFunc != nil {
		return m.getByKeyFunc(ctx, key)
	}
	return nil, ErrKeyNotFound
}

func (m *mockStore) Create(ctx context.Context, apiKey *APIKey) error { return nil }

func setup(t *testing.T, store Store) (*miniredis.Miniredis, http.Handler, *string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var seenUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = GetUserID(r.Context())
		if limit := GetRateLimit(r.Context()); limit > 0 {
			w.Header().Set("X-Key-Rate-Limit", strconv.FormatInt(limit, 10))
		}
		w.Header().Set("X-Key-ID", GetAPIKeyID(r.Context()))
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	return mr, NewMiddleware(store, rdb, zap.NewNop())(next), &seenUser
}

func request(key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/billing/balance", nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestMiddleware_MissingHeader(t *testing.T) {
	_, h, _ := setup(t, &mockStore{})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, request(""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_InvalidKey(t *testing.T) {
	_, h, _ := setup(t, &mockStore{})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, request("nope"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid API key")
}

func TestMiddleware_StoreErrorIs500(t *testing.T) {
	_, h, _ := setup(t, &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		return nil, errors.New("db down")
	}})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, request("k"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_CachesLookup(t *testing.T) {
	store := &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		return &APIKey{ID: "key-1", UserID: "user-1", Active: true}, nil
	}}
	mr, h, seen := setup(t, store)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request("secret"))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user-1", *seen)
	assert.True(t, mr.Exists("auth:"+HashKey("secret")))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request("secret"))
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, store.lookups)
}

func TestMiddleware_RedisDownFallsBackToStore(t *testing.T) {
	store := &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		return &APIKey{ID: "key-1", UserID: "user-1", Active: true}, nil
	}}
	mr, h, seen := setup(t, store)
	mr.Close()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request("secret"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "user-1", *seen)
}

func TestHashKey(t *testing.T) {
	assert.Len(t, HashKey("x"), 64)
	assert.Equal(t, HashKey("x"), HashKey("x"))
	assert.NotEqual(t, HashKey("x"), HashKey("y"))
}

func TestMiddleware_CarriesKeyLimitThroughCache(t *testing.T) {
	store := &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		return &APIKey{ID: "key-1", UserID: "user-1", RateLimit: 5, Active: true}, nil
	}}
	_, h, _ := setup(t, store)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("secret"))
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "5", w.Header().Get("X-Key-Rate-Limit"))
		assert.Equal(t, "key-1", w.Header().Get("X-Key-ID"))
	}
	assert.Equal(t, 1, store.lookups)
}

func TestGetRateLimit_Unset(t *testing.T) {
	assert.Equal(t, int64(0), GetRateLimit(context.Background()))
	assert.Equal(t, int64(7), GetRateLimit(WithRateLimit(context.Background(), 7)))
}
