package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/telemetry"
)

func setupTestServer(t *testing.T) (*Server, *storage.Store, func()) {
	store, err := storage.Open(t.TempDir(), storage.Config{Logger: shared.NopLogger()})
	require.NoError(t, err)

	server := NewServer(store, Options{Logger: shared.NopLogger(), Metrics: telemetry.NewMetrics()})
	return server, store, func() {
		store.Close()
	}
}

func do(server *Server, method, path string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestGetKey(t *testing.T) {
	server, store, cleanup := setupTestServer(t)
	defer cleanup()

	require.NoError(t, store.Set("test-key", "test-value"))

	w := do(server, http.MethodGet, "/kv/test-key", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "test-key", response["key"])
	assert.Equal(t, "test-value", response["value"])
}

func TestGetNonExistentKey(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodGet, "/kv/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "NOT_FOUND", response.Error.Type)
}

func TestPutAndDeleteKey(t *testing.T) {
	server, store, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPut, "/kv/test-key", `{"value":"test-value"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	value, ok, err := store.Get("test-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "test-value", value)

	w = do(server, http.MethodPut, "/kv/empty", `{"value":""}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(server, http.MethodDelete, "/kv/test-key", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(server, http.MethodDelete, "/kv/test-key", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutInvalidBody(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodPut, "/kv/k", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(server, http.MethodPut, "/kv/k", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompactEndpoint(t *testing.T) {
	server, store, cleanup := setupTestServer(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Set("k", strings.Repeat("v", i+1)))
	}

	w := do(server, http.MethodPost, "/admin/compact", "")
	assert.Equal(t, http.StatusOK, w.Code)

	u, err := store.Uncompacted()
	require.NoError(t, err)
	assert.Equal(t, int64(0), u)
	assert.Equal(t, int64(1), store.GetMetrics().CompactionCount)
}

func TestHealthAndMetrics(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := do(server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])

	w = do(server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kvs_http_requests_total")
}

type failingStore struct {
	Store
}

func (failingStore) Get(string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestHealthReportsStoreFailure(t *testing.T) {
	server := NewServer(failingStore{}, Options{Logger: shared.NopLogger()})

	w := do(server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(server, http.MethodGet, "/kv/a", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type panickingStore struct {
	Store
}

func (panickingStore) Remove(string) error {
	panic("boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	server := NewServer(panickingStore{}, Options{Logger: shared.NopLogger()})

	w := do(server, http.MethodDelete, "/kv/a", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "INTERNAL", response.Error.Type)
}

func TestShutdownBeforeServe(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()
	assert.NoError(t, server.Shutdown(context.Background()))
}
