/*
handlers_test.go - HTTP tests for the stock API

Tests for:
- POST /movements (validation, idempotent replay, key reuse)
- GET /products/{product_id}/stock (ETag, 304, 404)
- GET /health, GET /metrics
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/sqlite"
)

const testKey = "5d1c2b3a-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

func newTestRouter(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := inventory.NewService(store, inventory.Config{})
	h := NewHandler(svc, store, nil, NewMetrics(prometheus.NewRegistry()))
	return NewRouter(h, RouterOptions{}), store
}

func postMovement(t *testing.T, router http.Handler, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/movements", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getStock(t *testing.T, router http.Handler, product, ifNoneMatch string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/products/"+product+"/stock", nil)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// POST /movements
// =============================================================================

func TestCreateMovement_Created(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postMovement(t, router, `{"product_id":"ABC123","quantity":100,"type":"IN"}`, "")

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))

	var body inventory.MovementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Positive(t, body.ID)
	assert.Equal(t, "ABC123", body.ProductID)
	assert.Equal(t, int64(100), body.Quantity)
	assert.Equal(t, "in", body.Type)
	assert.Len(t, body.CreatedAt, len(inventory.CreatedAtLayout))
}

func TestCreateMovement_BadRequests(t *testing.T) {
	router, store := newTestRouter(t)

	tests := []struct {
		name string
		body string
		key  string
	}{
		{"malformed json", `{"product_id":`, ""},
		{"fractional quantity", `{"product_id":"P1","quantity":1.5,"type":"in"}`, ""},
		{"string quantity", `{"product_id":"P1","quantity":"ten","type":"in"}`, ""},
		{"zero quantity", `{"product_id":"P1","quantity":0,"type":"in"}`, ""},
		{"missing quantity", `{"product_id":"P1","type":"in"}`, ""},
		{"negative quantity", `{"product_id":"P1","quantity":-3,"type":"in"}`, ""},
		{"unknown type", `{"product_id":"P1","quantity":1,"type":"transfer"}`, ""},
		{"blank product", `{"product_id":"  ","quantity":1,"type":"in"}`, ""},
		{"malformed key", `{"product_id":"P1","quantity":1,"type":"in"}`, "not-a-uuid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postMovement(t, router, tt.body, tt.key)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.NotEmpty(t, errResp.Error)
		})
	}

	// Nothing was recorded.
	_, ok, err := store.LatestMovementID(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateMovement_EmptyIdempotencyKeyHeader(t *testing.T) {
	router, store := newTestRouter(t)

	// GIVEN: the header is present with an empty value
	req := httptest.NewRequest(http.MethodPost, "/movements", strings.NewReader(`{"product_id":"P1","quantity":5,"type":"in"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header["Idempotency-Key"] = []string{""}
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	// THEN: rejected as a malformed key, not run without deduplication
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, ok, err := store.LatestMovementID(context.Background(), "P1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateMovement_IdempotentReplay(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"product_id":"P1","quantity":50,"type":"in"}`

	// GIVEN: a first request with key K
	first := postMovement(t, router, body, testKey)
	require.Equal(t, http.StatusCreated, first.Code)

	// WHEN: the client retries with the same key
	second := postMovement(t, router, body, testKey)

	// THEN: same status, identical body, replay header set
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	var stock StockResponse
	rec := getStock(t, router, "P1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stock))
	assert.Equal(t, int64(50), stock.CurrentStock)
}

func TestCreateMovement_ConcurrentSameKey(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"product_id":"P1","quantity":50,"type":"in"}`

	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, 4)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = postMovement(t, router, body, testKey)
		}(i)
	}
	wg.Wait()

	for _, rec := range recs {
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, recs[0].Body.String(), rec.Body.String())
	}

	var stock StockResponse
	require.NoError(t, json.Unmarshal(getStock(t, router, "P1", "").Body.Bytes(), &stock))
	assert.Equal(t, int64(50), stock.CurrentStock)
}

func TestCreateMovement_KeyReused(t *testing.T) {
	router, _ := newTestRouter(t)

	first := postMovement(t, router, `{"product_id":"P1","quantity":50,"type":"in"}`, testKey)
	require.Equal(t, http.StatusCreated, first.Code)

	rec := postMovement(t, router, `{"product_id":"P1","quantity":70,"type":"in"}`, testKey)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// GET /products/{product_id}/stock
// =============================================================================

func TestGetStock_InThenOut_Returns70(t *testing.T) {
	router, _ := newTestRouter(t)

	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"P1","quantity":100,"type":"in"}`, "").Code)
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"P1","quantity":30,"type":"out"}`, "").Code)

	rec := getStock(t, router, "P1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var body StockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StockResponse{ProductID: "P1", CurrentStock: 70}, body)
}

func TestGetStock_ConditionalRead(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"P1","quantity":10,"type":"in"}`, "").Code)

	first := getStock(t, router, "P1", "")
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	// Same tag: 304, no body, tag echoed
	rec := getStock(t, router, "P1", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, etag, rec.Header().Get("ETag"))

	// New movement: old tag no longer matches
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"P1","quantity":4,"type":"out"}`, "").Code)
	rec = getStock(t, router, "P1", etag)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))

	var body StockResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(6), body.CurrentStock)
}

func TestGetStock_UnknownProduct_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := getStock(t, router, "nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("ETag"))
}

func TestGetStock_UnappendableProductID_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, product := range []string{"%20%20", strings.Repeat("x", 51)} {
		rec := getStock(t, router, product, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, product)
	}
}

func TestGetStock_OverflowIsNotRetryable(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"BIG","quantity":9223372036854775807,"type":"in"}`, "").Code)
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"BIG","quantity":1,"type":"in"}`, "").Code)

	rec := getStock(t, router, "BIG", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// =============================================================================
// HEALTH / METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error {
	return ledger.NewStorageError("ping", errors.New("connection refused"))
}

func TestHealth_StoreDown(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	h := NewHandler(inventory.NewService(store, inventory.Config{}), downPinger{}, nil, nil)
	router := NewRouter(h, RouterOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, postMovement(t, router, `{"product_id":"P1","quantity":1,"type":"in"}`, "").Code)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stock_ledger_movements_created_total{type="in"} 1`)
	assert.Contains(t, rec.Body.String(), `route="/movements"`)
}
