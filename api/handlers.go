/*
handlers.go - HTTP API handlers for the stock engine

PURPOSE:
  Exposes the inventory service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the inventory package.

ENDPOINTS:
  POST   /movements                     Record a stock movement
  GET    /products/{product_id}/stock   Current stock (ETag / If-None-Match)
  GET    /health                        Liveness + store ping
  GET    /metrics                       Prometheus metrics

IDEMPOTENCY:
  POST /movements honours an optional Idempotency-Key header (UUID). A
  replay returns the original 201 body byte for byte, with
  "Idempotent-Replayed: true".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, malformed body or key
  - 404: Product has no movements
  - 422: Idempotency key reused with a different request
  - 503: Storage unavailable (safe to retry)
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/stock-engine/inventory"
	"github.com/warp/stock-engine/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *inventory.Service
	// Pinger is optional; without it /health only reports liveness.
	Pinger  Pinger
	Logger  *zap.Logger
	Metrics *Metrics
}

func NewHandler(svc *inventory.Service, health Pinger, logger *zap.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Pinger: health, Logger: logger, Metrics: metrics}
}

// =============================================================================
// MOVEMENT ENDPOINTS
// =============================================================================

// CreateMovement handles POST /movements.
func (h *Handler) CreateMovement(w http.ResponseWriter, r *http.Request) {
	var req CreateMovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	resp, err := h.Service.CreateMovement(r.Context(), inventory.CreateMovementRequest{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Type:           req.Type,
		IdempotencyKey: idempotencyKey(r),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.Metrics.observeMovement(resp.Result.Type, resp.Replayed)

	if resp.Replayed {
		w.Header().Set(headerIdempotentReplayed, "true")
	}
	writeRawJSON(w, http.StatusCreated, resp.Body)
}

// idempotencyKey returns nil when the header is absent. A header sent with an
// empty value is returned as "" so it is rejected as malformed.
func idempotencyKey(r *http.Request) *string {
	values := r.Header.Values(headerIdempotencyKey)
	if len(values) == 0 {
		return nil
	}
	return &values[0]
}

// =============================================================================
// STOCK ENDPOINTS
// =============================================================================

// GetStock handles GET /products/{product_id}/stock.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")

	stock, err := h.Service.GetStock(r.Context(), productID, r.Header.Get(headerIfNoneMatch))
	if err != nil {
		if ledger.IsNotFound(err) {
			h.Metrics.observeStockRead(stockReadNotFound)
		}
		h.writeLedgerError(w, r, err)
		return
	}

	w.Header().Set(headerETag, stock.ETag)
	if stock.NotModified {
		h.Metrics.observeStockRead(stockReadNotModified)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Metrics.observeStockRead(stockReadOK)
	writeJSON(w, http.StatusOK, StockResponse{
		ProductID:    stock.ProductID,
		CurrentStock: stock.CurrentStock,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		if err := h.Pinger.Ping(r.Context()); err != nil {
			h.Logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// writeLedgerError maps ledger errors to HTTP statuses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *ledger.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error(), nil)
	case errors.Is(err, ledger.ErrIdempotencyKeyReused):
		writeError(w, http.StatusUnprocessableEntity, "idempotency key already used for a different request", nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "product not found", nil)
	case errors.Is(err, ledger.ErrStockOverflow):
		h.Logger.Error("stock out of range", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stock out of range", nil)
	case ledger.IsRetryable(err):
		h.Logger.Error("storage failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later", nil)
	default:
		h.Logger.Error("unexpected error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeRawJSON sends already-encoded JSON unchanged.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
