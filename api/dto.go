/*
dto.go - Data Transfer Objects for the HTTP API

PURPOSE:
  Defines the JSON structures for request/response bodies. Responses for
  recorded movements are inventory.MovementResult, encoded once by the
  service so that idempotent replays are byte-identical.

NAMING CONVENTION:
  - *Request:  Incoming request body
  - *Response: Outgoing response body
*/
package api

// =============================================================================
// HEADERS
// =============================================================================

const (
	headerIdempotencyKey     = "Idempotency-Key"
	headerIdempotentReplayed = "Idempotent-Replayed"
	headerETag               = "ETag"
	headerIfNoneMatch        = "If-None-Match"
)

// =============================================================================
// MOVEMENT DTOs
// =============================================================================

// CreateMovementRequest is the body of POST /movements. A non-integer
// quantity fails JSON decoding and is reported as a bad request.
type CreateMovementRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Type      string `json:"type"`
}

// =============================================================================
// STOCK DTOs
// =============================================================================

type StockResponse struct {
	ProductID    string `json:"product_id"`
	CurrentStock int64  `json:"current_stock"`
}

// =============================================================================
// MISC DTOs
// =============================================================================

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
