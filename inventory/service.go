/*
Package inventory exposes the stock engine's boundary operations.

PURPOSE:
  Transports (HTTP today) call two operations:

    CreateMovement  - record a stock movement, optionally idempotent
    GetStock        - current stock with conditional-read support

  This package turns raw request fields into ledger types, fingerprints
  requests for idempotency, and owns the JSON encoding of the movement
  result so that replays are byte-identical to the first response.

ERRORS:
  Errors come from the ledger package unchanged. Transports map them with
  ledger.IsClientError / ledger.IsNotFound / ledger.IsRetryable.

SEE ALSO:
  - ledger/idempotency.go: Guard
  - ledger/projection.go: Projector
  - retention.go: Idempotency record retention
*/
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/warp/stock-engine/ledger"
	"go.uber.org/zap"
)

// CreatedAtLayout is the wire format of MovementResult.CreatedAt (UTC).
const CreatedAtLayout = "2006/01/02 15:04"

// =============================================================================
// REQUESTS / RESPONSES
// =============================================================================

// CreateMovementRequest carries the raw fields of a movement request.
// IdempotencyKey is nil when the client sent none; a blank key is malformed.
type CreateMovementRequest struct {
	ProductID      string
	Quantity       int64
	Type           string
	IdempotencyKey *string
}

// MovementResult is the JSON body returned for a recorded movement and the
// value cached in its IdempotencyRecord.
type MovementResult struct {
	ID        int64  `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

type CreateMovementResponse struct {
	// Body is the exact JSON to send. For replays it is the cached bytes.
	Body     []byte
	Result   MovementResult
	Replayed bool
}

type StockResponse struct {
	ProductID    string `json:"product_id"`
	CurrentStock int64  `json:"current_stock"`
	// ETag is set even when NotModified.
	ETag        string `json:"-"`
	NotModified bool   `json:"-"`
}

// =============================================================================
// SERVICE
// =============================================================================

type Config struct {
	// Cache is optional.
	Cache  ledger.StockCache
	Logger *zap.Logger
}

type Service struct {
	guard     *ledger.Guard
	projector *ledger.Projector
	logger    *zap.Logger
}

func NewService(store ledger.TxStore, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []ledger.ProjectorOption{ledger.WithProjectorLogger(logger)}
	if cfg.Cache != nil {
		opts = append(opts, ledger.WithStockCache(cfg.Cache))
	}

	return &Service{
		guard:     ledger.NewGuard(store),
		projector: ledger.NewProjector(store, opts...),
		logger:    logger,
	}
}

// CreateMovement validates the request, then appends the movement. With an
// idempotency key the append happens at most once and retries receive the
// original response.
func (s *Service) CreateMovement(ctx context.Context, req CreateMovementRequest) (CreateMovementResponse, error) {
	input, err := normalize(req)
	if err != nil {
		return CreateMovementResponse{}, err
	}

	var key ledger.IdempotencyKey
	if req.IdempotencyKey != nil {
		key, err = ledger.ParseIdempotencyKey(*req.IdempotencyKey)
		if err != nil {
			return CreateMovementResponse{}, err
		}
	}

	outcome, err := s.guard.Do(ctx, key, Fingerprint(input), func(ctx context.Context, tx ledger.Store) ([]byte, error) {
		m, err := ledger.NewLedger(tx).Append(ctx, input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(newMovementResult(m))
	})
	if err != nil {
		return CreateMovementResponse{}, err
	}

	var result MovementResult
	if err := json.Unmarshal(outcome.Response, &result); err != nil {
		return CreateMovementResponse{}, fmt.Errorf("decode cached movement result: %w", err)
	}

	if outcome.Replayed {
		s.logger.Debug("idempotent replay",
			zap.String("idempotency_key", string(key)),
			zap.Int64("movement_id", result.ID))
	}

	return CreateMovementResponse{
		Body:     outcome.Response,
		Result:   result,
		Replayed: outcome.Replayed,
	}, nil
}

// GetStock returns the current stock. ifNoneMatch is the client's
// If-None-Match header, empty when absent.
func (s *Service) GetStock(ctx context.Context, productID, ifNoneMatch string) (StockResponse, error) {
	proj, err := s.projector.GetStock(ctx, ledger.ProductID(productID), ifNoneMatch)
	if err != nil {
		return StockResponse{}, err
	}
	return StockResponse{
		ProductID:    string(proj.ProductID),
		CurrentStock: proj.CurrentStock,
		ETag:         proj.Version.String(),
		NotModified:  proj.NotModified,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func normalize(req CreateMovementRequest) (ledger.MovementInput, error) {
	dir, err := ledger.ParseDirection(req.Type)
	if err != nil {
		return ledger.MovementInput{}, err
	}
	input := ledger.MovementInput{
		ProductID: ledger.ProductID(req.ProductID),
		Quantity:  req.Quantity,
		Direction: dir,
	}
	if err := input.Validate(); err != nil {
		return ledger.MovementInput{}, err
	}
	return input, nil
}

// Fingerprint hashes the normalized request, so "IN" and "in" produce the
// same fingerprint.
func Fingerprint(in ledger.MovementInput) string {
	h := sha256.New()
	h.Write([]byte(in.ProductID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(in.Quantity, 10)))
	h.Write([]byte{0})
	h.Write([]byte(in.Direction.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func newMovementResult(m ledger.Movement) MovementResult {
	return MovementResult{
		ID:        int64(m.ID),
		ProductID: string(m.ProductID),
		Quantity:  m.Quantity,
		Type:      m.Direction.String(),
		CreatedAt: m.RecordedAt.UTC().Format(CreatedAtLayout),
	}
}
