/*
Package ledger provides the stock movement ledger engine.

PURPOSE:
  This package holds the domain types and algorithms behind stock tracking:
  an append-only ledger of movements, an idempotency guard that makes
  client writes apply at most once, and a projector that folds the ledger
  into a current stock value with conditional-read support.

KEY CONCEPTS IN THIS FILE (types.go):
  - Movement: An immutable ledger entry (product, quantity, direction)
  - Direction: Tagged In/Out enum, never a raw integer
  - IdempotencyKey: Canonical client-supplied UUID
  - IdempotencyRecord: Cached response paired with a key

DESIGN PRINCIPLES:
  1. Append-only: Movements are never updated or deleted
  2. Derived state: Stock is always folded from movements, never stored
  3. Type safety: Product and movement ids have their own types

SEE ALSO:
  - ledger.go: Append and aggregate operations
  - idempotency.go: Guarded writes
  - projection.go: Stock reads with version tags
*/
package ledger

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxProductIDLength bounds product identifiers to the width of the
// product_id column.
const MaxProductIDLength = 50

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string

// MovementID is assigned by the store and strictly increases with insertion
// order.
type MovementID int64

// =============================================================================
// DIRECTION - In/Out tag on every movement
// =============================================================================

type Direction int

const (
	DirectionIn Direction = iota + 1
	DirectionOut
)

// ParseDirection accepts "in" or "out" in any letter case, surrounding
// whitespace ignored.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	default:
		return 0, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown direction %q, expected \"in\" or \"out\"", s)}
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Sign returns +1 for In and -1 for Out.
func (d Direction) Sign() int64 {
	switch d {
	case DirectionIn:
		return 1
	case DirectionOut:
		return -1
	default:
		return 0
	}
}

func (d Direction) Valid() bool {
	switch d {
	case DirectionIn, DirectionOut:
		return true
	default:
		return false
	}
}

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

// Movement is an immutable fact: quantity units of a product moved in or out.
type Movement struct {
	ID         MovementID
	ProductID  ProductID
	Quantity   int64
	Direction  Direction
	RecordedAt time.Time
}

// Delta is the signed contribution of the movement to stock.
func (m Movement) Delta() int64 {
	return m.Direction.Sign() * m.Quantity
}

// MovementInput is what a caller asks the ledger to append. The store
// assigns ID and RecordedAt.
type MovementInput struct {
	ProductID ProductID
	Quantity  int64
	Direction Direction
}

// Validate rejects input before any store interaction.
func (in MovementInput) Validate() error {
	if err := ValidateProductID(in.ProductID); err != nil {
		return err
	}
	if in.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be a positive integer"}
	}
	if !in.Direction.Valid() {
		return &ValidationError{Field: "type", Message: "must be \"in\" or \"out\""}
	}
	return nil
}

func ValidateProductID(id ProductID) error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return &ValidationError{Field: "product_id", Message: "is required"}
	}
	if utf8.RuneCountInString(s) > MaxProductIDLength {
		return &ValidationError{Field: "product_id", Message: fmt.Sprintf("must be at most %d characters", MaxProductIDLength)}
	}
	return nil
}

// Fold computes stock from a movement history: Σ in − Σ out. It returns
// ErrStockOverflow instead of wrapping around.
func Fold(movements []Movement) (int64, error) {
	var stock int64
	for _, m := range movements {
		d := m.Delta()
		next := stock + d
		if (d > 0 && next < stock) || (d < 0 && next > stock) {
			return 0, ErrStockOverflow
		}
		stock = next
	}
	return stock, nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// IdempotencyKey is a client-supplied UUID in canonical lowercase form.
type IdempotencyKey string

// ParseIdempotencyKey validates and canonicalizes a raw key. An empty string
// is malformed; callers check for an absent header before parsing.
func ParseIdempotencyKey(raw string) (IdempotencyKey, error) {
	u, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", &ValidationError{Field: "Idempotency-Key", Message: "must be a UUID", Err: err}
	}
	return IdempotencyKey(u.String()), nil
}

// IdempotencyRecord pairs a key with the response of the write it guarded.
// Written once in the same transaction as the movement, immutable after.
type IdempotencyRecord struct {
	Key         IdempotencyKey
	RequestHash string
	Response    []byte
	CreatedAt   time.Time
}
