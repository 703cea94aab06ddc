/*
ledger.go - Append-only movement log

PURPOSE:
  The Ledger is the source of truth for stock. Every incoming and outgoing
  quantity change is recorded here as a Movement. Current stock is always
  computed from movements; there is no stored balance that could drift
  from the history.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IMMUTABLE: Once written, a movement never changes.
  3. ORDERED: Movement ids strictly increase with insertion order, so the
     latest id for a product identifies its current aggregate state.

SEE ALSO:
  - store.go: Low-level persistence interface
  - projection.go: Version-tagged stock reads
*/
package ledger

import "context"

// Ledger is the validated entry point to a Store.
type Ledger interface {
	// Append validates and persists a movement. This is the ONLY write.
	Append(ctx context.Context, in MovementInput) (Movement, error)

	// LatestMovementID returns the product's version marker; ok is false for
	// products with no history.
	LatestMovementID(ctx context.Context, productID ProductID) (MovementID, bool, error)

	// CurrentStock folds the product's movements. It returns 0, not an
	// error, for unknown products; check LatestMovementID to tell
	// "unknown" from "zero stock".
	CurrentStock(ctx context.Context, productID ProductID) (int64, error)
}

type DefaultLedger struct {
	Store Store
}

// NewLedger builds a ledger over store. Inside WithTx, pass the tx-scoped
// Store so the append joins the surrounding transaction.
func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, in MovementInput) (Movement, error) {
	if err := in.Validate(); err != nil {
		return Movement{}, err
	}
	return l.Store.AppendMovement(ctx, in)
}

func (l *DefaultLedger) LatestMovementID(ctx context.Context, productID ProductID) (MovementID, bool, error) {
	return l.Store.LatestMovementID(ctx, productID)
}

func (l *DefaultLedger) CurrentStock(ctx context.Context, productID ProductID) (int64, error) {
	return l.Store.SumMovements(ctx, productID)
}
