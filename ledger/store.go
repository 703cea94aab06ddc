/*
store.go - Persistence interface for movements and idempotency records

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Implementations: store/sqlite, store/postgres, ledger/store (memory).

APPEND-ONLY CONTRACT:
  AppendMovement is the only movement write. There is no Update or Delete.
  Idempotency records are written once; PurgeIdempotencyRecords exists for
  an optional retention sweeper and never touches movements.

TRANSACTIONS:
  WithTx runs fn in one read-write transaction: every write fn performs
  through the Store it is handed commits together or not at all. This is
  what lets the Guard persist a movement and its idempotency record
  atomically.

  WithSnapshot runs fn against one consistent read-only view, so the
  projector's version marker and aggregate describe the same ledger state.

ORDERING:
  Implementations serialize appends for a product until the appending
  transaction ends, so movement ids for a product are consistent with
  commit order.
*/
package ledger

import (
	"context"
	"time"
)

// Store is the set of operations available both inside and outside a
// transaction.
type Store interface {
	// AppendMovement persists a movement and returns it with the assigned
	// ID and RecordedAt. This is the ONLY movement write.
	AppendMovement(ctx context.Context, in MovementInput) (Movement, error)

	// LatestMovementID returns the highest movement id for the product.
	// ok is false when the product has no history.
	LatestMovementID(ctx context.Context, productID ProductID) (id MovementID, ok bool, err error)

	// SumMovements returns Σ in − Σ out for the product, 0 when it has none.
	SumMovements(ctx context.Context, productID ProductID) (int64, error)

	// GetIdempotencyRecord returns nil, nil when the key is unknown.
	GetIdempotencyRecord(ctx context.Context, key IdempotencyKey) (*IdempotencyRecord, error)

	// SaveIdempotencyRecord fails with ErrDuplicateIdempotencyKey when the
	// key already exists.
	SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error

	// PurgeIdempotencyRecords deletes records created before the cutoff and
	// returns how many were removed.
	PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}

// TxStore adds transaction scoping to Store.
type TxStore interface {
	Store

	// WithTx executes fn within a read-write transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed; a commit failure is
	// returned as the error.
	WithTx(ctx context.Context, fn func(Store) error) error

	// WithSnapshot executes fn within a read-only transaction that sees a
	// single consistent state of the ledger.
	WithSnapshot(ctx context.Context, fn func(Store) error) error
}

// StockCache memoizes folded stock per (product, latest movement id). Entries
// never go stale: a new movement changes the id and therefore the key.
type StockCache interface {
	GetStock(ctx context.Context, productID ProductID, version MovementID) (stock int64, ok bool, err error)
	SetStock(ctx context.Context, productID ProductID, version MovementID, stock int64) error
}
