/*
idempotency.go - At-most-once writes keyed by a client-supplied UUID

PURPOSE:
  A retried write (network timeout, double submit) must not apply twice,
  and every retry must get back exactly the response the first attempt
  produced.

FLOW (key present):
  1. BEGIN
  2. Look up the key. Found: return the cached response, op never runs.
  3. Run op against the tx-scoped store (it appends the movement).
  4. Insert the IdempotencyRecord (key UNIQUE).
  5. COMMIT. Movement and record become visible together.

RACES:
  Two requests with the same unseen key can both pass step 2. The store's
  uniqueness constraint lets exactly one commit its record; the loser gets
  ErrDuplicateIdempotencyKey, its transaction rolls back (taking its
  movement with it), and the Guard answers with the winner's cached
  response.

FAILURES:
  If op fails, nothing commits and no record exists, so the same key can be
  retried as a fresh attempt.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Operation performs the guarded write against the transaction-scoped store
// and returns the serialized response to cache.
type Operation func(ctx context.Context, store Store) ([]byte, error)

// Outcome is the result of a guarded write.
type Outcome struct {
	Response []byte
	// Replayed is true when Response came from an existing record rather
	// than from running the operation in this call.
	Replayed bool
}

type Guard struct {
	store TxStore
	now   func() time.Time
}

func NewGuard(store TxStore) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Do runs op at most once per key. An empty key disables deduplication.
// requestHash fingerprints the request; a stored record with a different
// hash yields ErrIdempotencyKeyReused instead of the cached response.
func (g *Guard) Do(ctx context.Context, key IdempotencyKey, requestHash string, op Operation) (Outcome, error) {
	if key == "" {
		var out Outcome
		err := g.store.WithTx(ctx, func(tx Store) error {
			resp, err := op(ctx, tx)
			if err != nil {
				return err
			}
			out.Response = resp
			return nil
		})
		return out, err
	}

	var out Outcome
	err := g.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetIdempotencyRecord(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out, err = replay(existing, requestHash)
			return err
		}

		resp, err := op(ctx, tx)
		if err != nil {
			return err
		}

		if err := tx.SaveIdempotencyRecord(ctx, IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Response:    resp,
			CreatedAt:   g.now().UTC(),
		}); err != nil {
			return err
		}
		out = Outcome{Response: resp}
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost the race: our transaction is gone, the winner's record is
		// committed.
		return g.resolveConflict(ctx, key, requestHash)
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (g *Guard) resolveConflict(ctx context.Context, key IdempotencyKey, requestHash string) (Outcome, error) {
	winner, err := g.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if winner == nil {
		return Outcome{}, NewStorageError("resolve idempotency conflict",
			fmt.Errorf("record for key %s not visible after duplicate-key violation", key))
	}
	return replay(winner, requestHash)
}

func replay(rec *IdempotencyRecord, requestHash string) (Outcome, error) {
	if rec.RequestHash != "" && requestHash != "" && rec.RequestHash != requestHash {
		return Outcome{}, fmt.Errorf("key %s: %w", rec.Key, ErrIdempotencyKeyReused)
	}
	return Outcome{Response: rec.Response, Replayed: true}, nil
}
