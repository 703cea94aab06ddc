// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/stock-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps movements per product in id order. WithTx holds the write
// lock for the whole transaction, which serializes writers the same way a
// single-writer database would.
type Memory struct {
	mu          sync.RWMutex
	nextID      ledger.MovementID
	movements   map[ledger.ProductID][]ledger.Movement
	idempotency map[ledger.IdempotencyKey]ledger.IdempotencyRecord
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		movements:   make(map[ledger.ProductID][]ledger.Movement),
		idempotency: make(map[ledger.IdempotencyKey]ledger.IdempotencyRecord),
		now:         time.Now,
	}
}

func (m *Memory) AppendMovement(_ context.Context, in ledger.MovementInput) (ledger.Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(in), nil
}

func (m *Memory) appendLocked(in ledger.MovementInput) ledger.Movement {
	m.nextID++
	mv := ledger.Movement{
		ID:         m.nextID,
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		Direction:  in.Direction,
		RecordedAt: m.now().UTC(),
	}
	m.movements[in.ProductID] = append(m.movements[in.ProductID], mv)
	return mv
}

func (m *Memory) LatestMovementID(_ context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latestLocked(productID)
	return id, ok, nil
}

func (m *Memory) latestLocked(productID ledger.ProductID) (ledger.MovementID, bool) {
	mvs := m.movements[productID]
	if len(mvs) == 0 {
		return 0, false
	}
	return mvs[len(mvs)-1].ID, true
}

func (m *Memory) SumMovements(_ context.Context, productID ledger.ProductID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ledger.Fold(m.movements[productID])
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordLocked(key), nil
}

func (m *Memory) getRecordLocked(key ledger.IdempotencyKey) *ledger.IdempotencyRecord {
	rec, ok := m.idempotency[key]
	if !ok {
		return nil
	}
	rec.Response = append([]byte(nil), rec.Response...)
	return &rec
}

func (m *Memory) SaveIdempotencyRecord(_ context.Context, rec ledger.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRecordLocked(rec)
}

func (m *Memory) saveRecordLocked(rec ledger.IdempotencyRecord) error {
	if _, exists := m.idempotency[rec.Key]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	rec.Response = append([]byte(nil), rec.Response...)
	m.idempotency[rec.Key] = rec
	return nil
}

func (m *Memory) PurgeIdempotencyRecords(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idempotency {
		if rec.CreatedAt.Before(before) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

// MovementCount returns the total number of movements across products.
func (m *Memory) MovementCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, mvs := range m.movements {
		n += len(mvs)
	}
	return n
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot and
// restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

// WithSnapshot holds the read lock, so no write can interleave with fn.
func (m *Memory) WithSnapshot(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&readView{parent: m})
}

type memorySnapshot struct {
	movements   map[ledger.ProductID][]ledger.Movement
	idempotency map[ledger.IdempotencyKey]ledger.IdempotencyRecord
}

func (m *Memory) snapshot() memorySnapshot {
	mvCopy := make(map[ledger.ProductID][]ledger.Movement, len(m.movements))
	for k, v := range m.movements {
		mvCopy[k] = append([]ledger.Movement(nil), v...)
	}
	idemCopy := make(map[ledger.IdempotencyKey]ledger.IdempotencyRecord, len(m.idempotency))
	for k, v := range m.idempotency {
		idemCopy[k] = v
	}
	return memorySnapshot{movements: mvCopy, idempotency: idemCopy}
}

// restore keeps nextID moving forward, like a database sequence that does
// not give back ids from rolled back transactions.
func (m *Memory) restore(s memorySnapshot) {
	m.movements = s.movements
	m.idempotency = s.idempotency
}

// txView runs with the parent's write lock already held.
type txView struct {
	parent *Memory
}

func (tv *txView) AppendMovement(_ context.Context, in ledger.MovementInput) (ledger.Movement, error) {
	return tv.parent.appendLocked(in), nil
}

func (tv *txView) LatestMovementID(_ context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	id, ok := tv.parent.latestLocked(productID)
	return id, ok, nil
}

func (tv *txView) SumMovements(_ context.Context, productID ledger.ProductID) (int64, error) {
	return ledger.Fold(tv.parent.movements[productID])
}

func (tv *txView) GetIdempotencyRecord(_ context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	return tv.parent.getRecordLocked(key), nil
}

func (tv *txView) SaveIdempotencyRecord(_ context.Context, rec ledger.IdempotencyRecord) error {
	return tv.parent.saveRecordLocked(rec)
}

func (tv *txView) PurgeIdempotencyRecords(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for k, rec := range tv.parent.idempotency {
		if rec.CreatedAt.Before(before) {
			delete(tv.parent.idempotency, k)
			n++
		}
	}
	return n, nil
}

// readView runs with the parent's read lock held and rejects writes.
type readView struct {
	parent *Memory
}

func (rv *readView) AppendMovement(context.Context, ledger.MovementInput) (ledger.Movement, error) {
	return ledger.Movement{}, errReadOnly
}

func (rv *readView) LatestMovementID(_ context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	id, ok := rv.parent.latestLocked(productID)
	return id, ok, nil
}

func (rv *readView) SumMovements(_ context.Context, productID ledger.ProductID) (int64, error) {
	return ledger.Fold(rv.parent.movements[productID])
}

func (rv *readView) GetIdempotencyRecord(_ context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	return rv.parent.getRecordLocked(key), nil
}

func (rv *readView) SaveIdempotencyRecord(context.Context, ledger.IdempotencyRecord) error {
	return errReadOnly
}

func (rv *readView) PurgeIdempotencyRecords(context.Context, time.Time) (int64, error) {
	return 0, errReadOnly
}

var errReadOnly = ledger.NewStorageError("memory store", errors.New("write inside read-only snapshot"))
