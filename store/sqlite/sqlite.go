/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Default store for development, demos and tests. The PostgreSQL store in
  store/postgres implements the same contract for production.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the movements table
  - No DELETE statements on the movements table
  - idempotency_keys rows are only deleted by the retention purge

KEY TABLES:
  movements:        Immutable ledger of stock changes
  idempotency_keys: Cached responses for guarded writes (key is PRIMARY KEY)

INDEXES:
  - idx_movements_product_id_desc: latest-id lookup and per-product sums
  - idx_idempotency_keys_created_at: retention purge

CONCURRENCY:
  The pool is capped at one connection and transactions start with
  BEGIN IMMEDIATE, so there is exactly one writer at a time. That makes
  movement ids consistent with commit order and makes every transaction a
  consistent snapshot.

  Inside WithTx and WithSnapshot every statement goes through the *sql.Tx.
  Touching s.db from inside fn would wait forever for the only connection.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  guard := ledger.NewGuard(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/stock-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, now: time.Now}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return ledger.NewStorageError("ping", s.db.PingContext(ctx))
}

// Migrate creates the database schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id TEXT NOT NULL CHECK (length(trim(product_id)) > 0 AND length(product_id) <= 50),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
		created_at TEXT NOT NULL
	);

	-- Latest-id lookup is an index seek; sums scan one product's range
	CREATE INDEX IF NOT EXISTS idx_movements_product_id_desc
		ON movements(product_id, id DESC);

	-- Idempotency records, written in the same transaction as the movement
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL DEFAULT '',
		response_json BLOB NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_keys_created_at
		ON idempotency_keys(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// STORE (ledger.Store interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) AppendMovement(ctx context.Context, in ledger.MovementInput) (ledger.Movement, error) {
	return s.appendMovement(ctx, s.db, in)
}

func (s *Store) appendMovement(ctx context.Context, q querier, in ledger.MovementInput) (ledger.Movement, error) {
	recordedAt := s.now().UTC()

	res, err := q.ExecContext(ctx,
		`INSERT INTO movements (product_id, quantity, direction, created_at) VALUES (?, ?, ?, ?)`,
		string(in.ProductID),
		in.Quantity,
		in.Direction.String(),
		recordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ledger.Movement{}, ledger.NewStorageError("append movement", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Movement{}, ledger.NewStorageError("append movement", err)
	}

	return ledger.Movement{
		ID:         ledger.MovementID(id),
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		Direction:  in.Direction,
		RecordedAt: recordedAt,
	}, nil
}

func (s *Store) LatestMovementID(ctx context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	return latestMovementID(ctx, s.db, productID)
}

func latestMovementID(ctx context.Context, q querier, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	var id sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT MAX(id) FROM movements WHERE product_id = ?`,
		string(productID),
	).Scan(&id)
	if err != nil {
		return 0, false, ledger.NewStorageError("latest movement id", err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return ledger.MovementID(id.Int64), true, nil
}

func (s *Store) SumMovements(ctx context.Context, productID ledger.ProductID) (int64, error) {
	return sumMovements(ctx, s.db, productID)
}

func sumMovements(ctx context.Context, q querier, productID ledger.ProductID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE direction WHEN 'in' THEN quantity ELSE -quantity END), 0)
		FROM movements
		WHERE product_id = ?`,
		string(productID),
	).Scan(&sum)
	if isIntegerOverflow(err) {
		return 0, fmt.Errorf("sum movements for %s: %w", productID, ledger.ErrStockOverflow)
	}
	if err != nil {
		return 0, ledger.NewStorageError("sum movements", err)
	}
	return sum, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	return getIdempotencyRecord(ctx, s.db, key)
}

func getIdempotencyRecord(ctx context.Context, q querier, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	var (
		rec       ledger.IdempotencyRecord
		rawKey    string
		createdAt string
	)

	err := q.QueryRowContext(ctx,
		`SELECT key, request_hash, response_json, created_at FROM idempotency_keys WHERE key = ?`,
		string(key),
	).Scan(&rawKey, &rec.RequestHash, &rec.Response, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.NewStorageError("get idempotency record", err)
	}

	rec.Key = ledger.IdempotencyKey(rawKey)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec ledger.IdempotencyRecord) error {
	return saveIdempotencyRecord(ctx, s.db, rec)
}

func saveIdempotencyRecord(ctx context.Context, q querier, rec ledger.IdempotencyRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, response_json, created_at) VALUES (?, ?, ?, ?)`,
		string(rec.Key),
		rec.RequestHash,
		rec.Response,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.NewStorageError("save idempotency record", err)
	}
	return nil
}

func (s *Store) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	return purgeIdempotencyRecords(ctx, s.db, before)
}

// RFC3339Nano in UTC sorts lexically in time order, so the text comparison
// below is a time comparison.
func purgeIdempotencyRecords(ctx context.Context, q querier, before time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, ledger.NewStorageError("purge idempotency records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledger.NewStorageError("purge idempotency records", err)
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	return s.runTx(ctx, nil, fn)
}

// WithSnapshot executes fn in a read-only transaction. With a single
// connection no write can interleave with it.
func (s *Store) WithSnapshot(ctx context.Context, fn func(store ledger.Store) error) error {
	return s.runTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *Store) runTx(ctx context.Context, opts *sql.TxOptions, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return ledger.NewStorageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.NewStorageError("commit transaction", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) AppendMovement(ctx context.Context, in ledger.MovementInput) (ledger.Movement, error) {
	return ts.parent.appendMovement(ctx, ts.tx, in)
}

func (ts *txStore) LatestMovementID(ctx context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	return latestMovementID(ctx, ts.tx, productID)
}

func (ts *txStore) SumMovements(ctx context.Context, productID ledger.ProductID) (int64, error) {
	return sumMovements(ctx, ts.tx, productID)
}

func (ts *txStore) GetIdempotencyRecord(ctx context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	return getIdempotencyRecord(ctx, ts.tx, key)
}

func (ts *txStore) SaveIdempotencyRecord(ctx context.Context, rec ledger.IdempotencyRecord) error {
	return saveIdempotencyRecord(ctx, ts.tx, rec)
}

func (ts *txStore) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	return purgeIdempotencyRecords(ctx, ts.tx, before)
}

// =============================================================================
// HELPERS
// =============================================================================

// isIntegerOverflow reports SQLite's SUM() overflow, which it raises as a
// plain SQLITE_ERROR.
func isIntegerOverflow(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.Code == sqlite3.ErrError &&
		strings.Contains(err.Error(), "integer overflow")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
