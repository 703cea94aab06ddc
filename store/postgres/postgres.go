/*
Package postgres provides a PostgreSQL-backed implementation of ledger.TxStore.

PURPOSE:
  Production store. Same contract as store/sqlite, built on gorm with the
  pgx driver underneath.

KEY TABLES:
  movements:        Immutable ledger of stock changes (BIGSERIAL id)
  idempotency_keys: Cached responses for guarded writes (key is PRIMARY KEY)

ORDERING:
  A sequence hands out ids at INSERT time, not at COMMIT time. Two writers
  on the same product could otherwise commit out of id order, and a reader
  would see the tag jump past a movement that is not yet visible.
  AppendMovement therefore takes

    pg_advisory_xact_lock(hashtext(product_id))

  before inserting. The lock is held until the surrounding transaction ends,
  so appends for one product commit in id order. Different products never
  contend (barring hash collisions, which only cost a wait).

SNAPSHOTS:
  WithSnapshot runs REPEATABLE READ, READ ONLY: the latest-id read and the
  sum read see the same committed state.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: Development store with the same schema
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/warp/stock-engine/ledger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLSTATE codes.
const (
	uniqueViolation        = "23505"
	numericValueOutOfRange = "22003"
)

// =============================================================================
// MODELS
// =============================================================================

type movementRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;index:idx_movements_product_id_desc,priority:2,sort:desc"`
	ProductID string    `gorm:"type:varchar(50);not null;index:idx_movements_product_id_desc,priority:1"`
	Quantity  int64     `gorm:"not null;check:chk_movements_quantity_positive,quantity > 0"`
	Direction string    `gorm:"type:varchar(3);not null;check:chk_movements_direction,direction IN ('in','out')"`
	CreatedAt time.Time `gorm:"not null"`
}

func (movementRow) TableName() string { return "movements" }

type idempotencyRow struct {
	Key          string    `gorm:"column:key;primaryKey;type:varchar(36)"`
	RequestHash  string    `gorm:"not null;default:''"`
	ResponseJSON []byte    `gorm:"column:response_json;type:bytea;not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_idempotency_keys_created_at"`
}

func (idempotencyRow) TableName() string { return "idempotency_keys" }

// =============================================================================
// STORE
// =============================================================================

// Store implements ledger.TxStore using PostgreSQL. A Store returned to a
// WithTx callback is bound to that transaction.
type Store struct {
	db   *gorm.DB
	inTx bool
	now  func() time.Time
}

// Open connects to PostgreSQL using a DSN (URL or key=value form).
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return ledger.NewStorageError("ping", err)
	}
	return ledger.NewStorageError("ping", sqlDB.PingContext(ctx))
}

// Migrate creates tables, indexes and check constraints.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&movementRow{}, &idempotencyRow{})
}

func (s *Store) AppendMovement(ctx context.Context, in ledger.MovementInput) (ledger.Movement, error) {
	if s.inTx {
		return s.appendLocked(ctx, s.db, in)
	}

	var m ledger.Movement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		m, err = s.appendLocked(ctx, tx, in)
		return err
	})
	if err != nil {
		return ledger.Movement{}, asStorageError("append movement", err)
	}
	return m, nil
}

func (s *Store) appendLocked(ctx context.Context, db *gorm.DB, in ledger.MovementInput) (ledger.Movement, error) {
	db = db.WithContext(ctx)

	if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", string(in.ProductID)).Error; err != nil {
		return ledger.Movement{}, ledger.NewStorageError("lock product", err)
	}

	row := movementRow{
		ProductID: string(in.ProductID),
		Quantity:  in.Quantity,
		Direction: in.Direction.String(),
		CreatedAt: s.now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		return ledger.Movement{}, ledger.NewStorageError("append movement", err)
	}

	return ledger.Movement{
		ID:         ledger.MovementID(row.ID),
		ProductID:  in.ProductID,
		Quantity:   in.Quantity,
		Direction:  in.Direction,
		RecordedAt: row.CreatedAt,
	}, nil
}

func (s *Store) LatestMovementID(ctx context.Context, productID ledger.ProductID) (ledger.MovementID, bool, error) {
	var id sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&movementRow{}).
		Select("MAX(id)").
		Where("product_id = ?", string(productID)).
		Row().
		Scan(&id)
	if err != nil {
		return 0, false, ledger.NewStorageError("latest movement id", err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return ledger.MovementID(id.Int64), true, nil
}

func (s *Store) SumMovements(ctx context.Context, productID ledger.ProductID) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(CASE direction WHEN 'in' THEN quantity ELSE -quantity END), 0)::bigint
			FROM movements WHERE product_id = ?`, string(productID)).
		Row().
		Scan(&sum)
	if hasSQLState(err, numericValueOutOfRange) {
		return 0, fmt.Errorf("sum movements for %s: %w", productID, ledger.ErrStockOverflow)
	}
	if err != nil {
		return 0, ledger.NewStorageError("sum movements", err)
	}
	return sum, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key ledger.IdempotencyKey) (*ledger.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.WithContext(ctx).Where("key = ?", string(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.NewStorageError("get idempotency record", err)
	}
	return &ledger.IdempotencyRecord{
		Key:         ledger.IdempotencyKey(row.Key),
		RequestHash: row.RequestHash,
		Response:    row.ResponseJSON,
		CreatedAt:   row.CreatedAt.UTC(),
	}, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec ledger.IdempotencyRecord) error {
	row := idempotencyRow{
		Key:          string(rec.Key),
		RequestHash:  rec.RequestHash,
		ResponseJSON: rec.Response,
		CreatedAt:    rec.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.NewStorageError("save idempotency record", err)
	}
	return nil
}

func (s *Store) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&idempotencyRow{})
	if res.Error != nil {
		return 0, ledger.NewStorageError("purge idempotency records", res.Error)
	}
	return res.RowsAffected, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	return s.transaction(ctx, nil, fn)
}

func (s *Store) WithSnapshot(ctx context.Context, fn func(store ledger.Store) error) error {
	return s.transaction(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *Store) transaction(ctx context.Context, opts *sql.TxOptions, fn func(store ledger.Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{db: tx, inTx: true, now: s.now})
		return fnErr
	}, opts)

	if err == nil {
		return nil
	}
	if fnErr != nil && err == fnErr {
		return err
	}
	// Begin or commit failed.
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return ledger.NewStorageError("transaction", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	return hasSQLState(err, uniqueViolation)
}

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func asStorageError(op string, err error) error {
	if errors.Is(err, ledger.ErrStorage) {
		return err
	}
	return ledger.NewStorageError(op, err)
}
