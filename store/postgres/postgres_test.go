package postgres_test

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/store/postgres"
)

// newStore connects to DATABASE_URL and skips when it is unset. Each test
// uses its own product ids, so tests do not need a clean database.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	store, err := postgres.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func uniqueProduct(prefix string) ledger.ProductID {
	return ledger.ProductID(prefix + "-" + uuid.NewString()[:8])
}

func newKey() ledger.IdempotencyKey {
	return ledger.IdempotencyKey(uuid.NewString())
}

func TestPostgres_AppendAndAggregate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := uniqueProduct("XYZ")

	// GIVEN: 200 in, 50 out, 25 out
	var last ledger.MovementID
	for _, in := range []ledger.MovementInput{
		{ProductID: p, Quantity: 200, Direction: ledger.DirectionIn},
		{ProductID: p, Quantity: 50, Direction: ledger.DirectionOut},
		{ProductID: p, Quantity: 25, Direction: ledger.DirectionOut},
	} {
		m, err := store.AppendMovement(ctx, in)
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}

	// THEN: stock is 125 and the latest id is the last append
	sum, err := store.SumMovements(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(125), sum)

	latest, ok, err := store.LatestMovementID(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, last, latest)

	_, ok, err = store.LatestMovementID(ctx, uniqueProduct("none"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := newKey()

	rec := ledger.IdempotencyRecord{Key: key, RequestHash: "h", Response: []byte(`{}`), CreatedAt: time.Now()}
	require.NoError(t, store.SaveIdempotencyRecord(ctx, rec))

	err := store.SaveIdempotencyRecord(ctx, rec)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	got, err := store.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte(`{}`), got.Response)
}

func TestPostgres_GuardConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	guard := ledger.NewGuard(store)
	p := uniqueProduct("P")
	key := newKey()

	const callers = 8
	responses := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := guard.Do(ctx, key, "h", func(ctx context.Context, tx ledger.Store) ([]byte, error) {
				m, err := ledger.NewLedger(tx).Append(ctx, ledger.MovementInput{ProductID: p, Quantity: 50, Direction: ledger.DirectionIn})
				if err != nil {
					return nil, err
				}
				return []byte(`{"id":` + strconv.FormatInt(int64(m.ID), 10) + `}`), nil
			})
			responses[i] = res.Response
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, responses[0], responses[i])
	}

	sum, err := store.SumMovements(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(50), sum)
}

func TestPostgres_ProjectorSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := uniqueProduct("DEF")

	_, err := store.AppendMovement(ctx, ledger.MovementInput{ProductID: p, Quantity: 75, Direction: ledger.DirectionIn})
	require.NoError(t, err)
	_, err = store.AppendMovement(ctx, ledger.MovementInput{ProductID: p, Quantity: 10, Direction: ledger.DirectionOut})
	require.NoError(t, err)

	proj, err := ledger.NewProjector(store).GetStock(ctx, p, "")
	require.NoError(t, err)
	assert.Equal(t, int64(65), proj.CurrentStock)

	again, err := ledger.NewProjector(store).GetStock(ctx, p, proj.Version.String())
	require.NoError(t, err)
	assert.True(t, again.NotModified)
}

func TestPostgres_Ping(t *testing.T) {
	store := newStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
