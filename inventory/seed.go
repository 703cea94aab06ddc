package inventory

import (
	"context"

	"github.com/warp/stock-engine/ledger"
)

// SampleMovements is the demo data loaded by Seed. Resulting stock:
// ABC123=70, XYZ789=125, DEF456=65, GHI321=450.
var SampleMovements = []ledger.MovementInput{
	{ProductID: "ABC123", Quantity: 100, Direction: ledger.DirectionIn},
	{ProductID: "ABC123", Quantity: 30, Direction: ledger.DirectionOut},
	{ProductID: "XYZ789", Quantity: 200, Direction: ledger.DirectionIn},
	{ProductID: "XYZ789", Quantity: 50, Direction: ledger.DirectionOut},
	{ProductID: "XYZ789", Quantity: 25, Direction: ledger.DirectionOut},
	{ProductID: "DEF456", Quantity: 75, Direction: ledger.DirectionIn},
	{ProductID: "DEF456", Quantity: 10, Direction: ledger.DirectionOut},
	{ProductID: "GHI321", Quantity: 500, Direction: ledger.DirectionIn},
	{ProductID: "GHI321", Quantity: 150, Direction: ledger.DirectionOut},
	{ProductID: "GHI321", Quantity: 100, Direction: ledger.DirectionIn},
}

// Seed appends SampleMovements in one transaction. Running it twice doubles
// the history; it is meant for empty databases.
func Seed(ctx context.Context, store ledger.TxStore) (int, error) {
	err := store.WithTx(ctx, func(tx ledger.Store) error {
		l := ledger.NewLedger(tx)
		for _, in := range SampleMovements {
			if _, err := l.Append(ctx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(SampleMovements), nil
}
