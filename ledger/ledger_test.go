package ledger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantgrid/qgr/types"
)

func record(levelID, clientID string, side types.Side, price string, status types.OrderStatus) types.OrderRecord {
	p := decimal.RequireFromString(price)
	return types.OrderRecord{
		Level: types.GridLevel{
			Layer: types.HighFreq,
			Side:  side,
			Index: 1,
			Price: p,
		},
		LevelID:  levelID,
		ClientID: clientID,
		Side:     side,
		Price:    p,
		Quantity: decimal.RequireFromString("0.2"),
		Status:   status,
	}
}

func TestTransitionMonotonic(t *testing.T) {
	l := New("BTCUSDT")
	require.NoError(t, l.Upsert(record("lv1", "c1", types.Buy, "99.50", types.Intended)))

	require.NoError(t, l.Transition("lv1", types.Submitted))
	require.NoError(t, l.Transition("lv1", types.Acknowledged))
	require.NoError(t, l.Transition("lv1", types.PartiallyFilled))
	require.NoError(t, l.Transition("lv1", types.Filled))

	// terminal, nothing moves anymore
	err := l.Transition("lv1", types.Cancelled)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	// never backward
	require.NoError(t, l.Upsert(record("lv2", "c2", types.Sell, "100.50", types.Intended)))
	require.NoError(t, l.Transition("lv2", types.Submitted))
	require.NoError(t, l.Transition("lv2", types.Acknowledged))
	err = l.Transition("lv2", types.Submitted)
	require.True(t, errors.Is(err, ErrInvalidTransition))

	rec, ok := l.Get("lv2")
	require.True(t, ok)
	require.Equal(t, types.Acknowledged, rec.Status)
}

func TestSequenceNumbers(t *testing.T) {
	l := New("BTCUSDT")
	require.NoError(t, l.Upsert(record("lv1", "c1", types.Buy, "99.50", types.Intended)))
	require.NoError(t, l.Transition("lv1", types.Submitted))
	require.NoError(t, l.Transition("lv1", types.Acknowledged))

	rec, _ := l.Get("lv1")
	require.Equal(t, uint64(3), rec.Seq)
	require.Equal(t, uint64(3), l.Seq())

	// replay after restart keeps the counter ahead of loaded state
	restored := New("BTCUSDT")
	restored.Restore([]types.OrderRecord{rec})
	require.Equal(t, uint64(3), restored.Seq())
	require.NoError(t, restored.Transition("lv1", types.PartiallyFilled))
	got, _ := restored.Get("lv1")
	require.Equal(t, uint64(4), got.Seq)
}

func TestUpsertOccupiedLevel(t *testing.T) {
	l := New("BTCUSDT")
	require.NoError(t, l.Upsert(record("lv1", "c1", types.Buy, "99.50", types.Acknowledged)))

	// a different order may not claim a level with a live record
	err := l.Upsert(record("lv1", "c2", types.Buy, "99.50", types.Intended))
	require.True(t, errors.Is(err, ErrLevelOccupied))

	// same client id is an idempotent refresh
	require.NoError(t, l.Upsert(record("lv1", "c1", types.Buy, "99.50", types.Acknowledged)))

	// after the record goes terminal and is archived the level is free
	require.NoError(t, l.Transition("lv1", types.Cancelled))
	require.NoError(t, l.Archive("lv1"))
	require.NoError(t, l.Upsert(record("lv1", "c2", types.Buy, "99.50", types.Intended)))
}

func TestArchiveLiveOrderRejected(t *testing.T) {
	l := New("BTCUSDT")
	require.NoError(t, l.Upsert(record("lv1", "c1", types.Buy, "99.50", types.Acknowledged)))
	require.Error(t, l.Archive("lv1"))
}

func TestReconcileDiff(t *testing.T) {
	l := New("BTCUSDT")

	acked := record("lv1", "c1", types.Buy, "99.50", types.Acknowledged)
	acked.ExchangeID = "x1"
	require.NoError(t, l.Upsert(acked))

	missing := record("lv2", "c2", types.Buy, "99.00", types.Acknowledged)
	missing.ExchangeID = "x2"
	require.NoError(t, l.Upsert(missing))

	// submitted but the place response was dropped: no exchange id yet
	inflight := record("lv3", "c3", types.Sell, "100.50", types.Submitted)
	require.NoError(t, l.Upsert(inflight))

	remote := []types.RemoteOrder{
		{ExchangeID: "x1", ClientID: "c1", Side: types.Buy,
			Price: decimal.RequireFromString("99.50"), Status: types.PartiallyFilled,
			FilledQty: decimal.RequireFromString("0.1")},
		{ExchangeID: "x3", ClientID: "c3", Side: types.Sell,
			Price: decimal.RequireFromString("100.50"), Status: types.Acknowledged},
		{ExchangeID: "x9", ClientID: "manual", Side: types.Sell,
			Price: decimal.RequireFromString("105.00"), Status: types.Acknowledged},
	}

	diff := l.Reconcile(remote)

	// lv2 vanished remotely
	require.Len(t, diff.OrphanedLocal, 1)
	require.Equal(t, "lv2", diff.OrphanedLocal[0].LevelID)

	// x9 was placed outside the engine
	require.Len(t, diff.UnknownRemote, 1)
	require.Equal(t, "x9", diff.UnknownRemote[0].ExchangeID)

	// lv1 progressed remotely, lv3 matched by client id with a new status
	require.Len(t, diff.Mismatched, 2)
	byLevel := map[string]Mismatch{}
	for _, m := range diff.Mismatched {
		byLevel[m.Local.LevelID] = m
	}
	require.Equal(t, types.PartiallyFilled, byLevel["lv1"].Remote.Status)
	require.Equal(t, "x3", byLevel["lv3"].Remote.ExchangeID)
}

func TestReconcileConverged(t *testing.T) {
	l := New("BTCUSDT")
	rec := record("lv1", "c1", types.Buy, "99.50", types.Acknowledged)
	rec.ExchangeID = "x1"
	require.NoError(t, l.Upsert(rec))
	diff := l.Reconcile([]types.RemoteOrder{{
		ExchangeID: "x1", ClientID: "c1", Side: types.Buy,
		Price:  decimal.RequireFromString("99.50"),
		Status: types.Acknowledged,
	}})
	require.True(t, diff.Empty())
}

func TestLockedNotional(t *testing.T) {
	l := New("BTCUSDT")
	a := record("lv1", "c1", types.Buy, "100", types.Acknowledged)
	b := record("lv2", "c2", types.Buy, "50", types.Acknowledged)
	c := record("lv3", "c3", types.Buy, "10", types.Filled) // terminal, not locked
	require.NoError(t, l.Upsert(a))
	require.NoError(t, l.Upsert(b))
	require.NoError(t, l.Upsert(c))

	// 100*0.2 + 50*0.2
	require.Equal(t, "30", l.LockedNotional(types.HighFreq).String())
	require.True(t, l.LockedNotional(types.Insurance).IsZero())
}
