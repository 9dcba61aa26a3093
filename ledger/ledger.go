// Package ledger keeps the authoritative local record of intended and
// known orders for one symbol. Mutation happens exclusively inside the
// owning symbol's reconciliation pass; other components only read
// snapshots.
package ledger

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/quantgrid/qgr/types"
)

var (
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	ErrLevelOccupied     = errors.New("ledger: level already has a live order")
	ErrUnknownLevel      = errors.New("ledger: unknown level")
)

// Ledger is the per-symbol order book of record.
type Ledger struct {
	symbol string

	mu       sync.RWMutex
	records  map[string]*types.OrderRecord // keyed by level id
	archived []types.OrderRecord
	seq      uint64
}

func New(symbol string) *Ledger {
	return &Ledger{
		symbol:  symbol,
		records: make(map[string]*types.OrderRecord),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

// Seq returns the sequence number of the last mutation.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Upsert inserts a new record or replaces a terminal one at the same
// level. A live record at the level is never silently replaced.
func (l *Ledger) Upsert(rec types.OrderRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.records[rec.LevelID]; ok && !cur.Status.Terminal() {
		if cur.ClientID != rec.ClientID {
			return errors.Wrapf(ErrLevelOccupied, "level %s", rec.LevelID)
		}
	}
	l.seq++
	rec.Seq = l.seq
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	l.records[rec.LevelID] = &rec
	return nil
}

// Transition moves the record at levelID to a new status, enforcing the
// monotonic state machine.
func (l *Ledger) Transition(levelID string, to types.OrderStatus) error {
	return l.Mutate(levelID, func(r *types.OrderRecord) error {
		if r.Status == to {
			return nil
		}
		if !r.Status.CanTransition(to) {
			return errors.Wrapf(ErrInvalidTransition, "level %s: %s -> %s", levelID, r.Status, to)
		}
		r.Status = to
		return nil
	})
}

// Mutate applies fn to the record at levelID under the ledger lock and
// assigns the next sequence number. Only the reconciliation pass calls
// this.
func (l *Ledger) Mutate(levelID string, fn func(*types.OrderRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[levelID]
	if !ok {
		return errors.Wrapf(ErrUnknownLevel, "level %s", levelID)
	}
	if err := fn(rec); err != nil {
		return err
	}
	l.seq++
	rec.Seq = l.seq
	rec.UpdatedAt = time.Now()
	return nil
}

// Get returns a copy of the record at levelID.
func (l *Ledger) Get(levelID string) (types.OrderRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[levelID]
	if !ok {
		return types.OrderRecord{}, false
	}
	return *rec, true
}

// Archive removes a terminal record from the live set and keeps it for
// audit. Archiving a live record is a programming error.
func (l *Ledger) Archive(levelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[levelID]
	if !ok {
		return errors.Wrapf(ErrUnknownLevel, "level %s", levelID)
	}
	if !rec.Status.Terminal() {
		return errors.Errorf("ledger: archive of live order at level %s (%s)", levelID, rec.Status)
	}
	l.seq++
	rec.Seq = l.seq
	l.archived = append(l.archived, *rec)
	delete(l.records, levelID)
	return nil
}

// Active returns copies of all non-terminal records.
func (l *Ledger) Active() []types.OrderRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.OrderRecord
	for _, rec := range l.records {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// ActiveByLayer returns copies of non-terminal records in one layer.
func (l *Ledger) ActiveByLayer(layer types.LayerKind) []types.OrderRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.OrderRecord
	for _, rec := range l.records {
		if !rec.Status.Terminal() && rec.Level.Layer == layer {
			out = append(out, *rec)
		}
	}
	return out
}

// LockedNotional sums the resting notional of one layer.
func (l *Ledger) LockedNotional(layer types.LayerKind) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, rec := range l.records {
		if !rec.Status.Terminal() && rec.Level.Layer == layer {
			sum = sum.Add(rec.Notional())
		}
	}
	return sum
}

// Archived returns the audit trail of terminal records.
func (l *Ledger) Archived() []types.OrderRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.OrderRecord, len(l.archived))
	copy(out, l.archived)
	return out
}

// Restore replaces the live set from durable storage, keeping the
// sequence counter ahead of every loaded record.
func (l *Ledger) Restore(recs []types.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*types.OrderRecord, len(recs))
	for i := range recs {
		rec := recs[i]
		if rec.Seq > l.seq {
			l.seq = rec.Seq
		}
		l.records[rec.LevelID] = &rec
	}
}

// Mismatch pairs a local record with a remote order whose status
// disagrees with it.
type Mismatch struct {
	Local  types.OrderRecord
	Remote types.RemoteOrder
}

// Diff is the structured result of comparing the ledger against the
// exchange's open-order snapshot.
type Diff struct {
	OrphanedLocal []types.OrderRecord // live locally, absent or terminal remotely
	UnknownRemote []types.RemoteOrder // open remotely, unknown locally
	Mismatched    []Mismatch          // present on both sides, status differs
}

func (d Diff) Empty() bool {
	return len(d.OrphanedLocal) == 0 && len(d.UnknownRemote) == 0 && len(d.Mismatched) == 0
}

// Reconcile diffs the live records against remote open orders. Matching
// is by exchange order id, falling back to the client id for orders
// whose placement response was lost.
func (l *Ledger) Reconcile(remote []types.RemoteOrder) Diff {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byExchangeID := make(map[string]types.RemoteOrder, len(remote))
	byClientID := make(map[string]types.RemoteOrder, len(remote))
	for _, ro := range remote {
		if ro.ExchangeID != "" {
			byExchangeID[ro.ExchangeID] = ro
		}
		if ro.ClientID != "" {
			byClientID[ro.ClientID] = ro
		}
	}

	var diff Diff
	claimed := make(map[string]bool, len(remote))
	for _, rec := range l.records {
		if rec.Status.Terminal() {
			continue
		}
		ro, ok := types.RemoteOrder{}, false
		if rec.ExchangeID != "" {
			ro, ok = byExchangeID[rec.ExchangeID]
		}
		if !ok {
			ro, ok = byClientID[rec.ClientID]
		}
		if !ok {
			diff.OrphanedLocal = append(diff.OrphanedLocal, *rec)
			continue
		}
		claimed[ro.ExchangeID] = true
		if ro.Status != rec.Status || !ro.FilledQty.Equal(rec.FilledQty) {
			diff.Mismatched = append(diff.Mismatched, Mismatch{Local: *rec, Remote: ro})
		}
	}
	for _, ro := range remote {
		if !claimed[ro.ExchangeID] {
			diff.UnknownRemote = append(diff.UnknownRemote, ro)
		}
	}
	return diff
}
