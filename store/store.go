// Package store persists ledger entries, capital state, trades, and
// events to MongoDB. Decimals are stored as strings so no precision is
// lost round-tripping through BSON.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/quantgrid/qgr/types"
)

const (
	collOrders  = "orders"
	collTrades  = "trades"
	collCapital = "capital"
	collRisk    = "risk"
	collEvents  = "events"
)

type Store struct {
	db    *mongo.Database
	sugar *zap.SugaredLogger
}

func New(db *mongo.Database, sugar *zap.SugaredLogger) *Store {
	return &Store{db: db, sugar: sugar}
}

type orderDoc struct {
	ID           string    `bson:"_id"` // symbol|levelID
	Symbol       string    `bson:"symbol"`
	LevelID      string    `bson:"levelId"`
	Layer        string    `bson:"layer"`
	Side         string    `bson:"side"`
	Index        int       `bson:"index"`
	Price        string    `bson:"price"`
	Quantity     string    `bson:"quantity"`
	FilledQty    string    `bson:"filledQty"`
	AvgFillPrice string    `bson:"avgFillPrice"`
	ClientID     string    `bson:"clientId"`
	ExchangeID   string    `bson:"exchangeId,omitempty"`
	Status       int       `bson:"status"`
	Seq          uint64    `bson:"seq"`
	Queries      int       `bson:"queries,omitempty"`
	Orphaned     bool      `bson:"orphaned,omitempty"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

func orderKey(symbol, levelID string) string {
	return fmt.Sprintf("%s|%s", symbol, levelID)
}

func encodeOrder(symbol string, rec types.OrderRecord) orderDoc {
	return orderDoc{
		ID:           orderKey(symbol, rec.LevelID),
		Symbol:       symbol,
		LevelID:      rec.LevelID,
		Layer:        string(rec.Level.Layer),
		Side:         string(rec.Side),
		Index:        rec.Level.Index,
		Price:        rec.Price.String(),
		Quantity:     rec.Quantity.String(),
		FilledQty:    rec.FilledQty.String(),
		AvgFillPrice: rec.AvgFillPrice.String(),
		ClientID:     rec.ClientID,
		ExchangeID:   rec.ExchangeID,
		Status:       int(rec.Status),
		Seq:          rec.Seq,
		Queries:      rec.Queries,
		Orphaned:     rec.Orphaned,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func decodeOrder(doc orderDoc) (types.OrderRecord, error) {
	price, err := decimal.NewFromString(doc.Price)
	if err != nil {
		return types.OrderRecord{}, errors.Wrapf(err, "order %s price", doc.ID)
	}
	qty, err := decimal.NewFromString(doc.Quantity)
	if err != nil {
		return types.OrderRecord{}, errors.Wrapf(err, "order %s quantity", doc.ID)
	}
	filled := decimal.Zero
	if doc.FilledQty != "" {
		if filled, err = decimal.NewFromString(doc.FilledQty); err != nil {
			return types.OrderRecord{}, errors.Wrapf(err, "order %s filledQty", doc.ID)
		}
	}
	avg := decimal.Zero
	if doc.AvgFillPrice != "" {
		if avg, err = decimal.NewFromString(doc.AvgFillPrice); err != nil {
			return types.OrderRecord{}, errors.Wrapf(err, "order %s avgFillPrice", doc.ID)
		}
	}
	level := types.GridLevel{
		Layer:    types.LayerKind(doc.Layer),
		Side:     types.Side(doc.Side),
		Index:    doc.Index,
		Price:    price,
		Quantity: qty,
	}
	return types.OrderRecord{
		Level:        level,
		LevelID:      doc.LevelID,
		ClientID:     doc.ClientID,
		ExchangeID:   doc.ExchangeID,
		Side:         types.Side(doc.Side),
		Price:        price,
		Quantity:     qty,
		FilledQty:    filled,
		AvgFillPrice: avg,
		Status:       types.OrderStatus(doc.Status),
		Seq:          doc.Seq,
		Queries:      doc.Queries,
		Orphaned:     doc.Orphaned,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

// SaveOrder upserts one ledger record, keyed by symbol and level id.
func (s *Store) SaveOrder(ctx context.Context, symbol string, rec types.OrderRecord) error {
	coll := s.db.Collection(collOrders)
	doc := encodeOrder(symbol, rec)
	_, err := coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "save order")
}

// RemoveOrder deletes a record whose level has been archived and freed.
func (s *Store) RemoveOrder(ctx context.Context, symbol, levelID string) error {
	coll := s.db.Collection(collOrders)
	_, err := coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: orderKey(symbol, levelID)}})
	return errors.Wrap(err, "remove order")
}

// LoadOrders returns every persisted record for one symbol, for ledger
// restore after a restart.
func (s *Store) LoadOrders(ctx context.Context, symbol string) ([]types.OrderRecord, error) {
	coll := s.db.Collection(collOrders)
	cursor, err := coll.Find(ctx, bson.D{{Key: "symbol", Value: symbol}})
	if err != nil {
		return nil, errors.Wrap(err, "load orders")
	}
	defer cursor.Close(ctx)
	var out []types.OrderRecord
	for cursor.Next(ctx) {
		var doc orderDoc
		if err = cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode order")
		}
		rec, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}

// SaveTrade appends one fill record.
func (s *Store) SaveTrade(ctx context.Context, t types.Trade) error {
	coll := s.db.Collection(collTrades)
	_, err := coll.InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return errors.Wrap(err, "save trade")
}

// Trades returns the fills for one symbol since a point in time; a zero
// since returns everything.
func (s *Store) Trades(ctx context.Context, symbol string, since time.Time) ([]types.Trade, error) {
	coll := s.db.Collection(collTrades)
	filter := bson.M{"symbol": symbol}
	if !since.IsZero() {
		filter["executedAt"] = bson.M{"$gte": since}
	}
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "executedAt", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "load trades")
	}
	defer cursor.Close(ctx)
	var out []types.Trade
	if err = cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode trades")
	}
	return out, nil
}

// Profit sums recorded per-trade profit for one symbol.
func (s *Store) Profit(ctx context.Context, symbol string) (decimal.Decimal, int, error) {
	trades, err := s.Trades(ctx, symbol, time.Time{})
	if err != nil {
		return decimal.Zero, 0, err
	}
	total := decimal.Zero
	for _, t := range trades {
		p, err := decimal.NewFromString(t.Profit)
		if err != nil {
			return decimal.Zero, 0, errors.Wrapf(err, "trade %s profit", t.TradeID)
		}
		total = total.Add(p)
	}
	return total, len(trades), nil
}

type capitalDoc struct {
	ID        string            `bson:"_id"` // symbol
	Budgets   map[string]string `bson:"budgets"`
	Locked    map[string]string `bson:"locked"`
	UpdatedAt time.Time         `bson:"updatedAt"`
}

// SaveCapital persists one symbol's layer budgets and locked notionals.
func (s *Store) SaveCapital(ctx context.Context, symbol string, budgets, locked map[types.LayerKind]decimal.Decimal) error {
	doc := capitalDoc{
		ID:        symbol,
		Budgets:   make(map[string]string, len(budgets)),
		Locked:    make(map[string]string, len(locked)),
		UpdatedAt: time.Now(),
	}
	for k, v := range budgets {
		doc.Budgets[string(k)] = v.String()
	}
	for k, v := range locked {
		doc.Locked[string(k)] = v.String()
	}
	coll := s.db.Collection(collCapital)
	_, err := coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: symbol}},
		doc,
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "save capital")
}

// LoadBudgets reloads the last persisted budgets for one symbol.
func (s *Store) LoadBudgets(ctx context.Context, symbol string) (map[types.LayerKind]decimal.Decimal, error) {
	coll := s.db.Collection(collCapital)
	var doc capitalDoc
	err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: symbol}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load capital")
	}
	out := make(map[types.LayerKind]decimal.Decimal, len(doc.Budgets))
	for k, v := range doc.Budgets {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Wrapf(err, "capital %s budget %s", symbol, k)
		}
		out[types.LayerKind(k)] = d
	}
	return out, nil
}

type riskDoc struct {
	ID        string    `bson:"_id"` // "global" or symbol
	State     string    `bson:"state"`
	Cause     string    `bson:"cause,omitempty"`
	Since     time.Time `bson:"since,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// SaveRiskState records the externally visible risk state so halts
// survive a restart in the audit trail.
func (s *Store) SaveRiskState(ctx context.Context, id, state, cause string, since time.Time) error {
	coll := s.db.Collection(collRisk)
	doc := riskDoc{ID: id, State: state, Cause: cause, Since: since, UpdatedAt: time.Now()}
	_, err := coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		doc,
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "save risk state")
}

// AppendEvent adds one entry to the durable event log.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	coll := s.db.Collection(collEvents)
	_, err := coll.InsertOne(ctx, bson.M{
		"type":   string(ev.Type),
		"symbol": ev.Symbol,
		"time":   ev.Time,
		"data":   ev.Data,
	})
	return errors.Wrap(err, "append event")
}

// ClearSymbol drops a symbol's orders and capital state. Trades and
// events are kept as history.
func (s *Store) ClearSymbol(ctx context.Context, symbol string) error {
	if _, err := s.db.Collection(collOrders).DeleteMany(ctx, bson.D{{Key: "symbol", Value: symbol}}); err != nil {
		return errors.Wrap(err, "clear orders")
	}
	if _, err := s.db.Collection(collCapital).DeleteMany(ctx, bson.D{{Key: "_id", Value: symbol}}); err != nil {
		return errors.Wrap(err, "clear capital")
	}
	s.sugar.Infof("cleared state for %s", symbol)
	return nil
}
