// Package mongo implements the store interface for MongoDB. Balances, orders and vendors live in their own
// collections of the "dgw" database; archived orders stay in the orders collection flagged as archived so that
// the active to archive move is a single document update.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/depositgw/lib/store"
)

const (
	database    = "dgw"
	colBalances = "balances"
	colOrders   = "orders"
	colVendors  = "vendors"
	dupKeyCode  = 11000
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// mongoBalance is a ledger record as saved to MongoDB.
type mongoBalance struct {
	ID           string `bson:"_id"`
	store.Key    `bson:",inline"`
	store.Record `bson:",inline"`
}

// mongoOrder is an order as saved to MongoDB.
type mongoOrder struct {
	store.Order `bson:",inline"`
	Archived    bool `bson:"archived"`
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}
	if err = c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("error pinging mongo DB: %w", err)
	}

	return &Mongo{c: c, db: c.Database(database)}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func isDuplicate(err error) bool {
	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == dupKeyCode {
				return true
			}
		}
	}
	return false
}

// GetBalance returns the record of k or the zero record.
func (m *Mongo) GetBalance(ctx context.Context, k store.Key) (store.Record, error) {
	var mb mongoBalance
	err := m.db.Collection(colBalances).FindOne(ctx, bson.M{"_id": k.String()}).Decode(&mb)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ZeroRecord(), nil
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("could not read balance %s: %w", k, err)
	}
	return mb.Record, nil
}

// SetBalance writes r if the stored revision still equals r.Rev. Revision zero inserts, so two first writers race
// on the unique _id.
func (m *Mongo) SetBalance(ctx context.Context, k store.Key, r store.Record) (store.Record, error) {
	col := m.db.Collection(colBalances)
	next := r
	next.Rev++

	if r.Rev == 0 {
		_, err := col.InsertOne(ctx, mongoBalance{ID: k.String(), Key: k, Record: next})
		if isDuplicate(err) {
			return store.Record{}, store.ErrConflict
		}
		if err != nil {
			return store.Record{}, fmt.Errorf("could not insert balance %s: %w", k, err)
		}
		return next, nil
	}

	res, err := col.UpdateOne(ctx,
		bson.M{"_id": k.String(), "rev": r.Rev}, // filter
		bson.D{ // update
			{Key: "$set", Value: bson.D{
				{Key: "confirmed", Value: r.Confirmed},
				{Key: "unconfirmed", Value: r.Unconfirmed},
			}},
			{Key: "$inc", Value: bson.D{{Key: "rev", Value: 1}}},
		})
	if err != nil {
		return store.Record{}, fmt.Errorf("could not update balance %s: %w", k, err)
	}
	if res.MatchedCount == 0 {
		return store.Record{}, store.ErrConflict
	}
	return next, nil
}

// InsertOrder adds o to the active orders unless its id is taken.
func (m *Mongo) InsertOrder(ctx context.Context, o store.Order) error {
	_, err := m.db.Collection(colOrders).InsertOne(ctx, mongoOrder{Order: o})
	if isDuplicate(err) {
		return store.ErrDuplicateID
	}
	return err
}

func (m *Mongo) findOrder(ctx context.Context, id string, archived bool) (store.Order, error) {
	var mo mongoOrder
	err := m.db.Collection(colOrders).FindOne(ctx, bson.M{"_id": id, "archived": archived}).Decode(&mo)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Order{}, store.ErrNotFound
	}
	return mo.Order, err
}

// GetOrder returns an active order.
func (m *Mongo) GetOrder(ctx context.Context, id string) (store.Order, error) {
	return m.findOrder(ctx, id, false)
}

// GetArchivedOrder returns an archived order.
func (m *Mongo) GetArchivedOrder(ctx context.Context, id string) (store.Order, error) {
	return m.findOrder(ctx, id, true)
}

// missing tells a vanished active order from one whose status moved on.
func (m *Mongo) missing(ctx context.Context, id string) error {
	n, err := m.db.Collection(colOrders).CountDocuments(ctx, bson.M{"_id": id, "archived": false})
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// UpdateOrder replaces an active order whose stored status is still from.
func (m *Mongo) UpdateOrder(ctx context.Context, o store.Order, from store.Status) error {
	res, err := m.db.Collection(colOrders).ReplaceOne(ctx,
		bson.M{"_id": o.ID, "archived": false, "status": from},
		mongoOrder{Order: o})
	if err != nil {
		return fmt.Errorf("could not update order %s: %w", o.ID, err)
	}
	if res.MatchedCount == 0 {
		return m.missing(ctx, o.ID)
	}
	return nil
}

// ArchiveOrder flags an unpaid order as archived and cancelled in one update.
func (m *Mongo) ArchiveOrder(ctx context.Context, id string) (store.Order, error) {
	var mo mongoOrder
	err := m.db.Collection(colOrders).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "archived": false, "status": store.StatusUnpaid},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "archived", Value: true},
			{Key: "status", Value: store.StatusCancelled},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&mo)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Order{}, m.missing(ctx, id)
	}
	if err != nil {
		return store.Order{}, fmt.Errorf("could not archive order %s: %w", id, err)
	}
	return mo.Order, nil
}

// PutVendor creates or replaces a vendor.
func (m *Mongo) PutVendor(ctx context.Context, v store.Vendor) error {
	if v.Items == nil {
		v.Items = map[string]store.MenuItem{}
	}
	_, err := m.db.Collection(colVendors).ReplaceOne(ctx, bson.M{"_id": v.ID}, v, options.Replace().SetUpsert(true))
	return err
}

// GetVendor returns a vendor.
func (m *Mongo) GetVendor(ctx context.Context, id string) (v store.Vendor, err error) {
	if err = m.db.Collection(colVendors).FindOne(ctx, bson.M{"_id": id}).Decode(&v); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrNotFound
	}
	return
}

// GetItem returns a menu item of a vendor.
func (m *Mongo) GetItem(ctx context.Context, vendorID, itemID string) (store.MenuItem, error) {
	v, err := m.GetVendor(ctx, vendorID)
	if err != nil {
		return store.MenuItem{}, err
	}
	it, ok := v.Items[itemID]
	if !ok {
		return store.MenuItem{}, store.ErrNotFound
	}
	return it, nil
}

// AddItem adds it to the vendor menu unless its id is taken.
func (m *Mongo) AddItem(ctx context.Context, vendorID string, it store.MenuItem) error {
	field := "items." + it.ItemID
	res, err := m.db.Collection(colVendors).UpdateOne(ctx,
		bson.M{"_id": vendorID, field: bson.M{"$exists": false}},
		bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: it}}}})
	if err != nil {
		return fmt.Errorf("could not add item to vendor %s: %w", vendorID, err)
	}
	if res.MatchedCount == 0 {
		if _, err = m.GetVendor(ctx, vendorID); err != nil {
			return err
		}
		return store.ErrDuplicateID
	}
	return nil
}
