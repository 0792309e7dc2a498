// Package postgres implements the store interface for PostgreSQL. Orders and vendors are kept as JSONB documents;
// archived orders live in their own table and are moved there within a transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" //nolint:gci // load the postgres driver that is used by the system

	"github.com/tarancss/depositgw/lib/store"
)

// Schema is created on connection when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS balances (
	chain       TEXT   NOT NULL,
	address     TEXT   NOT NULL,
	token       TEXT   NOT NULL DEFAULT '',
	confirmed   TEXT   NOT NULL,
	unconfirmed TEXT   NOT NULL,
	rev         BIGINT NOT NULL,
	PRIMARY KEY (chain, address, token)
);
CREATE TABLE IF NOT EXISTS orders (
	id     TEXT PRIMARY KEY,
	status TEXT  NOT NULL,
	doc    JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS archived_orders (
	id          TEXT PRIMARY KEY,
	doc         JSONB NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS vendors (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sqlx.DB
}

type balanceRow struct {
	Confirmed   string `db:"confirmed"`
	Unconfirmed string `db:"unconfirmed"`
	Rev         int64  `db:"rev"`
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err = db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// GetBalance returns the record of k or the zero record.
func (p *Postgres) GetBalance(ctx context.Context, k store.Key) (store.Record, error) {
	var row balanceRow
	err := p.db.GetContext(ctx, &row,
		"SELECT confirmed, unconfirmed, rev FROM balances WHERE chain = $1 AND address = $2 AND token = $3",
		k.Chain, k.Address, k.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ZeroRecord(), nil
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("could not read balance %s: %w", k, err)
	}
	return store.Record{Confirmed: row.Confirmed, Unconfirmed: row.Unconfirmed, Rev: uint64(row.Rev)}, nil
}

// SetBalance writes r if the stored revision still equals r.Rev.
func (p *Postgres) SetBalance(ctx context.Context, k store.Key, r store.Record) (store.Record, error) {
	var res sql.Result
	var err error
	if r.Rev == 0 {
		res, err = p.db.ExecContext(ctx,
			`INSERT INTO balances (chain, address, token, confirmed, unconfirmed, rev) VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (chain, address, token) DO NOTHING`,
			k.Chain, k.Address, k.Token, r.Confirmed, r.Unconfirmed)
	} else {
		res, err = p.db.ExecContext(ctx,
			`UPDATE balances SET confirmed = $4, unconfirmed = $5, rev = rev + 1
			WHERE chain = $1 AND address = $2 AND token = $3 AND rev = $6`,
			k.Chain, k.Address, k.Token, r.Confirmed, r.Unconfirmed, int64(r.Rev))
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("could not write balance %s: %w", k, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return store.Record{}, err
	} else if n == 0 {
		return store.Record{}, store.ErrConflict
	}
	r.Rev++
	return r, nil
}

func decodeOrder(doc []byte) (o store.Order, err error) {
	err = json.Unmarshal(doc, &o)
	return
}

// InsertOrder adds o to the active orders unless its id is taken.
func (p *Postgres) InsertOrder(ctx context.Context, o store.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		"INSERT INTO orders (id, status, doc) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		o.ID, o.Status, doc)
	if err != nil {
		return fmt.Errorf("could not insert order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDuplicateID
	}
	return nil
}

func (p *Postgres) getDoc(ctx context.Context, query, id string) (store.Order, error) {
	var doc []byte
	err := p.db.GetContext(ctx, &doc, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Order{}, store.ErrNotFound
	}
	if err != nil {
		return store.Order{}, err
	}
	return decodeOrder(doc)
}

// GetOrder returns an active order.
func (p *Postgres) GetOrder(ctx context.Context, id string) (store.Order, error) {
	return p.getDoc(ctx, "SELECT doc FROM orders WHERE id = $1", id)
}

// GetArchivedOrder returns an archived order.
func (p *Postgres) GetArchivedOrder(ctx context.Context, id string) (store.Order, error) {
	return p.getDoc(ctx, "SELECT doc FROM archived_orders WHERE id = $1", id)
}

// missing tells a vanished active order from one whose status moved on.
func missing(ctx context.Context, q sqlx.QueryerContext, id string) error {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", id); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// UpdateOrder replaces an active order whose stored status is still from.
func (p *Postgres) UpdateOrder(ctx context.Context, o store.Order, from store.Status) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		"UPDATE orders SET status = $2, doc = $3 WHERE id = $1 AND status = $4",
		o.ID, o.Status, doc, from)
	if err != nil {
		return fmt.Errorf("could not update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missing(ctx, p.db, o.ID)
	}
	return nil
}

// ArchiveOrder moves an unpaid order to archived_orders as cancelled within one transaction.
func (p *Postgres) ArchiveOrder(ctx context.Context, id string) (store.Order, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Order{}, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.GetContext(ctx, &doc, "DELETE FROM orders WHERE id = $1 AND status = $2 RETURNING doc", id, store.StatusUnpaid)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Order{}, missing(ctx, tx, id)
	}
	if err != nil {
		return store.Order{}, fmt.Errorf("could not remove order %s: %w", id, err)
	}
	o, err := decodeOrder(doc)
	if err != nil {
		return store.Order{}, err
	}
	o.Status = store.StatusCancelled
	o.UpdatedAt = time.Now().UTC()
	if doc, err = json.Marshal(o); err != nil {
		return store.Order{}, err
	}
	if _, err = tx.ExecContext(ctx, "INSERT INTO archived_orders (id, doc) VALUES ($1, $2)", id, doc); err != nil {
		return store.Order{}, fmt.Errorf("could not archive order %s: %w", id, err)
	}
	return o, tx.Commit()
}

// PutVendor creates or replaces a vendor.
func (p *Postgres) PutVendor(ctx context.Context, v store.Vendor) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		"INSERT INTO vendors (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc", v.ID, doc)
	return err
}

func getVendor(ctx context.Context, q sqlx.QueryerContext, query, id string) (v store.Vendor, err error) {
	var doc []byte
	if err = sqlx.GetContext(ctx, q, &doc, query, id); errors.Is(err, sql.ErrNoRows) {
		return v, store.ErrNotFound
	} else if err != nil {
		return v, err
	}
	err = json.Unmarshal(doc, &v)
	return
}

// GetVendor returns a vendor.
func (p *Postgres) GetVendor(ctx context.Context, id string) (store.Vendor, error) {
	return getVendor(ctx, p.db, "SELECT doc FROM vendors WHERE id = $1", id)
}

// GetItem returns a menu item of a vendor.
func (p *Postgres) GetItem(ctx context.Context, vendorID, itemID string) (store.MenuItem, error) {
	v, err := p.GetVendor(ctx, vendorID)
	if err != nil {
		return store.MenuItem{}, err
	}
	it, ok := v.Items[itemID]
	if !ok {
		return store.MenuItem{}, store.ErrNotFound
	}
	return it, nil
}

// AddItem adds it to the vendor menu unless its id is taken. The vendor row is locked for the update.
func (p *Postgres) AddItem(ctx context.Context, vendorID string, it store.MenuItem) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v, err := getVendor(ctx, tx, "SELECT doc FROM vendors WHERE id = $1 FOR UPDATE", vendorID)
	if err != nil {
		return err
	}
	if _, dup := v.Items[it.ItemID]; dup {
		return store.ErrDuplicateID
	}
	if v.Items == nil {
		v.Items = map[string]store.MenuItem{}
	}
	v.Items[it.ItemID] = it
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "UPDATE vendors SET doc = $2 WHERE id = $1", vendorID, doc); err != nil {
		return err
	}
	return tx.Commit()
}
