// Package store defines the interface for database implementations of the gateway: the balance ledger, the active and
// archived orders and the vendor catalog.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for the ledger, the order registry and the vendor catalog.
type DB interface {
	// balance ledger
	GetBalance(ctx context.Context, k Key) (Record, error)
	SetBalance(ctx context.Context, k Key, r Record) (Record, error)
	// orders
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	UpdateOrder(ctx context.Context, o Order, from Status) error
	ArchiveOrder(ctx context.Context, id string) (Order, error)
	GetArchivedOrder(ctx context.Context, id string) (Order, error)
	// vendor catalog
	PutVendor(ctx context.Context, v Vendor) error
	GetVendor(ctx context.Context, id string) (Vendor, error)
	GetItem(ctx context.Context, vendorID, itemID string) (MenuItem, error)
	AddItem(ctx context.Context, vendorID string, it MenuItem) error
}

// Errors returned
var (
	ErrNotFound    = errors.New("data was not found in store")
	ErrDuplicateID = errors.New("id already exists in store")
	ErrConflict    = errors.New("record was modified by another writer")
	ErrBadAmount   = errors.New("stored amount is not a base-10 integer")
)
