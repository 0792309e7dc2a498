// Package memory implements the store interface in process memory. It is the default backend and the one used by
// tests; nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/tarancss/depositgw/lib/store"
)

// Memory implements store.DB with mutex guarded maps.
type Memory struct {
	mu       sync.RWMutex
	balances map[store.Key]store.Record
	active   map[string]store.Order
	archive  map[string]store.Order
	vendors  map[string]store.Vendor
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		balances: make(map[store.Key]store.Record),
		active:   make(map[string]store.Order),
		archive:  make(map[string]store.Order),
		vendors:  make(map[string]store.Vendor),
	}
}

// GetBalance returns the record of k or the zero record.
func (m *Memory) GetBalance(_ context.Context, k store.Key) (store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.balances[k]; ok {
		return r, nil
	}
	return store.ZeroRecord(), nil
}

// SetBalance writes r if the stored revision still equals r.Rev.
func (m *Memory) SetBalance(_ context.Context, k store.Key, r store.Record) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[k].Rev != r.Rev {
		return store.Record{}, store.ErrConflict
	}
	r.Rev++
	m.balances[k] = r
	return r, nil
}

// InsertOrder adds o to the active orders unless its id is taken.
func (m *Memory) InsertOrder(_ context.Context, o store.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[o.ID]; ok {
		return store.ErrDuplicateID
	}
	m.active[o.ID] = o.Clone()
	return nil
}

// GetOrder returns an active order.
func (m *Memory) GetOrder(_ context.Context, id string) (store.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.active[id]
	if !ok {
		return store.Order{}, store.ErrNotFound
	}
	return o.Clone(), nil
}

// UpdateOrder replaces an active order whose stored status is still from.
func (m *Memory) UpdateOrder(_ context.Context, o store.Order, from store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.active[o.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != from {
		return store.ErrConflict
	}
	m.active[o.ID] = o.Clone()
	return nil
}

// ArchiveOrder moves an unpaid order to the archive as cancelled.
func (m *Memory) ArchiveOrder(_ context.Context, id string) (store.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.active[id]
	if !ok {
		return store.Order{}, store.ErrNotFound
	}
	if o.Status != store.StatusUnpaid {
		return store.Order{}, store.ErrConflict
	}
	o.Status = store.StatusCancelled
	delete(m.active, id)
	m.archive[id] = o
	return o.Clone(), nil
}

// GetArchivedOrder returns an archived order.
func (m *Memory) GetArchivedOrder(_ context.Context, id string) (store.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.archive[id]
	if !ok {
		return store.Order{}, store.ErrNotFound
	}
	return o.Clone(), nil
}

// PutVendor creates or replaces a vendor.
func (m *Memory) PutVendor(_ context.Context, v store.Vendor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendors[v.ID] = v.Clone()
	return nil
}

// GetVendor returns a vendor.
func (m *Memory) GetVendor(_ context.Context, id string) (store.Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vendors[id]
	if !ok {
		return store.Vendor{}, store.ErrNotFound
	}
	return v.Clone(), nil
}

// GetItem returns a menu item of a vendor.
func (m *Memory) GetItem(_ context.Context, vendorID, itemID string) (store.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vendors[vendorID]
	if !ok {
		return store.MenuItem{}, store.ErrNotFound
	}
	it, ok := v.Items[itemID]
	if !ok {
		return store.MenuItem{}, store.ErrNotFound
	}
	return it, nil
}

// AddItem adds it to the vendor menu unless its id is taken.
func (m *Memory) AddItem(_ context.Context, vendorID string, it store.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vendors[vendorID]
	if !ok {
		return store.ErrNotFound
	}
	if _, dup := v.Items[it.ItemID]; dup {
		return store.ErrDuplicateID
	}
	if v.Items == nil {
		v.Items = make(map[string]store.MenuItem)
	}
	v.Items[it.ItemID] = it
	m.vendors[vendorID] = v
	return nil
}
