package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
)

// vendor locks share the order stripes under a distinct prefix.
func vendorLock(id string) string { return "vendor:" + id }

// AddItem adds an item to a vendor menu under a fresh id, retrying on collision, and returns it.
func (r *Registry) AddItem(ctx context.Context, vendorID string, it store.MenuItem) (store.MenuItem, error) {
	if it.Name == "" {
		return it, fmt.Errorf("%w: item name is required", ErrInvalidRequest)
	}
	if _, err := pricing.Parse(it.Price); err != nil {
		return it, err
	}
	defer r.locks.Lock(vendorLock(vendorID))()

	var err error
	for i := 0; i < idTries; i++ {
		it.ItemID = r.newID()[:urlIDLen]
		if err = r.db.AddItem(ctx, vendorID, it); !errors.Is(err, store.ErrDuplicateID) {
			break
		}
	}
	if errors.Is(err, store.ErrDuplicateID) {
		return it, ErrIDSpaceExhausted
	} else if err != nil {
		return it, fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	r.log.Info("menu item added", zap.String("vendor", vendorID), zap.String("item", it.ItemID))
	return it, nil
}

// GetMenu returns the vendor items sorted by id.
func (r *Registry) GetMenu(ctx context.Context, vendorID string) ([]store.MenuItem, error) {
	v, err := r.db.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	menu := make([]store.MenuItem, 0, len(v.Items))
	for _, it := range v.Items {
		menu = append(menu, it)
	}
	sort.Slice(menu, func(i, j int) bool { return menu[i].ItemID < menu[j].ItemID })
	return menu, nil
}

// NewAddress derives the next deposit address of the vendor on chain c from the vendor's HD account and appends it
// to the vendor addresses of c. Its key is not stored: the seed, the account and the address position give it back.
func (r *Registry) NewAddress(ctx context.Context, vendorID string, c types.ChainID) (string, error) {
	d, ok := r.derivers[c]
	if !ok {
		return "", fmt.Errorf("%w: cannot derive addresses on %s", types.ErrUnsupported, c)
	}
	defer r.locks.Lock(vendorLock(vendorID))()

	v, err := r.db.GetVendor(ctx, vendorID)
	if err != nil {
		return "", fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	if !v.Accepts(c) {
		return "", fmt.Errorf("vendor %s: %w: %s", vendorID, ErrChainNotAccepted, c)
	}
	index := len(v.Addresses[c])
	kp, err := d.DeriveAddress(v.Account, uint32(index))
	if err != nil {
		return "", fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	if v.Addresses == nil {
		v.Addresses = map[types.ChainID][]string{}
	}
	v.Addresses[c] = append(v.Addresses[c], kp.Address)
	if err = r.db.PutVendor(ctx, v); err != nil {
		return "", fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	r.log.Info("vendor address derived", zap.String("vendor", vendorID), zap.String("chain", string(c)),
		zap.Uint32("account", v.Account), zap.Int("index", index), zap.String("address", kp.Address))
	return kp.Address, nil
}

// AddChain accepts c for the vendor's future orders. Adding a chain twice is a no-op.
func (r *Registry) AddChain(ctx context.Context, vendorID string, c types.ChainID) error {
	return r.updateChains(ctx, vendorID, func(cs []types.ChainID) []types.ChainID {
		if store.Accepted(cs, c) {
			return nil
		}
		return append(cs, c)
	})
}

// RemoveChain stops accepting c. Removing a chain the vendor does not accept is a no-op. Existing orders keep the
// chains they were created with.
func (r *Registry) RemoveChain(ctx context.Context, vendorID string, c types.ChainID) error {
	return r.updateChains(ctx, vendorID, func(cs []types.ChainID) []types.ChainID {
		if !store.Accepted(cs, c) {
			return nil
		}
		out := make([]types.ChainID, 0, len(cs)-1)
		for _, v := range cs {
			if v != c {
				out = append(out, v)
			}
		}
		return out
	})
}

// updateChains applies f to the accepted chains; a nil result means nothing changed.
func (r *Registry) updateChains(ctx context.Context, vendorID string, f func([]types.ChainID) []types.ChainID) error {
	defer r.locks.Lock(vendorLock(vendorID))()

	v, err := r.db.GetVendor(ctx, vendorID)
	if err != nil {
		return fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	cs := f(v.AcceptedChains)
	if cs == nil {
		return nil
	}
	v.AcceptedChains = cs
	if err = r.db.PutVendor(ctx, v); err != nil {
		return fmt.Errorf("vendor %s: %w", vendorID, err)
	}
	r.log.Info("accepted chains updated", zap.String("vendor", vendorID), zap.Any("chains", cs))
	return nil
}
