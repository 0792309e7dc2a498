package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
)

func TestAcceptedChains(t *testing.T) {
	r, db, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, r.AddChain(ctx, "v1", types.XRP))
	require.NoError(t, r.AddChain(ctx, "v1", types.XRP))
	v, err := db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []types.ChainID{types.ETH, types.BTC, types.SOL, types.XRP}, v.AcceptedChains)

	require.NoError(t, r.RemoveChain(ctx, "v1", types.BTC))
	require.NoError(t, r.RemoveChain(ctx, "v1", types.DOGE))
	v, err = db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []types.ChainID{types.ETH, types.SOL, types.XRP}, v.AcceptedChains)

	assert.ErrorIs(t, r.AddChain(ctx, "nobody", types.BTC), store.ErrNotFound)
}

func TestRemovedChainKeepsExistingOrders(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()
	o := create(t, r)

	require.NoError(t, r.RemoveChain(ctx, "v1", types.BTC))
	_, err := r.ApplyCredit(ctx, o.ID, credit("b", types.BTC, 5))
	assert.NoError(t, err)

	o2 := create(t, r)
	_, err = r.ApplyCredit(ctx, o2.ID, credit("b", types.BTC, 5))
	assert.ErrorIs(t, err, ErrChainNotAccepted)
}

func TestMenu(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()

	it, err := r.AddItem(ctx, "v1", store.MenuItem{Name: "Tiramisu", Price: "15000", Denomination: "wei"})
	require.NoError(t, err)
	assert.Len(t, it.ItemID, 14)

	menu, err := r.GetMenu(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, menu, 4)
	for i := 1; i < len(menu); i++ {
		assert.Less(t, menu[i-1].ItemID, menu[i].ItemID)
	}

	o, err := r.Create(ctx, CreateRequest{VendorID: "v1", ItemIDs: []string{it.ItemID, "wine"}})
	require.NoError(t, err)
	assert.Equal(t, "75000", o.Total)

	_, err = r.AddItem(ctx, "v1", store.MenuItem{Name: "Bad", Price: "-1"})
	assert.ErrorIs(t, err, pricing.ErrBadPrice)
	_, err = r.AddItem(ctx, "v1", store.MenuItem{Price: "1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.AddItem(ctx, "nobody", store.MenuItem{Name: "x", Price: "1"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// indexDeriver names addresses after their derivation path.
type indexDeriver struct{ err error }

func (d indexDeriver) DeriveAddress(account, index uint32) (types.Keypair, error) {
	if d.err != nil {
		return types.Keypair{}, d.err
	}
	return types.Keypair{Address: fmt.Sprintf("addr-%d-%d", account, index), Secret: "k"}, nil
}

func TestNewAddress(t *testing.T) {
	r, db, _ := setup(t)
	ctx := context.Background()
	v, err := db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	v.Account = 7
	require.NoError(t, db.PutVendor(ctx, v))
	r.WithDerivers(map[types.ChainID]Deriver{types.ETH: indexDeriver{}, types.XRP: indexDeriver{}})

	a, err := r.NewAddress(ctx, "v1", types.ETH)
	require.NoError(t, err)
	assert.Equal(t, "addr-7-0", a)
	a, err = r.NewAddress(ctx, "v1", types.ETH)
	require.NoError(t, err)
	assert.Equal(t, "addr-7-1", a)

	v, err = db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"addr-7-0", "addr-7-1"}, v.Addresses[types.ETH])
	assert.Len(t, v.Items, 3, "the menu is kept")

	_, err = r.NewAddress(ctx, "v1", types.BTC)
	assert.ErrorIs(t, err, types.ErrUnsupported)
	_, err = r.NewAddress(ctx, "v1", types.XRP)
	assert.ErrorIs(t, err, ErrChainNotAccepted)
	_, err = r.NewAddress(ctx, "nobody", types.ETH)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// a failed derivation appends nothing
	boom := errors.New("boom")
	r.WithDerivers(map[types.ChainID]Deriver{types.ETH: indexDeriver{err: boom}})
	_, err = r.NewAddress(ctx, "v1", types.ETH)
	assert.ErrorIs(t, err, boom)
	v, err = db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, v.Addresses[types.ETH], 2)
}
