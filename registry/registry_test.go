package registry

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/lib/store/memory"
)

const checkout = "https://pay.test/c/"

type recorder struct {
	mu        sync.Mutex
	paid      []string
	cancelled []string
}

func (r *recorder) OrderPaid(_ context.Context, o store.Order) {
	r.mu.Lock()
	r.paid = append(r.paid, o.ID)
	r.mu.Unlock()
}

func (r *recorder) OrderCancelled(_ context.Context, o store.Order) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, o.ID)
	r.mu.Unlock()
}

func setup(t *testing.T) (*Registry, *memory.Memory, *recorder) {
	t.Helper()
	db := memory.New()
	require.NoError(t, db.PutVendor(context.Background(), store.Vendor{
		ID:             "v1",
		AcceptedChains: []types.ChainID{types.ETH, types.BTC, types.SOL},
		Items: map[string]store.MenuItem{
			"pizza": {ItemID: "pizza", Name: "Pizza", Price: "40000", Denomination: "wei"},
			"wine":  {ItemID: "wine", Name: "Wine", Price: "60000", Denomination: "wei"},
			"bread": {ItemID: "bread", Name: "Bread", Price: "2.5", Denomination: "EUR"},
		},
	}))
	// one EUR is worth 4e14 wei; wei orders pay on eth one to one
	p, err := pricing.New(map[string]string{"wei:btc": "1", "EUR:eth": "400000000000000"})
	require.NoError(t, err)
	rec := &recorder{}
	return New(db, p, rec, checkout, zap.NewNop()), db, rec
}

func create(t *testing.T, r *Registry) store.Order {
	t.Helper()
	o, err := r.Create(context.Background(), CreateRequest{
		VendorID:        "v1",
		ItemIDs:         []string{"pizza", "wine"},
		SuccessCallback: "https://shop.test/ok",
		FailureCallback: "https://shop.test/ko",
	})
	require.NoError(t, err)
	return o
}

func credit(id string, c types.ChainID, n int64) Credit {
	return Credit{ID: id, Chain: c, From: new(big.Int), To: big.NewInt(n)}
}

func TestCreate(t *testing.T) {
	r, db, _ := setup(t)
	ctx := context.Background()

	o := create(t, r)
	assert.Len(t, o.ID, 32)
	assert.Equal(t, checkout+o.ID[:14], o.URL)
	assert.Equal(t, store.StatusUnpaid, o.Status)
	assert.Equal(t, "100000", o.Total)
	assert.Equal(t, "wei", o.Denomination)
	assert.Equal(t, []types.ChainID{types.ETH, types.BTC, types.SOL}, o.Chains)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "pizza", o.Items[0].ItemID)
	assert.Equal(t, "wine", o.Items[1].ItemID)

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	o2 := create(t, r)
	assert.NotEqual(t, o.ID, o2.ID)
}

func TestCreateErrors(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateRequest{VendorID: "v1", ItemIDs: []string{"pizza", "caviar"}})
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = r.Create(ctx, CreateRequest{VendorID: "nobody", ItemIDs: []string{"pizza"}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.Create(ctx, CreateRequest{VendorID: "v1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Create(ctx, CreateRequest{VendorID: "v1", ItemIDs: []string{"pizza"}, SuccessCallback: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Create(ctx, CreateRequest{VendorID: "v1", ItemIDs: []string{"pizza", "bread"}})
	assert.ErrorIs(t, err, ErrMixedDenomination)
}

func TestCreateUnpricedDenomination(t *testing.T) {
	r, db, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, db.PutVendor(ctx, store.Vendor{
		ID:             "v2",
		AcceptedChains: []types.ChainID{types.BTC, types.SOL},
		Items: map[string]store.MenuItem{
			"bread": {ItemID: "bread", Name: "Bread", Price: "2.5", Denomination: "EUR"},
			"salt":  {ItemID: "salt", Name: "Salt", Price: "300", Denomination: "satoshi"},
		},
	}))

	_, err := r.Create(ctx, CreateRequest{VendorID: "v2", ItemIDs: []string{"bread"}})
	assert.ErrorIs(t, err, pricing.ErrNoRate)

	o, err := r.Create(ctx, CreateRequest{VendorID: "v2", ItemIDs: []string{"salt"}})
	require.NoError(t, err)
	assert.Equal(t, "satoshi", o.Denomination)
}

func TestCreditConvertsOrderDenomination(t *testing.T) {
	r, _, rec := setup(t)
	ctx := context.Background()
	o, err := r.Create(ctx, CreateRequest{VendorID: "v1", ItemIDs: []string{"bread"}})
	require.NoError(t, err)
	assert.Equal(t, "EUR", o.Denomination)
	assert.Equal(t, "2.5", o.Total)

	o, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@1", types.ETH, 3))
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnpaid, o.Status)
	assert.Equal(t, "0.0000000000000075", o.Credited)
	assert.Empty(t, rec.paid)

	// wei order rates never apply to an EUR order
	_, err = r.ApplyCredit(ctx, o.ID, credit("btc:addr@1", types.BTC, 1000000))
	assert.ErrorIs(t, err, pricing.ErrNoRate)

	o, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@2", types.ETH, 1000000000000000))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaid, o.Status)
	assert.Equal(t, []string{o.ID}, rec.paid)
}

func TestCreditCoversRangeOnce(t *testing.T) {
	r, _, rec := setup(t)
	ctx := context.Background()
	o := create(t, r)

	// the same balance revision observed twice, the second time with a later deposit on top
	o, err := r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@1", types.ETH, 60000))
	require.NoError(t, err)
	assert.Equal(t, "60000", o.Credited)
	o, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@1", types.ETH, 60000))
	require.NoError(t, err)
	assert.Equal(t, "60000", o.Credited)
	o, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@1", types.ETH, 110000))
	require.NoError(t, err)
	assert.Equal(t, "110000", o.Credited)
	assert.Equal(t, store.StatusPaid, o.Status)
	assert.Equal(t, "110000", o.Credits["eth:0xabc@1"])
	assert.Len(t, rec.paid, 1)
}

func TestCreditStartsAtFrom(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()
	o := create(t, r)

	c := Credit{ID: "eth:0xabc@4", Chain: types.ETH, From: big.NewInt(500), To: big.NewInt(800)}
	assert.Equal(t, "300", c.Amount().String())
	o, err := r.ApplyCredit(ctx, o.ID, c)
	require.NoError(t, err)
	assert.Equal(t, "300", o.Credited)

	// a lower observation of the same revision covers nothing new
	c.To = big.NewInt(700)
	o, err = r.ApplyCredit(ctx, o.ID, c)
	require.NoError(t, err)
	assert.Equal(t, "300", o.Credited)
}

func TestCreateRetriesOnDuplicateID(t *testing.T) {
	r, _, _ := setup(t)
	ids := []string{strings.Repeat("a", 32), strings.Repeat("a", 32), strings.Repeat("b", 32)}
	i := 0
	r.newID = func() string { id := ids[i]; i++; return id }

	first := create(t, r)
	second := create(t, r)
	assert.Equal(t, ids[0], first.ID)
	assert.Equal(t, ids[2], second.ID)

	r.newID = func() string { return ids[0] }
	_, err := r.Create(context.Background(), CreateRequest{VendorID: "v1", ItemIDs: []string{"wine"}})
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
}

func TestCancel(t *testing.T) {
	r, db, rec := setup(t)
	ctx := context.Background()
	o := create(t, r)

	require.NoError(t, r.Cancel(ctx, o.ID))
	_, err := db.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	a, err := db.GetArchivedOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, a.Status)

	got, err := r.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)

	assert.ErrorIs(t, r.Cancel(ctx, o.ID), store.ErrNotFound)
	assert.Equal(t, []string{o.ID}, rec.cancelled)

	_, err = r.ApplyCredit(ctx, o.ID, credit("c1", types.ETH, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelPaid(t *testing.T) {
	r, db, rec := setup(t)
	ctx := context.Background()
	o := create(t, r)
	_, err := r.ApplyCredit(ctx, o.ID, credit("c1", types.ETH, 100000))
	require.NoError(t, err)

	assert.ErrorIs(t, r.Cancel(ctx, o.ID), ErrAlreadyPaid)
	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaid, got.Status)
	_, err = db.GetArchivedOrder(ctx, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, rec.cancelled)
}

func TestCreditUntilPaid(t *testing.T) {
	r, _, rec := setup(t)
	ctx := context.Background()
	o := create(t, r)

	o, err := r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@1", types.ETH, 60000))
	require.NoError(t, err)
	assert.Equal(t, store.StatusUnpaid, o.Status)
	assert.Equal(t, "60000", o.Credited)
	left, err := Outstanding(o)
	require.NoError(t, err)
	assert.Equal(t, "40000", left.String())
	assert.Empty(t, rec.paid)

	o, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@2", types.ETH, 50000))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaid, o.Status)
	assert.Equal(t, "110000", o.Credited)
	assert.Equal(t, []string{o.ID}, rec.paid)

	_, err = r.ApplyCredit(ctx, o.ID, credit("eth:0xabc@3", types.ETH, 1))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Len(t, rec.paid, 1)

	left, err = Outstanding(o)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestCreditIdempotent(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()
	o := create(t, r)

	for i := 0; i < 3; i++ {
		var err error
		o, err = r.ApplyCredit(ctx, o.ID, credit("btc:addr@1", types.BTC, 30000))
		require.NoError(t, err)
	}
	assert.Equal(t, "30000", o.Credited)
	assert.Len(t, o.Credits, 1)

	o, err := r.ApplyCredit(ctx, o.ID, credit("btc:addr@2", types.BTC, 0))
	require.NoError(t, err)
	assert.Equal(t, "30000", o.Credited)
}

func TestCreditRejected(t *testing.T) {
	r, _, _ := setup(t)
	ctx := context.Background()
	o := create(t, r)

	_, err := r.ApplyCredit(ctx, o.ID, credit("x", types.XRP, 10))
	assert.ErrorIs(t, err, ErrChainNotAccepted)

	// accepted by the vendor but without a rate
	_, err = r.ApplyCredit(ctx, o.ID, credit("s", types.SOL, 10))
	assert.ErrorIs(t, err, pricing.ErrNoRate)
}

func TestConcurrentCredits(t *testing.T) {
	r, _, rec := setup(t)
	ctx := context.Background()
	o := create(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.ApplyCredit(ctx, o.ID, credit(fmt.Sprintf("c%d", i), types.ETH, 10000))
		}(i)
	}
	wg.Wait()

	got, err := r.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaid, got.Status)
	assert.Equal(t, "100000", got.Credited)
	assert.Len(t, got.Credits, 10)
	assert.Len(t, rec.paid, 1)
}

func TestCancelRacingCredit(t *testing.T) {
	for i := 0; i < 20; i++ {
		r, db, rec := setup(t)
		ctx := context.Background()
		o := create(t, r)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = r.Cancel(ctx, o.ID) }()
		go func() { defer wg.Done(); _, _ = r.ApplyCredit(ctx, o.ID, credit("c", types.ETH, 100000)) }()
		wg.Wait()

		_, activeErr := db.GetOrder(ctx, o.ID)
		_, archErr := db.GetArchivedOrder(ctx, o.ID)
		if len(rec.paid) == 1 {
			assert.NoError(t, activeErr)
			assert.ErrorIs(t, archErr, store.ErrNotFound)
			assert.Empty(t, rec.cancelled)
		} else {
			assert.ErrorIs(t, activeErr, store.ErrNotFound)
			assert.NoError(t, archErr)
			assert.Len(t, rec.cancelled, 1)
		}
	}
}
