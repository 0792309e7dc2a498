package gateway

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/lease"
	"github.com/tarancss/depositgw/lib/msg"
	"github.com/tarancss/depositgw/lib/msg/local"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/lib/store/memory"
	"github.com/tarancss/depositgw/registry"
	"github.com/tarancss/depositgw/watcher"
)

const addr = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"

type fixedChain map[string]int64

func (fixedChain) NormalizeAddress(a string) (string, error) { return strings.ToLower(a), nil }

func (f fixedChain) Balance(_ context.Context, a, _ string) (types.Balance, error) {
	return types.NewBalance(big.NewInt(f[a]), nil), nil
}

// fixedDeriver always derives addr.
type fixedDeriver struct{}

func (fixedDeriver) DeriveAddress(uint32, uint32) (types.Keypair, error) {
	return types.Keypair{Address: addr}, nil
}

type subscription struct {
	ch  <-chan msg.Event
	mut *sync.Mutex
}

func subscribe(t *testing.T, mb msg.Broker, net string) subscription {
	t.Helper()
	mut := new(sync.Mutex)
	mut.Lock()
	ch, _, err := mb.GetEvents(net, mut)
	require.NoError(t, err)
	return subscription{ch: ch, mut: mut}
}

func (s subscription) next(t *testing.T) msg.Event {
	t.Helper()
	select {
	case e := <-s.ch:
		s.mut.Unlock()
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	return msg.Event{}
}

func newGateway(t *testing.T) (*Gateway, *local.Local, *memory.Memory) {
	t.Helper()
	nop := zap.NewNop()
	db := memory.New()
	require.NoError(t, db.PutVendor(context.Background(), store.Vendor{
		ID:             "v1",
		AcceptedChains: []types.ChainID{types.ETH},
		Items:          map[string]store.MenuItem{"i": {ItemID: "i", Name: "Item", Price: "100000", Denomination: "wei"}},
	}))
	p, err := pricing.New(nil)
	require.NoError(t, err)

	lb := local.New()
	reg := registry.New(db, p, NewNotifier(lb, nop), "https://pay.test/", nop).
		WithDerivers(map[types.ChainID]registry.Deriver{types.ETH: fixedDeriver{}})
	wt := watcher.New(db, lease.NewLocal(), map[types.ChainID]watcher.Chain{types.ETH: fixedChain{addr: 100000}},
		reg, lb, watcher.Config{Default: watcher.Limits{MaxAttempts: 5, PollInterval: time.Millisecond}}, nop)
	return New(reg, wt, lb, []string{"eth"}, nop), lb, db
}

func TestGateway(t *testing.T) {
	g, lb, db := newGateway(t)
	defer lb.Close()
	orders := subscribe(t, lb, msg.OrdersNet)
	eth := subscribe(t, lb, "eth")

	done, err := g.Serve()
	require.NoError(t, err)

	// create
	require.NoError(t, lb.SendRequest(msg.OrdersNet, msg.Request{Ref: "r1", Net: msg.OrdersNet, Type: msg.ORDER,
		Act: msg.CREATE, Vendor: "v1", Items: []string{"i"}, Success: "https://shop.test/ok"}))
	e := orders.next(t)
	assert.Equal(t, msg.CREATED, e.Kind)
	assert.Equal(t, "r1", e.Ref)
	assert.Empty(t, e.Error)
	id := e.Order
	assert.Equal(t, "https://pay.test/"+id[:14], e.URL)

	// deposit covering the order
	require.NoError(t, lb.SendRequest("eth", msg.Request{Net: "eth", Type: msg.ADDRESS, Act: msg.LISTEN, Obj: addr,
		Order: id}))
	e = orders.next(t)
	assert.Equal(t, msg.PAID, e.Kind)
	assert.Equal(t, id, e.Order)
	assert.Equal(t, "https://shop.test/ok", e.Callback)

	e = eth.next(t)
	assert.Equal(t, msg.BALANCE, e.Kind)
	assert.Equal(t, "100000", e.ConfirmedDelta)
	e = eth.next(t)
	assert.Equal(t, msg.WATCH, e.Kind)
	assert.Equal(t, "credited", e.State)

	rec, err := db.GetBalance(context.Background(), store.Key{Chain: types.ETH, Address: addr})
	require.NoError(t, err)
	assert.Equal(t, "100000", rec.Confirmed)

	// a paid order cannot be cancelled
	require.NoError(t, lb.SendRequest(msg.OrdersNet, msg.Request{Ref: "r2", Net: msg.OrdersNet, Type: msg.ORDER,
		Act: msg.CANCEL, Order: id}))
	e = orders.next(t)
	assert.Equal(t, msg.CANCELLED, e.Kind)
	assert.Equal(t, "r2", e.Ref)
	assert.Contains(t, e.Error, registry.ErrAlreadyPaid.Error())

	// unknown item
	require.NoError(t, lb.SendRequest(msg.OrdersNet, msg.Request{Ref: "r3", Net: msg.OrdersNet, Type: msg.ORDER,
		Act: msg.CREATE, Vendor: "v1", Items: []string{"nope"}}))
	e = orders.next(t)
	assert.Equal(t, "r3", e.Ref)
	assert.Contains(t, e.Error, registry.ErrUnknownItem.Error())

	g.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestCancelOrderStopsWatches(t *testing.T) {
	g, lb, db := newGateway(t)
	defer lb.Close()
	ctx := context.Background()

	o, err := g.reg.Create(ctx, registry.CreateRequest{VendorID: "v1", ItemIDs: []string{"i"}})
	require.NoError(t, err)
	other := "0x2b5ad5c4795c026514f8317c7a215e218dccd6cf"
	w, err := g.wt.Start(ctx, watcher.Request{Key: store.Key{Chain: types.ETH, Address: other}, OrderID: o.ID})
	require.NoError(t, err)

	assert.False(t, g.Handle(ctx, msg.OrdersNet, msg.Request{Net: msg.OrdersNet, Type: msg.ORDER, Act: msg.CANCEL,
		Order: o.ID}))
	<-w.Done()
	assert.Contains(t, []watcher.State{watcher.Cancelled, watcher.TimedOut}, w.State())

	a, err := db.GetArchivedOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, a.Status)

	// listening for a cancelled order is refused
	eth := subscribe(t, lb, "eth")
	g.Handle(ctx, "eth", msg.Request{Ref: "l1", Net: "eth", Type: msg.ADDRESS, Act: msg.LISTEN, Obj: addr, Order: o.ID})
	e := eth.next(t)
	for e.Ref != "l1" { // skip the outcome of the cancelled watch
		e = eth.next(t)
	}
	assert.Contains(t, e.Error, registry.ErrAlreadyTerminal.Error())
}

func TestHandle(t *testing.T) {
	g, lb, db := newGateway(t)
	defer lb.Close()
	ctx := context.Background()

	assert.True(t, g.Handle(ctx, "eth", msg.Request{Type: msg.EXIT}))
	// wrong network is ignored
	assert.False(t, g.Handle(ctx, "eth", msg.Request{Net: "btc", Type: msg.ADDRESS, Act: msg.LISTEN, Obj: addr}))

	// listen without an order records the balance under the canonical address
	upper := "0x" + strings.ToUpper(addr[2:])
	assert.False(t, g.Handle(ctx, "eth", msg.Request{Net: "eth", Type: msg.ADDRESS, Act: msg.LISTEN, Obj: upper}))
	rec, err := db.GetBalance(ctx, store.Key{Chain: types.ETH, Address: addr})
	require.NoError(t, err)
	assert.Equal(t, store.Record{Confirmed: "100000", Unconfirmed: "0", Rev: 1}, rec)

	eth := subscribe(t, lb, "eth")
	g.Handle(ctx, "eth", msg.Request{Ref: "x", Net: "eth", Type: msg.ORDER, Act: msg.CREATE})
	e := eth.next(t)
	assert.Equal(t, "x", e.Ref)
	assert.Equal(t, "unsupported request", e.Error)
}

func TestNewAddress(t *testing.T) {
	g, lb, db := newGateway(t)
	defer lb.Close()
	ctx := context.Background()
	eth := subscribe(t, lb, "eth")

	assert.False(t, g.Handle(ctx, "eth", msg.Request{Ref: "a1", Net: "eth", Type: msg.ADDRESS, Act: msg.CREATE,
		Vendor: "v1"}))
	e := eth.next(t)
	assert.Equal(t, msg.ADDRESSED, e.Kind)
	assert.Equal(t, "a1", e.Ref)
	assert.Equal(t, addr, e.Address)
	assert.Empty(t, e.Error)

	v, err := db.GetVendor(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{addr}, v.Addresses[types.ETH])
	// the existing balance is the starting point of later watches
	rec, err := db.GetBalance(ctx, store.Key{Chain: types.ETH, Address: addr})
	require.NoError(t, err)
	assert.Equal(t, "100000", rec.Confirmed)

	g.Handle(ctx, "eth", msg.Request{Ref: "a2", Net: "eth", Type: msg.ADDRESS, Act: msg.CREATE, Vendor: "nobody"})
	e = eth.next(t)
	assert.Equal(t, msg.ADDRESSED, e.Kind)
	assert.Equal(t, "a2", e.Ref)
	assert.Contains(t, e.Error, store.ErrNotFound.Error())
}
