// Package watcher runs deposit watches. A watch owns one ledger key for its lifetime: it takes the key's lease,
// reconciles the chain against the recorded balance, writes the change with compare-and-swap and credits the
// confirmed increase to the order it serves.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/lease"
	"github.com/tarancss/depositgw/lib/metrics"
	"github.com/tarancss/depositgw/lib/msg"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/lib/trace"
	"github.com/tarancss/depositgw/reconcile"
	"github.com/tarancss/depositgw/registry"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("watcher is stopped")

// Crediter applies deposits to orders. *registry.Registry is one.
type Crediter interface {
	ApplyCredit(ctx context.Context, orderID string, c registry.Credit) (store.Order, error)
}

// Chain is what a watch needs from a chain adapter. Every chain.Adapter is one. NormalizeAddress returns the
// canonical spelling of an address (or token contract/mint) so that one account always maps to one ledger key.
type Chain interface {
	reconcile.Fetcher
	NormalizeAddress(address string) (string, error)
}

// Publisher sends events. Every msg.Broker is one.
type Publisher interface {
	SendEvent(net string, e msg.Event) error
}

// Limits bound the polling of one watch.
type Limits struct {
	MaxAttempts      int
	PollInterval     time.Duration
	MaxFetchFailures int
}

// Config of a watcher. Chains overrides Default per chain; WaitInterval is the lease retry period of waiting
// requests.
type Config struct {
	Default      Limits
	Chains       map[types.ChainID]Limits
	WaitInterval time.Duration
}

func (c Config) limits(ch types.ChainID) Limits {
	l := c.Default
	if o, ok := c.Chains[ch]; ok {
		if o.MaxAttempts > 0 {
			l.MaxAttempts = o.MaxAttempts
		}
		if o.PollInterval > 0 {
			l.PollInterval = o.PollInterval
		}
		if o.MaxFetchFailures > 0 {
			l.MaxFetchFailures = o.MaxFetchFailures
		}
	}
	return l
}

// Request asks for a watch of Key on behalf of OrderID (empty when the key serves no order). With Wait set the watch
// waits for a held lease instead of failing with lease.ErrHeld.
type Request struct {
	Key     store.Key
	OrderID string
	Wait    bool
}

// Watcher starts and tracks watches.
type Watcher struct {
	db       store.DB
	leases   lease.Leaser
	adapters map[types.ChainID]Chain
	engine   *reconcile.Engine
	credit   Crediter
	pub      Publisher
	conf     Config
	log      *zap.Logger

	mu      sync.Mutex
	stopped bool
	watches map[string]*Watch
	wg      sync.WaitGroup
}

// New returns a watcher. pub may be nil when events are not published.
func New(db store.DB, l lease.Leaser, adapters map[types.ChainID]Chain, c Crediter, pub Publisher,
	conf Config, log *zap.Logger) *Watcher {
	if conf.WaitInterval <= 0 {
		conf.WaitInterval = time.Second
	}
	return &Watcher{
		db:       db,
		leases:   l,
		adapters: adapters,
		engine:   reconcile.New(log),
		credit:   c,
		pub:      pub,
		conf:     conf,
		log:      log,
		watches:  make(map[string]*Watch),
	}
}

// Start takes the lease of req.Key and runs the watch in its own goroutine. The returned handle reports the outcome
// and carries the normalized key. Cancelling ctx cancels the watch; losing the lease fails it with lease.ErrLost.
func (wt *Watcher) Start(ctx context.Context, req Request) (*Watch, error) {
	k, f, err := wt.resolve(req.Key)
	if err != nil {
		return nil, err
	}
	if wt.isStopped() {
		return nil, ErrStopped
	}

	wctx, cancelCause := context.WithCancelCause(ctx)
	cancel := func() { cancelCause(context.Canceled) }
	lost := func() { cancelCause(lease.ErrLost) }

	var release lease.Release
	if req.Wait {
		release, err = lease.Wait(ctx, wt.leases, k.String(), wt.conf.WaitInterval, lost)
	} else {
		release, err = wt.leases.Acquire(ctx, k.String(), lost)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", k, err)
	}

	w := newWatch(k, req.OrderID, cancel)

	wt.mu.Lock()
	if wt.stopped {
		wt.mu.Unlock()
		cancel()
		release()
		return nil, ErrStopped
	}
	wt.watches[k.String()] = w
	wt.wg.Add(1)
	wt.mu.Unlock()

	go func() {
		defer wt.wg.Done()
		wt.run(wctx, w, f, release)
	}()
	return w, nil
}

// resolve checks k against the configured chains and returns it with its address and token normalized.
func (wt *Watcher) resolve(k store.Key) (store.Key, Chain, error) {
	f, ok := wt.adapters[k.Chain]
	if !ok {
		return k, nil, fmt.Errorf("%w: %s", types.ErrUnknownChain, k.Chain)
	}
	if k.Address == "" || (k.Chain.IsToken() && k.Token == "") {
		return k, nil, fmt.Errorf("watch %s: %w", k, types.ErrBadAddress)
	}
	a, err := f.NormalizeAddress(k.Address)
	if err != nil {
		return k, nil, fmt.Errorf("watch %s: %w", k, err)
	}
	k.Address = a
	if k.Token != "" {
		if k.Token, err = f.NormalizeAddress(k.Token); err != nil {
			return k, nil, fmt.Errorf("watch %s: token: %w", k, err)
		}
	}
	return k, f, nil
}

// Watch runs a watch to completion and returns its handle with the watch error, if any.
func (wt *Watcher) Watch(ctx context.Context, req Request) (*Watch, error) {
	w, err := wt.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	<-w.Done()
	return w, w.Err()
}

// Get returns the running watch of k, if any.
func (wt *Watcher) Get(k store.Key) (*Watch, bool) {
	if nk, _, err := wt.resolve(k); err == nil {
		k = nk
	}
	wt.mu.Lock()
	defer wt.mu.Unlock()
	w, ok := wt.watches[k.String()]
	return w, ok
}

// CancelKey cancels the running watch of k and reports whether there was one.
func (wt *Watcher) CancelKey(k store.Key) bool {
	w, ok := wt.Get(k)
	if ok {
		w.Cancel()
	}
	return ok
}

// CancelOrder cancels every running watch bound to orderID and returns how many were cancelled.
func (wt *Watcher) CancelOrder(orderID string) int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	n := 0
	for _, w := range wt.watches {
		if w.OrderID == orderID {
			w.Cancel()
			n++
		}
	}
	return n
}

// Stop cancels all watches, rejects new ones and waits for the running ones to finish.
func (wt *Watcher) Stop() {
	wt.mu.Lock()
	wt.stopped = true
	for _, w := range wt.watches {
		w.Cancel()
	}
	wt.mu.Unlock()
	wt.wg.Wait()
}

func (wt *Watcher) isStopped() bool {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return wt.stopped
}

func (wt *Watcher) run(ctx context.Context, w *Watch, f reconcile.Fetcher, release lease.Release) {
	chain := string(w.Key.Chain)
	log := wt.log.With(zap.String("chain", chain), zap.String("address", w.Key.Address),
		zap.String("token", w.Key.Token), zap.String("order", w.OrderID))

	metrics.ActiveWatches.WithLabelValues(chain).Inc()
	w.setState(Polling)
	log.Debug("watch started")

	state, ev, rec, err := wt.poll(ctx, w, f, log)

	release()
	wt.mu.Lock()
	if wt.watches[w.Key.String()] == w {
		delete(wt.watches, w.Key.String())
	}
	wt.mu.Unlock()

	metrics.ActiveWatches.WithLabelValues(chain).Dec()
	metrics.WatchOutcomes.WithLabelValues(chain, state.String()).Inc()
	if err != nil {
		log.Warn("watch finished", zap.Stringer("state", state), zap.Error(err))
	} else {
		log.Info("watch finished", zap.Stringer("state", state))
	}

	e := msg.NewEvent(msg.WATCH, chain)
	e.Address, e.Token, e.Order, e.State = w.Key.Address, w.Key.Token, w.OrderID, state.String()
	if err != nil {
		e.Error = err.Error()
	}
	wt.publish(chain, e)

	w.cancel()
	w.finish(state, ev, rec, err)
}

// poll runs the reconciliation and applies its outcome.
func (wt *Watcher) poll(ctx context.Context, w *Watch, f reconcile.Fetcher, log *zap.Logger) (
	State, *types.BalanceChange, store.Record, error) {
	ctx, span := trace.StartSpan(ctx, "watch")
	defer span.End()
	span.SetAttributes(attribute.String("key", w.Key.String()), attribute.String("order", w.OrderID))

	prior, err := wt.db.GetBalance(ctx, w.Key)
	if err != nil {
		if reconcile.IsCancelled(err) {
			return cancelled(ctx, w, prior, err)
		}
		return Failed, nil, prior, fmt.Errorf("watch %s: reading ledger: %w", w.Key, err)
	}

	lim := wt.conf.limits(w.Key.Chain)
	res, err := wt.engine.Reconcile(ctx, f, reconcile.Request{
		Key:              w.Key,
		Prior:            prior,
		MaxAttempts:      lim.MaxAttempts,
		PollInterval:     lim.PollInterval,
		MaxFetchFailures: lim.MaxFetchFailures,
	})
	switch {
	case err != nil && reconcile.IsCancelled(err):
		return cancelled(ctx, w, prior, err)
	case err != nil:
		return Failed, nil, prior, err
	case res.Event == nil:
		return TimedOut, nil, prior, nil
	}

	// the change is applied whole even if the watch is cancelled from here on
	rec, err := wt.apply(context.WithoutCancel(ctx), w, prior, res.Event, log)
	if err != nil {
		return Failed, res.Event, prior, err
	}
	return Credited, res.Event, rec, nil
}

// cancelled tells a cancelled watch from one whose lease was lost.
func cancelled(ctx context.Context, w *Watch, prior store.Record, err error) (
	State, *types.BalanceChange, store.Record, error) {
	if cause := context.Cause(ctx); errors.Is(cause, lease.ErrLost) {
		return Failed, nil, prior, fmt.Errorf("watch %s: %w", w.Key, cause)
	}
	return Cancelled, nil, prior, err
}

// apply credits the confirmed increase and then writes the new record. The credit is named after the revision being
// written and covers the balance range from the prior confirmed balance to the new one, so a retry after a failed
// write credits only what the earlier attempt did not cover.
func (wt *Watcher) apply(ctx context.Context, w *Watch, prior store.Record, ev *types.BalanceChange,
	log *zap.Logger) (store.Record, error) {
	chain := string(w.Key.Chain)

	if w.OrderID != "" && ev.ConfirmedDelta.Sign() > 0 && wt.credit != nil {
		c := registry.Credit{
			ID:    w.Key.String() + "@" + strconv.FormatUint(prior.Rev+1, 10),
			Chain: w.Key.Chain,
			Token: w.Key.Token,
			From:  ev.PreviousConfirmed,
			To:    ev.NewConfirmed,
		}
		if _, err := wt.credit.ApplyCredit(ctx, w.OrderID, c); err != nil {
			if !uncreditable(err) {
				return prior, fmt.Errorf("watch %s: crediting order %s: %w", w.Key, w.OrderID, err)
			}
			// the deposit is still recorded; the order cannot take it
			log.Warn("deposit not credited", zap.String("credit", c.ID), zap.Error(err))
		}
	}

	next := store.NewRecord(types.NewBalance(ev.NewConfirmed, ev.NewUnconfirmed), prior.Rev)
	rec, err := wt.db.SetBalance(ctx, w.Key, next)
	if errors.Is(err, store.ErrConflict) {
		metrics.LedgerConflicts.WithLabelValues(chain).Inc()
		return prior, fmt.Errorf("watch %s: %w", w.Key, err)
	} else if err != nil {
		return prior, fmt.Errorf("watch %s: writing ledger: %w", w.Key, err)
	}
	metrics.BalanceChanges.WithLabelValues(chain).Inc()

	e := msg.NewEvent(msg.BALANCE, chain)
	e.Address, e.Token, e.Order = w.Key.Address, w.Key.Token, w.OrderID
	e.Confirmed, e.Unconfirmed = ev.NewConfirmed.String(), ev.NewUnconfirmed.String()
	e.ConfirmedDelta, e.UnconfirmedDelta = ev.ConfirmedDelta.String(), ev.UnconfirmedDelta.String()
	wt.publish(chain, e)
	return rec, nil
}

// uncreditable reports errors that no retry can fix because the order can no longer take the deposit.
func uncreditable(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, registry.ErrAlreadyTerminal) ||
		errors.Is(err, registry.ErrChainNotAccepted) ||
		errors.Is(err, pricing.ErrNoRate)
}

// Sync records the current observation of k without crediting anything, so that a newly registered address starts
// from its existing balance. It fails with lease.ErrHeld while a watch owns k.
func (wt *Watcher) Sync(ctx context.Context, k store.Key) (store.Record, error) {
	k, f, err := wt.resolve(k)
	if err != nil {
		return store.Record{}, err
	}
	release, err := wt.leases.Acquire(ctx, k.String(), nil)
	if err != nil {
		return store.Record{}, fmt.Errorf("sync %s: %w", k, err)
	}
	defer release()

	prior, err := wt.db.GetBalance(ctx, k)
	if err != nil {
		return prior, err
	}
	res, err := wt.engine.Reconcile(ctx, f, reconcile.Request{Key: k, Prior: prior, MaxAttempts: 1})
	if err != nil || res.Event == nil {
		return prior, err
	}
	next := store.NewRecord(types.NewBalance(res.Event.NewConfirmed, res.Event.NewUnconfirmed), prior.Rev)
	rec, err := wt.db.SetBalance(ctx, k, next)
	if err != nil {
		return prior, fmt.Errorf("sync %s: %w", k, err)
	}
	wt.log.Info("balance synced", zap.String("key", k.String()), zap.String("confirmed", rec.Confirmed))
	return rec, nil
}

func (wt *Watcher) publish(net string, e msg.Event) {
	if wt.pub == nil {
		return
	}
	if err := wt.pub.SendEvent(net, e); err != nil {
		wt.log.Warn("publishing event", zap.String("kind", e.Kind), zap.Error(err))
	}
}
