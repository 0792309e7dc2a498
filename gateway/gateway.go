// Package gateway implements the deposit gateway microservice. The gateway consumes client requests from the message
// broker (one queue per network plus the orders queue), creates and cancels orders, starts and stops deposit watches
// and publishes the resulting events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/msg"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/registry"
	"github.com/tarancss/depositgw/watcher"
)

// Gateway implements the gateway service.
type Gateway struct {
	reg  *registry.Registry
	wt   *watcher.Watcher
	mb   msg.Broker
	nets []string
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New instantiates a gateway serving the order queue and the queues of nets.
func New(reg *registry.Registry, wt *watcher.Watcher, mb msg.Broker, nets []string, log *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{reg: reg, wt: wt, mb: mb, nets: nets, log: log, ctx: ctx, cancel: cancel}
}

// Serve starts a go routine consuming the requests of each queue. The returned channel delivers once every consumer
// has returned and the running watches have stopped, which happens after Stop or when the broker closes the queues.
func (g *Gateway) Serve() (chan string, error) {
	ret := make(chan string, 1)
	queues := append([]string{msg.OrdersNet}, g.nets...)
	// channel to wait for queue consumers
	w := make(chan string, len(queues))

	for _, net := range queues {
		if err := g.ManageRequests(net, w); err != nil {
			g.cancel()
			return nil, err
		}
	}
	go func() {
		for i := 1; i <= len(queues); i++ {
			g.log.Info("queue consumer returned", zap.String("queue", <-w), zap.Int("n", i), zap.Int("of", len(queues)))
		}
		// no more requests: let the running watches finish their ledger writes
		g.wt.Stop()
		ret <- "Done!"
	}()
	return ret, nil
}

// Stop stops consuming requests, cancels the running watches and waits for them to finish. The request being
// delivered when a consumer stops stays unacknowledged until the broker is closed.
func (g *Gateway) Stop() {
	g.cancel()
	g.wt.Stop()
}

// ManageRequests starts a go routine to receive and manage the requests of the queue named net. When the routine
// ends it writes net to ret.
func (g *Gateway) ManageRequests(net string, ret chan<- string) error {
	mut := new(sync.Mutex)
	mut.Lock()

	reqCh, errCh, err := g.mb.GetReqs(net, mut)
	if err != nil {
		return fmt.Errorf("gateway: cannot get requests of %s: %w", net, err)
	}

	go func() {
		defer func() { ret <- net }()
		log := g.log.With(zap.String("queue", net))
		log.Info("start listening to request queue")

		for {
			select {
			case <-g.ctx.Done():
				log.Info("stop listening to request queue")
				return
			case req, ok := <-reqCh:
				if !ok {
					log.Info("request queue closed")
					return
				}
				exit := g.Handle(g.ctx, net, req)
				mut.Unlock()
				if exit {
					log.Info("exit request received")
					return
				}
			case e, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				log.Warn("received error", zap.Error(e))
			}
		}
	}()
	return nil
}

// Handle processes one request received on the queue named net and reports whether the queue should stop being
// consumed. Failures are published as events carrying the error.
func (g *Gateway) Handle(ctx context.Context, net string, req msg.Request) (exit bool) {
	log := g.log.With(zap.String("queue", net), zap.Int("type", req.Type), zap.Int("act", req.Act))
	log.Debug("received request", zap.Any("req", req))

	if req.Type == msg.EXIT {
		return true
	}
	if req.Net != net {
		log.Warn("request for another network", zap.String("net", req.Net))
		return false
	}

	var err error
	switch {
	case net == msg.OrdersNet && req.Type == msg.ORDER && req.Act == msg.CREATE:
		err = g.create(ctx, req)
	case net == msg.OrdersNet && req.Type == msg.ORDER && req.Act == msg.CANCEL:
		err = g.cancelOrder(ctx, req)
	case net != msg.OrdersNet && req.Type == msg.ADDRESS && req.Act == msg.CREATE:
		err = g.newAddress(ctx, net, req)
	case net != msg.OrdersNet && req.Type == msg.ADDRESS && req.Act == msg.LISTEN:
		err = g.listen(ctx, net, req)
	case net != msg.OrdersNet && req.Type == msg.ADDRESS && req.Act == msg.UNLISTEN:
		if !g.wt.CancelKey(key(net, req)) {
			log.Info("no watch to cancel", zap.String("address", req.Obj))
		}
	default:
		err = errors.New("unsupported request")
	}
	if err != nil {
		log.Warn("request failed", zap.Error(err))
		e := msg.NewEvent(kindOf(req), net)
		e.Ref, e.Order, e.Address, e.Token, e.Error = req.Ref, req.Order, req.Obj, req.Token, err.Error()
		g.publish(net, e)
	}
	return false
}

func kindOf(req msg.Request) string {
	switch {
	case req.Type == msg.ORDER && req.Act == msg.CREATE:
		return msg.CREATED
	case req.Type == msg.ORDER && req.Act == msg.CANCEL:
		return msg.CANCELLED
	case req.Type == msg.ADDRESS && req.Act == msg.CREATE:
		return msg.ADDRESSED
	default:
		return msg.WATCH
	}
}

func key(net string, req msg.Request) store.Key {
	return store.Key{Chain: types.ChainID(net), Address: req.Obj, Token: req.Token}
}

func (g *Gateway) create(ctx context.Context, req msg.Request) error {
	o, err := g.reg.Create(ctx, registry.CreateRequest{
		VendorID:        req.Vendor,
		ItemIDs:         req.Items,
		SuccessCallback: req.Success,
		FailureCallback: req.Failure,
	})
	if err != nil {
		return err
	}
	e := msg.NewEvent(msg.CREATED, msg.OrdersNet)
	e.Ref, e.Order, e.URL, e.State = req.Ref, o.ID, o.URL, string(o.Status)
	g.publish(msg.OrdersNet, e)
	return nil
}

func (g *Gateway) cancelOrder(ctx context.Context, req msg.Request) error {
	if err := g.reg.Cancel(ctx, req.Order); err != nil {
		return err
	}
	n := g.wt.CancelOrder(req.Order)
	g.log.Info("order watches cancelled", zap.String("order", req.Order), zap.Int("watches", n))
	return nil
}

// newAddress derives the next deposit address of a vendor on net and records its current balance, so that watches on
// it only count later deposits.
func (g *Gateway) newAddress(ctx context.Context, net string, req msg.Request) error {
	a, err := g.reg.NewAddress(ctx, req.Vendor, types.ChainID(net))
	if err != nil {
		return err
	}
	req.Obj = a
	if _, err = g.wt.Sync(ctx, key(net, req)); err != nil {
		g.log.Warn("new address not synced", zap.String("address", a), zap.Error(err))
	}
	e := msg.NewEvent(msg.ADDRESSED, net)
	e.Ref, e.Address, e.Token = req.Ref, a, req.Token
	g.publish(net, e)
	return nil
}

// listen starts a watch for an order, or records the current balance of an address that serves none.
func (g *Gateway) listen(ctx context.Context, net string, req msg.Request) error {
	k := key(net, req)
	if req.Order == "" {
		_, err := g.wt.Sync(ctx, k)
		return err
	}
	o, err := g.reg.Get(ctx, req.Order)
	if err != nil {
		return err
	}
	if o.Status != store.StatusUnpaid {
		return fmt.Errorf("order %s: %w", o.ID, registry.ErrAlreadyTerminal)
	}
	_, err = g.wt.Start(ctx, watcher.Request{Key: k, OrderID: req.Order})
	return err
}

func (g *Gateway) publish(net string, e msg.Event) {
	if err := g.mb.SendEvent(net, e); err != nil {
		g.log.Error("publishing event", zap.String("net", net), zap.String("kind", e.Kind), zap.Error(err))
	}
}
