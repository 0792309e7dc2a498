package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/msg"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/watcher"
)

// Notifier publishes terminal order transitions on the orders topic with the callback an external dispatcher has
// to invoke.
type Notifier struct {
	pub watcher.Publisher
	log *zap.Logger
}

// NewNotifier returns a notifier publishing on pub.
func NewNotifier(pub watcher.Publisher, log *zap.Logger) *Notifier {
	return &Notifier{pub: pub, log: log}
}

// OrderPaid implements registry.Notifier.
func (n *Notifier) OrderPaid(_ context.Context, o store.Order) {
	n.send(msg.PAID, o, o.SuccessCallback)
}

// OrderCancelled implements registry.Notifier.
func (n *Notifier) OrderCancelled(_ context.Context, o store.Order) {
	n.send(msg.CANCELLED, o, o.FailureCallback)
}

func (n *Notifier) send(kind string, o store.Order, callback string) {
	e := msg.NewEvent(kind, msg.OrdersNet)
	e.Order, e.URL, e.Callback, e.State = o.ID, o.URL, callback, string(o.Status)
	if err := n.pub.SendEvent(msg.OrdersNet, e); err != nil {
		n.log.Error("publishing order event", zap.String("order", o.ID), zap.String("kind", kind), zap.Error(err))
	}
}
