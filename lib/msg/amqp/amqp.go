// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/logger"
	"github.com/tarancss/depositgw/lib/msg"
)

// Exchange names.
const (
	ReqExchange = "dgw.req" // clients publish requests
	EvtExchange = "dgw.evt" // the gateway publishes events
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	mu   sync.Mutex // guards ch
	ch   *amqp.Channel
	log  *zap.Logger

	done      chan struct{} // closed by Close; consumers stop delivering
	closeOnce sync.Once
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	r := &Amqp{log: logger.Get().Named("amqp"), done: make(chan struct{})}
	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return nil, err
	}
	r.log.Info("connected to broker")

	return r, nil
}

// Setup declares the message broker exchanges:
//
// - dgw.req: clients publish requests to this exchange
//
// - dgw.evt: the gateway publishes events to this exchange
func (r *Amqp) Setup(interface{}) error {
	// obtain a one-use channel
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare(ReqExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	return channel.ExchangeDeclare(EvtExchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.Warn("closing channel", zap.Error(err))
		}
		r.ch = nil
	}
	r.mu.Unlock()
	return r.conn.Close()
}

// publish sends body to exchange, opening the shared channel when needed.
func (r *Amqp) publish(exchange, key string, headers amqp.Table, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		var err error
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}
	return r.ch.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:      headers,
		Body:         body,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
	})
}

// SendEvent publishes an event to the dgw.evt exchange with routing key net.kind.id
func (r *Amqp) SendEvent(net string, e msg.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err = r.publish(EvtExchange, net+"."+e.Kind+"."+e.ID.String(), amqp.Table{"x-evt-name": net + "." + e.Kind}, body); err != nil {
		r.log.Error("sending event", zap.String("net", net), zap.String("kind", e.Kind), zap.Error(err))
	}
	return err
}

// SendRequest publishes a request to the dgw.req exchange with routing key net.type.act
func (r *Amqp) SendRequest(net string, req msg.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	key := net + "." + strconv.Itoa(req.Type) + "." + strconv.Itoa(req.Act)
	if err = r.publish(ReqExchange, key, amqp.Table{"x-req-name": net + "." + req.Obj + req.Order}, body); err != nil {
		r.log.Error("sending request", zap.String("net", net), zap.Error(err))
	}
	return err
}

// consume declares a durable queue bound to exchange for net and returns its deliveries on a dedicated channel.
func (r *Amqp) consume(exchange, net, consumer string) (<-chan amqp.Delivery, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	q := exchange + "." + net
	if _, err = ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err = ch.QueueBind(q, net+".*.*", exchange, false, nil); err != nil {
		return nil, err
	}
	return ch.Consume(q, consumer+"-"+net, false, false, false, false, nil)
}

// deliver decodes msgs and pushes them to the returned channel, acknowledging each one once mut is unlocked. It
// stops when the deliveries end or the broker is closed; unacknowledged messages are then redelivered.
func deliver[T any](r *Amqp, msgs <-chan amqp.Delivery, mut *sync.Mutex) (<-chan T, <-chan error) {
	out := make(chan T)
	errs := make(chan error)
	go func() {
		defer close(out)
		for m := range msgs {
			var v T
			if err := json.Unmarshal(m.Body, &v); err != nil {
				_ = m.Nack(false, false)
				select {
				case errs <- err:
				case <-r.done:
					return
				}
				continue
			}
			select {
			case out <- v:
			case <-r.done:
				return
			}
			mut.Lock() // wait for the consumer to finish processing
			_ = m.Ack(false)
		}
	}()
	return out, errs
}

// GetEvents consumes events from the dgw.evt exchange pushing them to the returned channel. The message consumed is
// only acknowledged when the mutex is unlocked.
func (r *Amqp) GetEvents(net string, mut *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	msgs, err := r.consume(EvtExchange, net, "client")
	if err != nil {
		return nil, nil, err
	}
	eves, errs := deliver[msg.Event](r, msgs, mut)
	return eves, errs, nil
}

// GetReqs consumes requests from the dgw.req exchange for the specified network pushing them to the returned channel.
// The message consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetReqs(net string, mut *sync.Mutex) (<-chan msg.Request, <-chan error, error) {
	msgs, err := r.consume(ReqExchange, net, "gateway")
	if err != nil {
		return nil, nil, err
	}
	reqs, errs := deliver[msg.Request](r, msgs, mut)
	return reqs, errs, nil
}
