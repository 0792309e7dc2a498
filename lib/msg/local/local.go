// Package local implements the message broker interface in process. It backs single process deployments without a
// broker ("none") and the gateway tests.
package local

import (
	"errors"
	"sync"

	"github.com/tarancss/depositgw/lib/msg"
)

// ErrClosed is returned when sending on a closed broker.
var ErrClosed = errors.New("broker is closed")

const queueLen = 1024

// Local keeps one buffered queue of requests and one of events per network.
type Local struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	reqs   map[string]chan msg.Request
	eves   map[string]chan msg.Event
}

// New returns an empty broker.
func New() *Local {
	return &Local{
		done: make(chan struct{}),
		reqs: make(map[string]chan msg.Request),
		eves: make(map[string]chan msg.Event),
	}
}

// Setup does nothing.
func (l *Local) Setup(interface{}) error { return nil }

// Close stops the consumers. Queued messages are dropped.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func queue[T any](l *Local, m map[string]chan T, net string) (chan T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	q, ok := m[net]
	if !ok {
		q = make(chan T, queueLen)
		m[net] = q
	}
	return q, nil
}

func send[T any](l *Local, m map[string]chan T, net string, v T) error {
	q, err := queue(l, m, net)
	if err != nil {
		return err
	}
	select {
	case q <- v:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// deliver forwards q to the returned channel, waiting for mut between messages.
func deliver[T any](l *Local, q chan T, mut *sync.Mutex) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case v := <-q:
				select {
				case out <- v:
				case <-l.done:
					return
				}
				mut.Lock() // wait for the consumer to finish processing
			case <-l.done:
				return
			}
		}
	}()
	return out
}

// SendRequest queues r on net.
func (l *Local) SendRequest(net string, r msg.Request) error {
	return send(l, l.reqs, net, r)
}

// SendEvent queues e on net.
func (l *Local) SendEvent(net string, e msg.Event) error {
	return send(l, l.eves, net, e)
}

// GetReqs consumes the requests of net. The error channel never delivers.
func (l *Local) GetReqs(net string, mut *sync.Mutex) (<-chan msg.Request, <-chan error, error) {
	q, err := queue(l, l.reqs, net)
	if err != nil {
		return nil, nil, err
	}
	return deliver(l, q, mut), make(chan error), nil
}

// GetEvents consumes the events of net. The error channel never delivers.
func (l *Local) GetEvents(net string, mut *sync.Mutex) (<-chan msg.Event, <-chan error, error) {
	q, err := queue(l, l.eves, net)
	if err != nil {
		return nil, nil, err
	}
	return deliver(l, q, mut), make(chan error), nil
}
