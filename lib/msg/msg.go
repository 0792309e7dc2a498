// Package msg defines the messages exchanged with the gateway and the interface for the message brokers carrying
// them.
//
// Clients publish requests (create or cancel an order, derive a vendor address, listen to an address) on a per
// network queue; the gateway publishes events (balance changes, paid and cancelled orders, new addresses, finished
// watches) on a per network topic.
package msg

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Types of object for requests.
const (
	EXIT    = -1
	ORDER   = 0
	ADDRESS = 1
)

// Actions to be applied to objects.
const (
	CREATE   = 0
	CANCEL   = 1
	LISTEN   = 2
	UNLISTEN = 3
)

// OrdersNet is the network name of the queue carrying order requests, which are not bound to a chain.
const OrdersNet = "orders"

// Request is published by clients to ask the gateway to act on an object.
type Request struct {
	Ref     string   `json:"ref,omitempty"` // echoed in the events answering the request
	Net     string   `json:"net"`
	Type    int      `json:"type"` // type of object
	Act     int      `json:"act"`  // action to be applied
	Obj     string   `json:"obj,omitempty"`
	Token   string   `json:"token,omitempty"`
	Order   string   `json:"order,omitempty"`
	Vendor  string   `json:"vendor,omitempty"`
	Items   []string `json:"items,omitempty"`
	Success string   `json:"success,omitempty"`
	Failure string   `json:"failure,omitempty"`
}

// Kinds of event.
const (
	BALANCE   = "balance"
	CREATED   = "created"
	PAID      = "paid"
	CANCELLED = "cancelled"
	WATCH     = "watch"
	ADDRESSED = "address"
)

// Event is published by the gateway. Amounts are base-10 integers in the chain's smallest unit.
type Event struct {
	ID               uuid.UUID `json:"id"`
	Ref              string    `json:"ref,omitempty"`
	Kind             string    `json:"kind"`
	Net              string    `json:"net"`
	Order            string    `json:"order,omitempty"`
	Address          string    `json:"address,omitempty"`
	Token            string    `json:"token,omitempty"`
	State            string    `json:"state,omitempty"`
	Confirmed        string    `json:"confirmed,omitempty"`
	Unconfirmed      string    `json:"unconfirmed,omitempty"`
	ConfirmedDelta   string    `json:"confirmedDelta,omitempty"`
	UnconfirmedDelta string    `json:"unconfirmedDelta,omitempty"`
	URL              string    `json:"url,omitempty"`
	Callback         string    `json:"callback,omitempty"`
	Error            string    `json:"error,omitempty"`
	TS               time.Time `json:"ts"`
}

// NewEvent returns an event of kind on net with a fresh id.
func NewEvent(kind, net string) Event {
	return Event{ID: uuid.New(), Kind: kind, Net: net, TS: time.Now().UTC()}
}

// Broker carries requests and events. The mutex passed to the consuming methods must be locked by the caller before
// the call; the broker acknowledges a delivered message once the caller unlocks it after processing. A consumer may
// stop reading at any time: Close ends every delivery, leaving unacknowledged messages to be delivered again.
type Broker interface {
	Setup(interface{}) error
	Close() error

	// client side
	SendRequest(net string, r Request) error
	GetEvents(net string, mut *sync.Mutex) (<-chan Event, <-chan error, error)

	// gateway side
	GetReqs(net string, mut *sync.Mutex) (<-chan Request, <-chan error, error)
	SendEvent(net string, e Event) error
}
