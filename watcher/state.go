package watcher

import (
	"context"
	"sync"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/store"
)

// State of a watch. Idle and Polling are transient, the others terminal.
type State int

// Watch states.
const (
	Idle State = iota
	Polling
	Credited
	TimedOut
	Failed
	Cancelled
)

var stateNames = [...]string{"idle", "polling", "credited", "timedout", "failed", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal returns true once the watch has finished.
func (s State) Terminal() bool {
	return s >= Credited
}

// Watch is the handle of a running watch.
type Watch struct {
	Key     store.Key
	OrderID string

	l      sync.Mutex
	state  State
	err    error
	event  *types.BalanceChange
	record store.Record
	cancel context.CancelFunc
	done   chan struct{}
}

func newWatch(k store.Key, orderID string, cancel context.CancelFunc) *Watch {
	return &Watch{Key: k, OrderID: orderID, cancel: cancel, done: make(chan struct{})}
}

// State returns the current state.
func (w *Watch) State() State {
	w.l.Lock()
	defer w.l.Unlock()
	return w.state
}

// Done is closed when the watch reaches a terminal state.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Err returns the error of a Failed or Cancelled watch.
func (w *Watch) Err() error {
	w.l.Lock()
	defer w.l.Unlock()
	return w.err
}

// Event returns the balance change applied by a Credited watch.
func (w *Watch) Event() *types.BalanceChange {
	w.l.Lock()
	defer w.l.Unlock()
	return w.event
}

// Record returns the ledger record written by a Credited watch.
func (w *Watch) Record() store.Record {
	w.l.Lock()
	defer w.l.Unlock()
	return w.record
}

// Cancel asks the watch to stop. It is observed before the next balance observation.
func (w *Watch) Cancel() {
	w.cancel()
}

func (w *Watch) setState(s State) {
	w.l.Lock()
	w.state = s
	w.l.Unlock()
}

// finish records the terminal state and wakes up waiters. It must be called once.
func (w *Watch) finish(s State, ev *types.BalanceChange, rec store.Record, err error) {
	w.l.Lock()
	w.state, w.event, w.record, w.err = s, ev, rec, err
	w.l.Unlock()
	close(w.done)
}
