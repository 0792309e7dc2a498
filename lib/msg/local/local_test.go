package local

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/depositgw/lib/msg"
)

var _ msg.Broker = (*Local)(nil)

func TestRequestsWaitForProcessing(t *testing.T) {
	l := New()
	defer l.Close()

	for _, obj := range []string{"a", "b"} {
		require.NoError(t, l.SendRequest("btc", msg.Request{Net: "btc", Type: msg.ADDRESS, Act: msg.LISTEN, Obj: obj}))
	}

	mut := new(sync.Mutex)
	mut.Lock()
	reqs, _, err := l.GetReqs("btc", mut)
	require.NoError(t, err)

	assert.Equal(t, "a", (<-reqs).Obj)
	select {
	case <-reqs:
		t.Fatal("second request delivered before the first was processed")
	case <-time.After(20 * time.Millisecond):
	}
	mut.Unlock()
	assert.Equal(t, "b", (<-reqs).Obj)
	mut.Unlock()
}

func TestEventsAndClose(t *testing.T) {
	l := New()
	e := msg.NewEvent(msg.PAID, msg.OrdersNet)
	require.NoError(t, l.SendEvent(msg.OrdersNet, e))

	mut := new(sync.Mutex)
	mut.Lock()
	eves, _, err := l.GetEvents(msg.OrdersNet, mut)
	require.NoError(t, err)
	assert.Equal(t, e.ID, (<-eves).ID)

	require.NoError(t, l.Close())
	mut.Unlock()
	_, ok := <-eves
	assert.False(t, ok)
	assert.ErrorIs(t, l.SendEvent("btc", e), ErrClosed)
}

func TestCloseReleasesPendingDelivery(t *testing.T) {
	l := New()
	for _, obj := range []string{"a", "b"} {
		require.NoError(t, l.SendRequest("eth", msg.Request{Net: "eth", Obj: obj}))
	}
	mut := new(sync.Mutex)
	mut.Lock()
	reqs, _, err := l.GetReqs("eth", mut)
	require.NoError(t, err)
	assert.Equal(t, "a", (<-reqs).Obj)
	mut.Unlock()

	// nobody reads "b": closing must still end the delivery
	require.NoError(t, l.Close())
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-reqs:
			if !ok {
				return
			}
			mut.Unlock()
		case <-timeout:
			t.Fatal("delivery did not stop on close")
		}
	}
}
