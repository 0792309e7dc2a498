package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	rel, err := l.Acquire(ctx, "btc:addr", nil)
	require.NoError(t, err)
	assert.True(t, l.Held("btc:addr"))

	_, err = l.Acquire(ctx, "btc:addr", nil)
	assert.ErrorIs(t, err, ErrHeld)

	// distinct keys do not contend
	rel2, err := l.Acquire(ctx, "eth:addr", nil)
	require.NoError(t, err)
	rel2()

	rel()
	rel()
	assert.False(t, l.Held("btc:addr"))
	rel3, err := l.Acquire(ctx, "btc:addr", nil)
	require.NoError(t, err)
	rel3()
}

func TestLocalRace(t *testing.T) {
	l := NewLocal()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", nil); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestWait(t *testing.T) {
	l := NewLocal()
	rel, err := l.Acquire(context.Background(), "k", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		rel()
	}()
	rel2, err := Wait(context.Background(), l, "k", 5*time.Millisecond, nil)
	require.NoError(t, err)
	rel2()

	rel3, _ := l.Acquire(context.Background(), "k", nil)
	defer rel3()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Wait(ctx, l, "k", 5*time.Millisecond, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
