// Package lease grants exclusive, releasable ownership of a ledger key to one watcher at a time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Error codes.
var (
	ErrHeld = errors.New("lease is held by another watcher")
	ErrLost = errors.New("lease lost before release")
)

// Release gives the lease back. It is safe to call more than once.
type Release func()

// Leaser acquires leases without blocking; Acquire fails with ErrHeld when the key is taken. A non nil lost is called
// once if the lease ends before it is released, after which the holder no longer owns the key.
type Leaser interface {
	Acquire(ctx context.Context, key string, lost func()) (Release, error)
}

// Wait retries Acquire every interval until the lease is granted, ctx is done or a non ErrHeld error occurs.
func Wait(ctx context.Context, l Leaser, key string, interval time.Duration, lost func()) (Release, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		rel, err := l.Acquire(ctx, key, lost)
		if !errors.Is(err, ErrHeld) {
			return rel, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Local implements Leaser for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal returns an in process leaser.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire takes key or fails with ErrHeld. A local lease is only ended by its release, so lost is never called.
func (l *Local) Acquire(_ context.Context, key string, _ func()) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently leased.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
