// Package reconcile compares on-chain observations of one ledger key against its recorded state and reports the
// first difference as a balance change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/metrics"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/lib/trace"
)

// Fetcher observes balances. Every chain.Adapter is one.
type Fetcher interface {
	Balance(ctx context.Context, address, token string) (types.Balance, error)
}

// Request bounds one reconciliation. MaxFetchFailures is the number of consecutive fetch failures that aborts the
// run; zero means only a run where every attempt failed is an error.
type Request struct {
	Key              store.Key
	Prior            store.Record
	MaxAttempts      int
	PollInterval     time.Duration
	MaxFetchFailures int
}

// Result of a reconciliation. Event is nil when no change was seen within MaxAttempts.
type Result struct {
	Event         *types.BalanceChange
	Attempts      int
	FetchFailures int
}

// Engine runs reconciliations. It holds no per key state and is safe for concurrent use.
type Engine struct {
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an engine logging to log.
func New(log *zap.Logger) *Engine {
	return &Engine{log: log, sleep: sleep}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Diff builds the change from prior to b, or nil when both amounts are equal.
func Diff(k store.Key, prior, b types.Balance, try int) *types.BalanceChange {
	if prior.Confirmed.Cmp(b.Confirmed) == 0 && prior.Unconfirmed.Cmp(b.Unconfirmed) == 0 {
		return nil
	}
	return &types.BalanceChange{
		Chain:               k.Chain,
		Address:             k.Address,
		Token:               k.Token,
		PreviousConfirmed:   new(big.Int).Set(prior.Confirmed),
		NewConfirmed:        new(big.Int).Set(b.Confirmed),
		ConfirmedDelta:      new(big.Int).Sub(b.Confirmed, prior.Confirmed),
		PreviousUnconfirmed: new(big.Int).Set(prior.Unconfirmed),
		NewUnconfirmed:      new(big.Int).Set(b.Unconfirmed),
		UnconfirmedDelta:    new(big.Int).Sub(b.Unconfirmed, prior.Unconfirmed),
		ObservedAtTry:       try,
	}
}

// Reconcile polls f up to req.MaxAttempts times, sleeping req.PollInterval between attempts, and returns as soon as
// an observation differs from req.Prior. Cancellation is honoured before every attempt and while sleeping; an
// observation that completes after ctx is done is discarded.
//
// Fetch failures use up attempts. Errors other than fetch failures (malformed address, unsupported token) abort at
// once.
func (e *Engine) Reconcile(ctx context.Context, f Fetcher, req Request) (res Result, err error) {
	ctx, span := trace.StartSpan(ctx, "reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("key", req.Key.String()))

	prior, err := req.Prior.Balance()
	if err != nil {
		return res, fmt.Errorf("reconcile %s: prior record: %w", req.Key, err)
	}
	chain := string(req.Key.Chain)
	log := e.log.With(zap.String("chain", chain), zap.String("address", req.Key.Address), zap.String("token", req.Key.Token))

	var consecutive int
	var lastErr error
	for try := 1; try <= req.MaxAttempts; try++ {
		if err = ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = try
		metrics.ReconcileAttempts.WithLabelValues(chain).Inc()

		b, ferr := f.Balance(ctx, req.Key.Address, req.Key.Token)
		if err = ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case ferr != nil && !types.IsFetch(ferr):
			return res, fmt.Errorf("reconcile %s: %w", req.Key, ferr)
		case ferr != nil:
			res.FetchFailures++
			consecutive++
			lastErr = ferr
			metrics.FetchFailures.WithLabelValues(chain).Inc()
			log.Warn("balance fetch failed, degraded", zap.Int("attempt", try), zap.Error(ferr))
			if req.MaxFetchFailures > 0 && consecutive >= req.MaxFetchFailures {
				return res, fmt.Errorf("reconcile %s: %d consecutive failures: %w", req.Key, consecutive, ferr)
			}
		default:
			consecutive = 0
			if ev := Diff(req.Key, prior, types.NewBalance(b.Confirmed, b.Unconfirmed), try); ev != nil {
				log.Info("balance changed", zap.Int("attempt", try),
					zap.Stringer("confirmed", ev.NewConfirmed), zap.Stringer("unconfirmed", ev.NewUnconfirmed))
				res.Event = ev
				return res, nil
			}
		}

		if try < req.MaxAttempts {
			if err = e.sleep(ctx, req.PollInterval); err != nil {
				return res, err
			}
		}
	}

	if res.Attempts > 0 && res.FetchFailures == res.Attempts {
		return res, fmt.Errorf("reconcile %s: every attempt failed: %w", req.Key, lastErr)
	}
	log.Debug("no balance change", zap.Int("attempts", res.Attempts))
	return res, nil
}

// IsCancelled reports whether err comes from a cancelled or expired context.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
