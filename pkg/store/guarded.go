package store

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var (
	storeCallTimeout = flag.Duration("store_call_timeout", 3*time.Second,
		"Upper bound of a single store call. Zero disables the bound.")
	storeBreakerFailures = flag.Uint("store_breaker_failures", 5,
		"Consecutive store failures tripping the circuit breaker.")
	storeBreakerCooldown = flag.Duration("store_breaker_cooldown", 30*time.Second,
		"How long the circuit breaker stays open before probing the store again.")
)

// Guarded wraps a Store with a per call timeout and a circuit breaker. Caller errors (not found, conflict, invalid)
// don't count as failures; an open breaker fails fast with ErrUnavailable.
type Guarded struct { // Implements Store.
	inner   Store
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

var _ Store = (*Guarded)(nil)

// isCallerError reports errors caused by the request rather than by the backend.
func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalid)
}

// NewGuarded is the constructor for Guarded, configured from the store_* flags.
func NewGuarded(inner Store) *Guarded {
	failures := uint32(max(*storeBreakerFailures, 1))
	return &Guarded{
		inner:   inner,
		timeout: *storeCallTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "store",
			Timeout: *storeBreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool { return err == nil || isCallerError(err) },
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					slog.Warn("Store circuit breaker opened.", "from", from.String())
					return
				}
				slog.Info("Store circuit breaker changed state.", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State exposes the breaker state for status reporting.
func (g *Guarded) State() string { return g.breaker.State().String() }

// call runs `fn` under the breaker with a bounded context.
func call[T any](ctx context.Context, g *Guarded, fn func(ctx context.Context) (T, error)) (T, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	result, err := g.breaker.Execute(func() (any, error) { return fn(ctx) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

func (g *Guarded) Find(ctx context.Context, collection Collection, filter Filter,
	opts FindOptions) ([]Document, error) {
	return call(ctx, g, func(ctx context.Context) ([]Document, error) {
		return g.inner.Find(ctx, collection, filter, opts)
	})
}

func (g *Guarded) FindOne(ctx context.Context, collection Collection, filter Filter) (Document, error) {
	return call(ctx, g, func(ctx context.Context) (Document, error) {
		return g.inner.FindOne(ctx, collection, filter)
	})
}

func (g *Guarded) InsertOne(ctx context.Context, collection Collection, doc Document) (string, error) {
	return call(ctx, g, func(ctx context.Context) (string, error) {
		return g.inner.InsertOne(ctx, collection, doc)
	})
}

func (g *Guarded) UpdateOne(ctx context.Context, collection Collection, filter Filter, set Document) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.UpdateOne(ctx, collection, filter, set)
	})
	return err
}

func (g *Guarded) UpdateMany(ctx context.Context, collection Collection, filter Filter, set Document) (int, error) {
	return call(ctx, g, func(ctx context.Context) (int, error) {
		return g.inner.UpdateMany(ctx, collection, filter, set)
	})
}

func (g *Guarded) DeleteOne(ctx context.Context, collection Collection, filter Filter) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.DeleteOne(ctx, collection, filter)
	})
	return err
}

func (g *Guarded) DeleteMany(ctx context.Context, collection Collection, filter Filter) (int, error) {
	return call(ctx, g, func(ctx context.Context) (int, error) {
		return g.inner.DeleteMany(ctx, collection, filter)
	})
}

func (g *Guarded) CountDocuments(ctx context.Context, collection Collection, filter Filter) (int, error) {
	return call(ctx, g, func(ctx context.Context) (int, error) {
		return g.inner.CountDocuments(ctx, collection, filter)
	})
}

func (g *Guarded) Close() error { return g.inner.Close() }
