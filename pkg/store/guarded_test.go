package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/plaza/pkg/utils"
)

// flakyStore fails every Find with `err` and counts the calls reaching it.
type flakyStore struct {
	*Memory
	err   error
	calls atomic.Int32
}

func (f *flakyStore) Find(ctx context.Context, _ Collection, _ Filter, _ FindOptions) ([]Document, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuarded_OpensAfterConsecutiveFailures(t *testing.T) {
	utils.SetTestFlags(t, map[string]string{"store_breaker_failures": "3", "store_breaker_cooldown": "1h"})
	inner := &flakyStore{Memory: NewMemory(), err: errors.New("connection reset")}
	guarded := NewGuarded(inner)
	ctx := context.Background()

	for range 3 {
		_, err := guarded.Find(ctx, Posts, nil, FindOptions{})
		assert.ErrorContains(t, err, "connection reset")
	}
	assert.Equal(t, "open", guarded.State())
	_, err := guarded.Find(ctx, Posts, nil, FindOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), inner.calls.Load(), "An open breaker must not reach the backend")
}

func TestGuarded_CallerErrorsDontTrip(t *testing.T) {
	utils.SetTestFlag(t, "store_breaker_failures", "2")
	guarded := NewGuarded(NewMemory())
	ctx := context.Background()
	for range 5 {
		_, err := guarded.FindOne(ctx, Users, Where(Eq("username", "nobody")))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", guarded.State())

	id, err := guarded.InsertOne(ctx, Users, Document{"username": "ada"})
	require.NoError(t, err)
	_, err = guarded.InsertOne(ctx, Users, Document{"username": "ada"})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, guarded.UpdateOne(ctx, Users, Where(Eq(IDField, id)), Document{"bio": "hi"}))
	count, err := guarded.CountDocuments(ctx, Users, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "closed", guarded.State())
}

func TestGuarded_BoundsCallDuration(t *testing.T) {
	utils.SetTestFlag(t, "store_call_timeout", "10ms")
	guarded := NewGuarded(&flakyStore{Memory: NewMemory()})
	_, err := guarded.Find(context.Background(), Posts, nil, FindOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
