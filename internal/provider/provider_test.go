package provider

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/cache"
	"github.com/lelloman/catalogcore/internal/fetchstate"
	"github.com/lelloman/catalogcore/internal/kvstore/kvstoretest"
	"github.com/lelloman/catalogcore/internal/model"
)

type fakeWaker struct {
	calls int
}

func (w *fakeWaker) WakeUp() { w.calls++ }

func noCaps() cache.Caps {
	return cache.Caps{
		MaxEntries: func() int { return 100 },
		MaxBytes:   func() int64 { return 0 },
		TTL:        func() time.Duration { return 0 },
	}
}

func newTestProvider(t *testing.T) (*Provider[model.Artist], *kvstoretest.MemStore, *fakeWaker) {
	t.Helper()
	db := kvstoretest.NewMemStore()
	states := fetchstate.New(db)
	waker := &fakeWaker{}
	memCache := cache.New[string, model.Artist](noCaps(), nil)
	p := New[model.Artist](model.ItemArtist, db, states, waker, zap.NewNop(), memCache)
	return p, db, waker
}

func recvStatus(t *testing.T, ch <-chan Status[model.Artist]) Status[model.Artist] {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "channel closed before a status arrived")
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status")
		return Status[model.Artist]{}
	}
}

func TestProvider_MemCacheHitShortCircuits(t *testing.T) {
	p, _, waker := newTestProvider(t)

	memCache := cache.New[string, model.Artist](noCaps(), nil)
	memCache.Put("a1", model.Artist{ID: "a1", DisplayName: "Cached"})
	p.memCache = memCache

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Provide(ctx, "a1")
	status := recvStatus(t, ch)
	assert.Equal(t, StatusLoaded, status.Kind)
	assert.Equal(t, "Cached", status.Entity.DisplayName)
	assert.Equal(t, 0, waker.calls)
}

func TestProvider_AbsentEntityEnqueuesFetchAndReportsLoading(t *testing.T) {
	p, db, waker := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Provide(ctx, "a1")
	status := recvStatus(t, ch)
	assert.Equal(t, StatusLoading, status.Kind)

	rec, ok, err := db.GetFetchRecord(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.FetchStatusIdle, rec.Status)
	assert.Equal(t, 1, waker.calls)
}

func TestProvider_EntityWrittenWhileSubscribedTransitionsToLoaded(t *testing.T) {
	p, db, _ := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Provide(ctx, "a1")
	first := recvStatus(t, ch)
	assert.Equal(t, StatusLoading, first.Kind)

	payload, err := json.Marshal(model.Artist{ID: "a1", DisplayName: "Loaded Artist"})
	require.NoError(t, err)
	require.NoError(t, db.PutEntity(context.Background(), model.ItemArtist, "a1", payload))

	var last Status[model.Artist]
	for i := 0; i < 5; i++ {
		last = recvStatus(t, ch)
		if last.Kind == StatusLoaded {
			break
		}
	}
	assert.Equal(t, StatusLoaded, last.Kind)
	assert.Equal(t, "Loaded Artist", last.Entity.DisplayName)
}

func TestProvider_ErrorRecordWithBackoffPendingReportsError(t *testing.T) {
	p, db, _ := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UnixMilli()
	require.NoError(t, db.PutFetchRecord(context.Background(), model.FetchRecord{
		ItemID:        "a1",
		ItemType:      model.ItemArtist,
		Status:        model.FetchStatusError,
		ErrorReason:   model.ReasonNotFound,
		LastAttemptMs: now,
		RetryAfterMs:  now + int64(time.Hour/time.Millisecond),
	}))

	ch := p.Provide(ctx, "a1")
	status := recvStatus(t, ch)
	assert.Equal(t, StatusError, status.Kind)
	assert.Equal(t, model.ReasonNotFound, status.Reason)
}

func TestProvider_ErrorRecordWithBackoffElapsedReEnqueuesOnceAndStaysLoading(t *testing.T) {
	p, db, waker := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UnixMilli()
	require.NoError(t, db.PutFetchRecord(context.Background(), model.FetchRecord{
		ItemID:        "a1",
		ItemType:      model.ItemArtist,
		Status:        model.FetchStatusError,
		ErrorReason:   model.ReasonNetwork,
		LastAttemptMs: now - int64(time.Hour/time.Millisecond),
		RetryAfterMs:  now - 1,
	}))

	ch := p.Provide(ctx, "a1")

	status := recvStatus(t, ch)
	assert.Equal(t, StatusLoading, status.Kind)

	rec, ok, err := db.GetFetchRecord(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.FetchStatusIdle, rec.Status)
	assert.GreaterOrEqual(t, waker.calls, 1)
}
