package fetchstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelloman/catalogcore/internal/kvstore/kvstoretest"
	"github.com/lelloman/catalogcore/internal/model"
)

func TestStore_GetIdleIncludesIdleAndElapsedBackoff(t *testing.T) {
	db := kvstoretest.NewMemStore()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a1", ItemType: model.ItemArtist, Status: model.FetchStatusIdle}))
	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{
		ItemID: "a2", ItemType: model.ItemArtist, Status: model.FetchStatusError, RetryAfterMs: 100,
	}))
	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{
		ItemID: "a3", ItemType: model.ItemArtist, Status: model.FetchStatusError, RetryAfterMs: 10_000,
	}))
	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a4", ItemType: model.ItemArtist, Status: model.FetchStatusLoading}))

	idle, err := s.GetIdle(ctx, 200)
	require.NoError(t, err)

	ids := make([]string, 0, len(idle))
	for _, r := range idle {
		ids = append(ids, r.ItemID)
	}
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)
}

func TestStore_GetLoadingCount(t *testing.T) {
	db := kvstoretest.NewMemStore()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a1", Status: model.FetchStatusLoading}))
	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a2", Status: model.FetchStatusLoading}))
	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a3", Status: model.FetchStatusIdle}))

	n, err := s.GetLoadingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_ResetLoadingToIdle(t *testing.T) {
	db := kvstoretest.NewMemStore()
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a1", Status: model.FetchStatusLoading}))
	require.NoError(t, s.ResetLoadingToIdle(ctx))

	r, ok, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.FetchStatusIdle, r.Status)
}

func TestStore_SubscribeReplaysThenDeliversDelete(t *testing.T) {
	db := kvstoretest.NewMemStore()
	s := New(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.StoreRecord(ctx, model.FetchRecord{ItemID: "a1", Status: model.FetchStatusIdle}))

	ch := s.Subscribe(ctx, "a1")
	first := <-ch
	assert.True(t, first.Present)
	assert.Equal(t, model.FetchStatusIdle, first.Record.Status)

	require.NoError(t, s.Delete(ctx, "a1"))
	second := <-ch
	assert.False(t, second.Present)
}
