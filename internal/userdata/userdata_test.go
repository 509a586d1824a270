package userdata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/backoff"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/kvstore/kvstoretest"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

type fakeAdapter struct {
	state    model.UserStateSnapshot
	stateErr error
	page     model.UserEventPage
	pageErr  error
	mutations []model.UserMutationRequest
}

func (f *fakeAdapter) FetchArtist(ctx context.Context, id string) (model.Artist, error) { return model.Artist{}, nil }
func (f *fakeAdapter) FetchAlbum(ctx context.Context, id string) (model.Album, error)   { return model.Album{}, nil }
func (f *fakeAdapter) FetchTrack(ctx context.Context, id string) (model.Track, error)   { return model.Track{}, nil }
func (f *fakeAdapter) FetchSkeletonFull(ctx context.Context) (model.SkeletonSnapshot, error) {
	return model.SkeletonSnapshot{}, nil
}
func (f *fakeAdapter) FetchSkeletonVersion(ctx context.Context) (int64, string, error) { return 0, "", nil }
func (f *fakeAdapter) FetchSkeletonDelta(ctx context.Context, since int64) (model.SkeletonDelta, error) {
	return model.SkeletonDelta{}, nil
}
func (f *fakeAdapter) FetchUserState(ctx context.Context) (model.UserStateSnapshot, error) {
	return f.state, f.stateErr
}
func (f *fakeAdapter) FetchUserEvents(ctx context.Context, since int64) (model.UserEventPage, error) {
	return f.page, f.pageErr
}
func (f *fakeAdapter) PostUserMutation(ctx context.Context, req model.UserMutationRequest) error {
	f.mutations = append(f.mutations, req)
	return nil
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1.5}
}

func TestEngine_ZeroCursorTriggersFullSync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	adapter := &fakeAdapter{state: model.UserStateSnapshot{Seq: 7, Likes: []model.Like{{Kind: model.LikeTrack, ID: "t1"}}}}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.Initialize(context.Background()))

	state, _ := e.State()
	assert.Equal(t, StateSynced, state)

	raw, ok, err := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "7", raw)
}

func TestEngine_CatchUpAppliesEventsInOrder(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 10}))

	adapter := &fakeAdapter{page: model.UserEventPage{
		CurrentSeq: 12,
		Events: []model.StoredEvent{
			{Seq: 11, Type: model.EventContentLiked, Kind: model.LikeAlbum, ContentID: "alb1"},
			{Seq: 12, Type: model.EventSettingChanged, Key: "theme", Value: "dark"},
		},
	}}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.CatchUp(context.Background()))

	settings, err := db.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dark", settings["theme"])

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	assert.Equal(t, "12", raw)
}

func TestEngine_GapDetectionTriggersFullSync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 10}))

	adapter := &fakeAdapter{
		page: model.UserEventPage{Events: []model.StoredEvent{{Seq: 13, Type: model.EventSettingChanged}}},
		state: model.UserStateSnapshot{Seq: 13, Settings: map[string]string{"theme": "light"}},
	}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.CatchUp(context.Background()))

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	assert.Equal(t, "13", raw)
	state, _ := e.State()
	assert.Equal(t, StateSynced, state)
}

func TestEngine_PrunedEventsTriggersFullSync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 10}))

	adapter := &fakeAdapter{
		page:  model.UserEventPage{Pruned: true},
		state: model.UserStateSnapshot{Seq: 50},
	}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.CatchUp(context.Background()))

	needsFull, _, _ := db.GetScalar(context.Background(), kvstore.KeyNeedsUserFullSync)
	assert.Equal(t, "false", needsFull)

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	assert.Equal(t, "50", raw)
}

func TestEngine_OptimisticRenamePreservedAcrossFullSync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{
		Seq: 1,
		Playlists: []model.Playlist{{ID: "p1", Name: "Old", SyncStatus: model.PlaylistSynced}},
	}))

	adapter := &fakeAdapter{}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.RenamePlaylist(context.Background(), "p1", "New"))
	require.Len(t, adapter.mutations, 1)

	adapter.state = model.UserStateSnapshot{
		Seq:       2,
		Playlists: []model.Playlist{{ID: "p1", Name: "Old", SyncStatus: model.PlaylistSynced}},
	}
	require.NoError(t, e.FullSync(context.Background()))

	playlists, err := db.GetPlaylists(context.Background())
	require.NoError(t, err)
	require.Len(t, playlists, 1)
	assert.Equal(t, "New", playlists[0].Name)
	assert.Equal(t, model.PlaylistPendingUpdate, playlists[0].SyncStatus)

	require.NoError(t, e.HandleEvent(context.Background(), model.StoredEvent{
		Seq: 3, Type: model.EventPlaylistRenamed, Playlist: model.PlaylistChange{ID: "p1", Name: "New"},
	}))

	playlists, err = db.GetPlaylists(context.Background())
	require.NoError(t, err)
	require.Len(t, playlists, 1)
	assert.Equal(t, "New", playlists[0].Name)
}

func TestEngine_EventsPrunedErrorTriggersFullSync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 10}))

	adapter := &fakeAdapter{
		pageErr: &transport.ClassifiedError{Reason: model.ReasonEventsPruned, Err: assertError{}},
		state:   model.UserStateSnapshot{Seq: 50},
	}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.CatchUp(context.Background()))

	needsFull, _, _ := db.GetScalar(context.Background(), kvstore.KeyNeedsUserFullSync)
	assert.Equal(t, "false", needsFull)

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	assert.Equal(t, "50", raw)
	state, _ := e.State()
	assert.Equal(t, StateSynced, state)
}

func TestEngine_HandleEventIgnoresRedeliveredEvent(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 5}))

	adapter := &fakeAdapter{}
	e := New(db, adapter, zap.NewNop(), fastPolicy())

	require.NoError(t, e.HandleEvent(context.Background(), model.StoredEvent{
		Seq: 5, Type: model.EventSettingChanged, Key: "theme", Value: "dark",
	}))

	settings, err := db.GetSettings(context.Background())
	require.NoError(t, err)
	_, applied := settings["theme"]
	assert.False(t, applied)

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeyUserCursor)
	assert.Equal(t, "5", raw)
}

func TestEngine_TransientErrorSchedulesRetryAndRecovers(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceUserState(context.Background(), model.UserStateSnapshot{Seq: 5}))

	adapter := &fakeAdapter{pageErr: &transport.ClassifiedError{Reason: model.ReasonNetwork, Err: assertError{}}}
	e := New(db, adapter, zap.NewNop(), backoff.Policy{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1.5})

	err := e.CatchUp(context.Background())
	require.Error(t, err)
	state, reason := e.State()
	assert.Equal(t, StateError, state)
	assert.Equal(t, model.ReasonNetwork, reason)

	adapter.pageErr = nil
	adapter.page = model.UserEventPage{Events: []model.StoredEvent{{Seq: 6, Type: model.EventSettingChanged, Key: "a", Value: "b"}}}

	time.Sleep(100 * time.Millisecond)
	e.Cleanup()

	state, _ = e.State()
	assert.Equal(t, StateSynced, state)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
