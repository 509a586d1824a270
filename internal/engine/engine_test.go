package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/config"
	"github.com/lelloman/catalogcore/internal/kvstore/kvstoretest"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

type fakeAdapter struct{}

func (f *fakeAdapter) FetchArtist(ctx context.Context, id string) (model.Artist, error) { return model.Artist{}, nil }
func (f *fakeAdapter) FetchAlbum(ctx context.Context, id string) (model.Album, error)   { return model.Album{}, nil }
func (f *fakeAdapter) FetchTrack(ctx context.Context, id string) (model.Track, error)   { return model.Track{}, nil }
func (f *fakeAdapter) FetchSkeletonFull(ctx context.Context) (model.SkeletonSnapshot, error) {
	return model.SkeletonSnapshot{Version: 1, Checksum: "c1"}, nil
}
func (f *fakeAdapter) FetchSkeletonVersion(ctx context.Context) (int64, string, error) { return 1, "c1", nil }
func (f *fakeAdapter) FetchSkeletonDelta(ctx context.Context, since int64) (model.SkeletonDelta, error) {
	return model.SkeletonDelta{}, nil
}
func (f *fakeAdapter) FetchUserState(ctx context.Context) (model.UserStateSnapshot, error) {
	return model.UserStateSnapshot{Seq: 1}, nil
}
func (f *fakeAdapter) FetchUserEvents(ctx context.Context, since int64) (model.UserEventPage, error) {
	return model.UserEventPage{}, nil
}
func (f *fakeAdapter) PostUserMutation(ctx context.Context, req model.UserMutationRequest) error { return nil }

type fakePushListener struct{}

func (f *fakePushListener) Listen(ctx context.Context) (<-chan transport.PushMessage, error) {
	ch := make(chan transport.PushMessage)
	return ch, nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Fetcher.MinSleep = 5 * time.Millisecond
	cfg.Fetcher.MaxSleep = 10 * time.Millisecond
	cfg.SyncRetry.Min = 5 * time.Millisecond
	cfg.SyncRetry.Max = 10 * time.Millisecond
	return cfg
}

func TestEngine_NewWiresAllComponents(t *testing.T) {
	db := kvstoretest.NewMemStore()
	e := New(testConfig(), db, &fakeAdapter{}, &fakePushListener{}, zap.NewNop())

	require.NotNil(t, e.Artists)
	require.NotNil(t, e.Albums)
	require.NotNil(t, e.Tracks)
	require.NotNil(t, e.Fetcher)
	require.NotNil(t, e.Skeleton)
	require.NotNil(t, e.UserData)
	require.NotNil(t, e.Dispatcher)
	require.NotNil(t, e.Metrics())
}

func TestEngine_RunPerformsInitialSyncAndShutdownStops(t *testing.T) {
	db := kvstoretest.NewMemStore()
	e := New(testConfig(), db, &fakeAdapter{}, &fakePushListener{}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, e.Run(ctx))

	state, _ := e.Skeleton.State()
	assert.Equal(t, "synced", string(state))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, e.Shutdown(shutdownCtx))
}
