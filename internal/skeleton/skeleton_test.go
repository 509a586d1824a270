package skeleton

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
	fullSnapshot  model.SkeletonSnapshot
	fullErr       error
	delta         model.SkeletonDelta
	deltaErr      error
	versionProbe  int64
	checksumProbe string
	versionErr    error
}

func (f *fakeAdapter) FetchArtist(ctx context.Context, id string) (model.Artist, error) { return model.Artist{}, nil }
func (f *fakeAdapter) FetchAlbum(ctx context.Context, id string) (model.Album, error)   { return model.Album{}, nil }
func (f *fakeAdapter) FetchTrack(ctx context.Context, id string) (model.Track, error)   { return model.Track{}, nil }
func (f *fakeAdapter) FetchSkeletonFull(ctx context.Context) (model.SkeletonSnapshot, error) {
	return f.fullSnapshot, f.fullErr
}
func (f *fakeAdapter) FetchSkeletonVersion(ctx context.Context) (int64, string, error) {
	return f.versionProbe, f.checksumProbe, f.versionErr
}
func (f *fakeAdapter) FetchSkeletonDelta(ctx context.Context, since int64) (model.SkeletonDelta, error) {
	return f.delta, f.deltaErr
}
func (f *fakeAdapter) FetchUserState(ctx context.Context) (model.UserStateSnapshot, error) {
	return model.UserStateSnapshot{}, nil
}
func (f *fakeAdapter) FetchUserEvents(ctx context.Context, since int64) (model.UserEventPage, error) {
	return model.UserEventPage{}, nil
}
func (f *fakeAdapter) PostUserMutation(ctx context.Context, req model.UserMutationRequest) error { return nil }

func TestSynchronizer_ZeroVersionTriggersFullResync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	adapter := &fakeAdapter{fullSnapshot: model.SkeletonSnapshot{
		Version: 3, Checksum: "c3", Artists: []string{"a1"},
	}}
	s := New(db, adapter, zap.NewNop(), backoffFastPolicy())

	require.NoError(t, s.Sync(context.Background()))

	state, _ := s.State()
	assert.Equal(t, StateSynced, state)

	raw, ok, err := db.GetScalar(context.Background(), kvstore.KeySkeletonVersion)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", raw)
}

func TestSynchronizer_DeltaFastPath(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceSkeleton(context.Background(), model.SkeletonSnapshot{Version: 10, Checksum: "c10"}))

	adapter := &fakeAdapter{delta: model.SkeletonDelta{
		FromVersion: 10, ToVersion: 13, Checksum: "c13",
		Changes: []model.SkeletonChange{
			{Type: model.ChangeAlbumAdded, ID: "alb1", ArtistIDs: []string{"a1"}},
		},
	}}
	s := New(db, adapter, zap.NewNop(), backoffFastPolicy())

	require.NoError(t, s.Sync(context.Background()))

	albums, err := db.AlbumIDsForArtist(context.Background(), "a1")
	require.NoError(t, err)
	assert.Contains(t, albums, "alb1")

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeySkeletonVersion)
	assert.Equal(t, "13", raw)
}

func TestSynchronizer_VersionTooOldTriggersFullResync(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceSkeleton(context.Background(), model.SkeletonSnapshot{Version: 5, Checksum: "old"}))

	adapter := &fakeAdapter{
		deltaErr: &transport.ClassifiedError{Reason: model.ReasonVersionTooOld, Err: assertError{}},
		fullSnapshot: model.SkeletonSnapshot{
			Version: 20, Checksum: "new", Artists: []string{"a1", "a2"},
		},
	}
	s := New(db, adapter, zap.NewNop(), backoffFastPolicy())

	require.NoError(t, s.Sync(context.Background()))

	state, _ := s.State()
	assert.Equal(t, StateSynced, state)

	raw, _, _ := db.GetScalar(context.Background(), kvstore.KeySkeletonVersion)
	assert.Equal(t, "20", raw)

	needsFull, _, _ := db.GetScalar(context.Background(), kvstore.KeyNeedsSkeletonFullSync)
	assert.Equal(t, "false", needsFull)
}

func TestSynchronizer_TransientErrorSchedulesRetryAndRecovers(t *testing.T) {
	db := kvstoretest.NewMemStore()
	require.NoError(t, db.ReplaceSkeleton(context.Background(), model.SkeletonSnapshot{Version: 10, Checksum: "c10"}))

	adapter := &fakeAdapter{deltaErr: &transport.ClassifiedError{Reason: model.ReasonNetwork, Err: assertError{}}}
	s := New(db, adapter, zap.NewNop(), backoff.Policy{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1.5})

	err := s.Sync(context.Background())
	require.Error(t, err)
	state, reason := s.State()
	assert.Equal(t, StateError, state)
	assert.Equal(t, model.ReasonNetwork, reason)

	adapter.deltaErr = nil
	adapter.delta = model.SkeletonDelta{FromVersion: 10, ToVersion: 11, Checksum: "c11"}

	time.Sleep(100 * time.Millisecond)
	s.Cleanup()

	state, _ = s.State()
	assert.Equal(t, StateSynced, state)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func backoffFastPolicy() backoff.Policy {
	return backoff.Policy{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1.5}
}
