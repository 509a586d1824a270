package push

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

type fakeSkeleton struct {
	calls int
	err   error
}

func (f *fakeSkeleton) Sync(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeUserdata struct {
	events []model.StoredEvent
	err    error
}

func (f *fakeUserdata) HandleEvent(ctx context.Context, ev model.StoredEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

func TestDispatcher_CatalogUpdatedCallsSync(t *testing.T) {
	sk := &fakeSkeleton{}
	ud := &fakeUserdata{}
	d := New(sk, ud, zap.NewNop())

	d.Dispatch(context.Background(), transport.PushMessage{
		Type:    "catalog_updated",
		Payload: []byte(`{"skeleton_version": 42}`),
	})

	assert.Equal(t, 1, sk.calls)
	assert.Empty(t, ud.events)
}

func TestDispatcher_UserSyncCallsHandleEvent(t *testing.T) {
	sk := &fakeSkeleton{}
	ud := &fakeUserdata{}
	d := New(sk, ud, zap.NewNop())

	d.Dispatch(context.Background(), transport.PushMessage{
		Type:    "user_sync",
		Payload: []byte(`{"Seq": 5, "Type": "setting_changed", "Key": "theme", "Value": "dark"}`),
	})

	require.Len(t, ud.events, 1)
	assert.Equal(t, int64(5), ud.events[0].Seq)
	assert.Equal(t, model.EventSettingChanged, ud.events[0].Type)
	assert.Equal(t, 0, sk.calls)
}

func TestDispatcher_UnknownTypeIsDroppedSilently(t *testing.T) {
	sk := &fakeSkeleton{}
	ud := &fakeUserdata{}
	d := New(sk, ud, zap.NewNop())

	d.Dispatch(context.Background(), transport.PushMessage{Type: "playback_started", Payload: []byte(`{}`)})

	assert.Equal(t, 0, sk.calls)
	assert.Empty(t, ud.events)
}

func TestDispatcher_MalformedPayloadIsDroppedNotPanicked(t *testing.T) {
	sk := &fakeSkeleton{}
	ud := &fakeUserdata{}
	d := New(sk, ud, zap.NewNop())

	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), transport.PushMessage{Type: "catalog_updated", Payload: []byte(`not json`)})
	})
	assert.Equal(t, 0, sk.calls)
}

func TestDispatcher_RunConsumesUntilChannelCloses(t *testing.T) {
	sk := &fakeSkeleton{}
	ud := &fakeUserdata{}
	d := New(sk, ud, zap.NewNop())

	msgs := make(chan transport.PushMessage, 1)
	msgs <- transport.PushMessage{Type: "catalog_updated", Payload: []byte(`{}`)}
	close(msgs)

	d.Run(context.Background(), msgs)
	assert.Equal(t, 1, sk.calls)
}
