package changefeed

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_SubscribeReplaysCurrentValue(t *testing.T) {
	f := New[int]()
	f.Publish(42)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx)
	select {
	case v := <-ch:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("expected replayed value")
	}
}

func TestFeed_SubscribeBeforeAnyPublish(t *testing.T) {
	f := New[string]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx)
	f.Publish("hello")

	select {
	case v := <-ch:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("expected published value")
	}
}

func TestFeed_ClosesChannelOnContextCancel(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	ch := f.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected channel to close")
	}
}

func TestFeed_CurrentReturnsLastPublished(t *testing.T) {
	f := New[int]()
	_, ok := f.Current()
	require.False(t, ok)

	f.Publish(1)
	f.Publish(2)

	v, ok := f.Current()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCombineLatest_WaitsForBothInputs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New[int]()
	b := New[string]()
	combined := CombineLatest(ctx, a, b, func(x int, y string) string {
		return y + ":" + strconv.Itoa(x)
	})

	sub := combined.Subscribe(ctx)

	a.Publish(1)
	select {
	case <-sub:
		t.Fatal("should not emit until both inputs have a value")
	case <-time.After(100 * time.Millisecond):
	}

	b.Publish("x")
	select {
	case v := <-sub:
		assert.Equal(t, "x:1", v)
	case <-time.After(time.Second):
		t.Fatal("expected combined emission")
	}
}
