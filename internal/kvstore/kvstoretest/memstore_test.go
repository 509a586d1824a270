package kvstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
)

func TestMemStore_ApplyUserEventIgnoresRedeliveredSeq(t *testing.T) {
	db := NewMemStore()
	ctx := context.Background()

	require.NoError(t, db.ApplyUserEvent(ctx, model.StoredEvent{
		Seq: 5, Type: model.EventSettingChanged, Key: "theme", Value: "dark",
	}))
	require.NoError(t, db.ApplyUserEvent(ctx, model.StoredEvent{
		Seq: 3, Type: model.EventSettingChanged, Key: "theme", Value: "light",
	}))

	settings, err := db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", settings["theme"])

	raw, ok, err := db.GetScalar(ctx, kvstore.KeyUserCursor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", raw)
}
