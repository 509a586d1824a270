// Package kvstore is the Persistent KV Store boundary of spec.md §4.10:
// durable key/value and relational persistence behind a small
// interface, with a Postgres-backed implementation adapted from the
// teacher's internal/database/postgres.go.
package kvstore

import (
	"context"
	"encoding/json"

	"github.com/lelloman/catalogcore/internal/model"
)

// Scalar keys (spec.md §6 "Persisted state layout").
const (
	KeySkeletonVersion       = "skeleton_version"
	KeySkeletonChecksum      = "skeleton_checksum"
	KeyUserCursor            = "user_cursor"
	KeyNeedsUserFullSync     = "needs_user_full_sync"
	KeyNeedsSkeletonFullSync = "needs_skeleton_full_sync"
)

// EntityChange is published on a per-item change feed when an entity
// row is written.
type EntityChange struct {
	ItemType model.ItemType
	ItemID   string
	Payload  json.RawMessage
}

// Store is the full persistence boundary consumed by fetchstate,
// provider, skeleton and userdata. Implementations must make
// replace-all/apply-delta style multi-statement writes atomic from an
// observer's perspective (spec.md §4.5/§5).
type Store interface {
	ScalarStore
	EntityStore
	FetchRecordStore
	SkeletonStore
	UserDataStore

	Close() error
}

// ScalarStore persists the small set of named scalars.
type ScalarStore interface {
	GetScalar(ctx context.Context, key string) (string, bool, error)
	PutScalar(ctx context.Context, key, value string) error
}

// EntityStore persists static Artist/Album/Track payloads.
type EntityStore interface {
	GetEntity(ctx context.Context, itemType model.ItemType, id string) (json.RawMessage, bool, error)
	PutEntity(ctx context.Context, itemType model.ItemType, id string, payload json.RawMessage) error
	// SubscribeEntity registers fn to be called whenever PutEntity
	// writes itemType/id. Returns an unsubscribe function.
	SubscribeEntity(itemType model.ItemType, id string, fn func(EntityChange)) (unsubscribe func())
}

// FetchRecordStore persists model.FetchRecord rows.
type FetchRecordStore interface {
	PutFetchRecord(ctx context.Context, r model.FetchRecord) error
	GetFetchRecord(ctx context.Context, itemID string) (model.FetchRecord, bool, error)
	DeleteFetchRecord(ctx context.Context, itemID string) error
	ListFetchRecords(ctx context.Context) ([]model.FetchRecord, error)
	ResetLoadingToIdle(ctx context.Context) error
	// SubscribeFetchRecord registers fn to be called whenever itemID's
	// record is written or deleted (ok=false on delete).
	SubscribeFetchRecord(itemID string, fn func(rec model.FetchRecord, ok bool)) (unsubscribe func())
}

// SkeletonStore persists the ID-only relational graph.
type SkeletonStore interface {
	ReplaceSkeleton(ctx context.Context, snap model.SkeletonSnapshot) error
	ApplySkeletonDelta(ctx context.Context, changes []model.SkeletonChange, toVersion int64, checksum string) error
	AlbumIDsForArtist(ctx context.Context, artistID string) ([]string, error)
	TrackIDsForAlbum(ctx context.Context, albumID string) ([]string, error)
	SubscribeAlbumsForArtist(artistID string, fn func([]string)) (unsubscribe func())
	SubscribeTracksForAlbum(albumID string, fn func([]string)) (unsubscribe func())
}

// UserDataStore persists the replicated per-user state.
type UserDataStore interface {
	ReplaceUserState(ctx context.Context, snap model.UserStateSnapshot) error
	ApplyUserEvent(ctx context.Context, ev model.StoredEvent) error

	GetLikes(ctx context.Context) ([]model.Like, error)
	GetSettings(ctx context.Context) (map[string]string, error)
	GetPermissions(ctx context.Context) ([]model.Permission, error)
	GetNotifications(ctx context.Context) ([]model.Notification, error)

	GetPlaylists(ctx context.Context) ([]model.Playlist, error)
	PutPlaylist(ctx context.Context, p model.Playlist) error
	DeletePlaylist(ctx context.Context, id string) error
}
