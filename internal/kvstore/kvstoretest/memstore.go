// Package kvstoretest provides an in-memory kvstore.Store fake for
// unit tests of packages layered on top of the persistence boundary,
// so those tests don't require a live Postgres instance.
package kvstoretest

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
)

// MemStore is a goroutine-safe, process-local implementation of
// kvstore.Store backed by plain maps.
type MemStore struct {
	mu sync.Mutex

	scalars map[string]string
	entities map[string]json.RawMessage
	fetch    map[string]model.FetchRecord

	skeletonArtists map[string]bool
	skeletonAlbums  map[string]model.SkeletonAlbumEntry
	skeletonTracks  map[string]model.SkeletonTrackEntry

	likes         map[model.Like]bool
	settings      map[string]string
	permissions   map[model.Permission]bool
	notifications []model.Notification
	playlists     map[string]model.Playlist

	entitySubs      map[string]map[int]func(kvstore.EntityChange)
	fetchSubs       map[string]map[int]func(model.FetchRecord, bool)
	albumsForArtist map[string]map[int]func([]string)
	tracksForAlbum  map[string]map[int]func([]string)
	nextSubID       int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		scalars:         make(map[string]string),
		entities:        make(map[string]json.RawMessage),
		fetch:           make(map[string]model.FetchRecord),
		skeletonArtists: make(map[string]bool),
		skeletonAlbums:  make(map[string]model.SkeletonAlbumEntry),
		skeletonTracks:  make(map[string]model.SkeletonTrackEntry),
		likes:           make(map[model.Like]bool),
		settings:        make(map[string]string),
		permissions:     make(map[model.Permission]bool),
		playlists:       make(map[string]model.Playlist),
		entitySubs:      make(map[string]map[int]func(kvstore.EntityChange)),
		fetchSubs:       make(map[string]map[int]func(model.FetchRecord, bool)),
		albumsForArtist: make(map[string]map[int]func([]string)),
		tracksForAlbum:  make(map[string]map[int]func([]string)),
	}
}

func (m *MemStore) Close() error { return nil }

// --- ScalarStore ---

func (m *MemStore) GetScalar(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.scalars[key]
	return v, ok, nil
}

func (m *MemStore) PutScalar(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars[key] = value
	return nil
}

// --- EntityStore ---

func entityKey(itemType model.ItemType, id string) string {
	return string(itemType) + "/" + id
}

func (m *MemStore) GetEntity(_ context.Context, itemType model.ItemType, id string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entities[entityKey(itemType, id)]
	return v, ok, nil
}

func (m *MemStore) PutEntity(_ context.Context, itemType model.ItemType, id string, payload json.RawMessage) error {
	m.mu.Lock()
	key := entityKey(itemType, id)
	m.entities[key] = payload
	fns := make([]func(kvstore.EntityChange), 0, len(m.entitySubs[key]))
	for _, fn := range m.entitySubs[key] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	change := kvstore.EntityChange{ItemType: itemType, ItemID: id, Payload: payload}
	for _, fn := range fns {
		fn(change)
	}
	return nil
}

func (m *MemStore) SubscribeEntity(itemType model.ItemType, id string, fn func(kvstore.EntityChange)) func() {
	key := entityKey(itemType, id)
	m.mu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	if m.entitySubs[key] == nil {
		m.entitySubs[key] = make(map[int]func(kvstore.EntityChange))
	}
	m.entitySubs[key][subID] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.entitySubs[key], subID)
		m.mu.Unlock()
	}
}

// --- FetchRecordStore ---

func (m *MemStore) PutFetchRecord(_ context.Context, r model.FetchRecord) error {
	m.mu.Lock()
	m.fetch[r.ItemID] = r
	fns := make([]func(model.FetchRecord, bool), 0, len(m.fetchSubs[r.ItemID]))
	for _, fn := range m.fetchSubs[r.ItemID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(r, true)
	}
	return nil
}

func (m *MemStore) GetFetchRecord(_ context.Context, itemID string) (model.FetchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.fetch[itemID]
	return r, ok, nil
}

func (m *MemStore) DeleteFetchRecord(_ context.Context, itemID string) error {
	m.mu.Lock()
	delete(m.fetch, itemID)
	fns := make([]func(model.FetchRecord, bool), 0, len(m.fetchSubs[itemID]))
	for _, fn := range m.fetchSubs[itemID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(model.FetchRecord{}, false)
	}
	return nil
}

func (m *MemStore) ListFetchRecords(_ context.Context) ([]model.FetchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FetchRecord, 0, len(m.fetch))
	for _, r := range m.fetch {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemStore) ResetLoadingToIdle(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.fetch {
		if r.Status == model.FetchStatusLoading {
			r.Status = model.FetchStatusIdle
			m.fetch[id] = r
		}
	}
	return nil
}

func (m *MemStore) SubscribeFetchRecord(itemID string, fn func(model.FetchRecord, bool)) func() {
	m.mu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	if m.fetchSubs[itemID] == nil {
		m.fetchSubs[itemID] = make(map[int]func(model.FetchRecord, bool))
	}
	m.fetchSubs[itemID][subID] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.fetchSubs[itemID], subID)
		m.mu.Unlock()
	}
}

// --- SkeletonStore ---

func (m *MemStore) ReplaceSkeleton(_ context.Context, snap model.SkeletonSnapshot) error {
	m.mu.Lock()
	m.skeletonArtists = make(map[string]bool, len(snap.Artists))
	for _, id := range snap.Artists {
		m.skeletonArtists[id] = true
	}
	m.skeletonAlbums = make(map[string]model.SkeletonAlbumEntry, len(snap.Albums))
	for _, a := range snap.Albums {
		m.skeletonAlbums[a.ID] = a
	}
	m.skeletonTracks = make(map[string]model.SkeletonTrackEntry, len(snap.Tracks))
	for _, t := range snap.Tracks {
		m.skeletonTracks[t.ID] = t
	}
	m.scalars[kvstore.KeySkeletonVersion] = formatInt64(snap.Version)
	m.scalars[kvstore.KeySkeletonChecksum] = snap.Checksum
	m.mu.Unlock()

	m.notifyAllArtists()
	m.notifyAllAlbums()
	return nil
}

func (m *MemStore) ApplySkeletonDelta(_ context.Context, changes []model.SkeletonChange, toVersion int64, checksum string) error {
	m.mu.Lock()
	touchedArtists := map[string]bool{}
	touchedAlbums := map[string]bool{}

	for _, c := range changes {
		switch c.Type {
		case model.ChangeArtistAdded:
			m.skeletonArtists[c.ID] = true
		case model.ChangeArtistRemoved:
			delete(m.skeletonArtists, c.ID)
		case model.ChangeAlbumAdded:
			m.skeletonAlbums[c.ID] = model.SkeletonAlbumEntry{ID: c.ID, ArtistIDs: c.ArtistIDs}
			for _, artistID := range c.ArtistIDs {
				touchedArtists[artistID] = true
			}
		case model.ChangeAlbumRemoved:
			delete(m.skeletonAlbums, c.ID)
		case model.ChangeTrackAdded:
			m.skeletonTracks[c.ID] = model.SkeletonTrackEntry{ID: c.ID, AlbumID: c.AlbumID}
			touchedAlbums[c.AlbumID] = true
		case model.ChangeTrackRemoved:
			delete(m.skeletonTracks, c.ID)
		}
	}

	m.scalars[kvstore.KeySkeletonVersion] = formatInt64(toVersion)
	m.scalars[kvstore.KeySkeletonChecksum] = checksum
	m.mu.Unlock()

	for artistID := range touchedArtists {
		m.notifyAlbumsForArtist(artistID)
	}
	for albumID := range touchedAlbums {
		m.notifyTracksForAlbum(albumID)
	}
	return nil
}

func (m *MemStore) AlbumIDsForArtist(_ context.Context, artistID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, a := range m.skeletonAlbums {
		for _, id := range a.ArtistIDs {
			if id == artistID {
				ids = append(ids, a.ID)
				break
			}
		}
	}
	return ids, nil
}

func (m *MemStore) TrackIDsForAlbum(_ context.Context, albumID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, t := range m.skeletonTracks {
		if t.AlbumID == albumID {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func (m *MemStore) SubscribeAlbumsForArtist(artistID string, fn func([]string)) func() {
	m.mu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	if m.albumsForArtist[artistID] == nil {
		m.albumsForArtist[artistID] = make(map[int]func([]string))
	}
	m.albumsForArtist[artistID][subID] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.albumsForArtist[artistID], subID)
		m.mu.Unlock()
	}
}

func (m *MemStore) SubscribeTracksForAlbum(albumID string, fn func([]string)) func() {
	m.mu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	if m.tracksForAlbum[albumID] == nil {
		m.tracksForAlbum[albumID] = make(map[int]func([]string))
	}
	m.tracksForAlbum[albumID][subID] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.tracksForAlbum[albumID], subID)
		m.mu.Unlock()
	}
}

func (m *MemStore) notifyAlbumsForArtist(artistID string) {
	ids, _ := m.AlbumIDsForArtist(context.Background(), artistID)
	m.mu.Lock()
	fns := make([]func([]string), 0, len(m.albumsForArtist[artistID]))
	for _, fn := range m.albumsForArtist[artistID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ids)
	}
}

func (m *MemStore) notifyTracksForAlbum(albumID string) {
	ids, _ := m.TrackIDsForAlbum(context.Background(), albumID)
	m.mu.Lock()
	fns := make([]func([]string), 0, len(m.tracksForAlbum[albumID]))
	for _, fn := range m.tracksForAlbum[albumID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ids)
	}
}

func (m *MemStore) notifyAllArtists() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.albumsForArtist))
	for id := range m.albumsForArtist {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.notifyAlbumsForArtist(id)
	}
}

func (m *MemStore) notifyAllAlbums() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracksForAlbum))
	for id := range m.tracksForAlbum {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.notifyTracksForAlbum(id)
	}
}

// --- UserDataStore ---

func (m *MemStore) ReplaceUserState(_ context.Context, snap model.UserStateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make(map[string]model.Playlist)
	for id, pl := range m.playlists {
		if pl.SyncStatus != model.PlaylistSynced {
			pending[id] = pl
		}
	}

	m.likes = make(map[model.Like]bool, len(snap.Likes))
	for _, l := range snap.Likes {
		m.likes[l] = true
	}
	m.settings = make(map[string]string, len(snap.Settings))
	for k, v := range snap.Settings {
		m.settings[k] = v
	}
	m.permissions = make(map[model.Permission]bool, len(snap.Permissions))
	for _, perm := range snap.Permissions {
		m.permissions[perm] = true
	}
	m.notifications = append([]model.Notification(nil), snap.Notifications...)

	merged := make(map[string]model.Playlist, len(snap.Playlists)+len(pending))
	for _, pl := range snap.Playlists {
		merged[pl.ID] = pl
	}
	for id, pl := range pending {
		merged[id] = pl
	}
	m.playlists = merged

	m.scalars[kvstore.KeyUserCursor] = formatInt64(snap.Seq)
	m.scalars[kvstore.KeyNeedsUserFullSync] = "false"
	return nil
}

func (m *MemStore) ApplyUserEvent(_ context.Context, ev model.StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if raw, ok := m.scalars[kvstore.KeyUserCursor]; ok {
		if cursor, err := strconv.ParseInt(raw, 10, 64); err == nil && ev.Seq <= cursor {
			// Re-delivered event: cursor is non-decreasing, never re-apply.
			return nil
		}
	}

	switch ev.Type {
	case model.EventContentLiked:
		m.likes[model.Like{Kind: ev.Kind, ID: ev.ContentID}] = true
	case model.EventContentUnliked:
		delete(m.likes, model.Like{Kind: ev.Kind, ID: ev.ContentID})
	case model.EventSettingChanged:
		m.settings[ev.Key] = ev.Value
	case model.EventPlaylistCreated:
		m.playlists[ev.Playlist.ID] = model.Playlist{ID: ev.Playlist.ID, Name: ev.Playlist.Name, SyncStatus: model.PlaylistSynced}
	case model.EventPlaylistRenamed:
		if pl, ok := m.playlists[ev.Playlist.ID]; ok {
			if pl.SyncStatus != model.PlaylistPendingUpdate {
				pl.Name = ev.Playlist.Name
				m.playlists[ev.Playlist.ID] = pl
			} else if pl.Name == ev.Playlist.Name {
				// Server echo of the pending local rename: clear the flag.
				pl.SyncStatus = model.PlaylistSynced
				m.playlists[ev.Playlist.ID] = pl
			}
		}
	case model.EventPlaylistDeleted:
		delete(m.playlists, ev.Playlist.ID)
	case model.EventPlaylistTracksUpdated:
		if pl, ok := m.playlists[ev.Playlist.ID]; ok {
			if pl.SyncStatus != model.PlaylistPendingUpdate {
				pl.TrackIDs = ev.Playlist.TrackIDs
				m.playlists[ev.Playlist.ID] = pl
			} else if stringSlicesEqual(pl.TrackIDs, ev.Playlist.TrackIDs) {
				pl.SyncStatus = model.PlaylistSynced
				m.playlists[ev.Playlist.ID] = pl
			}
		}
	case model.EventPermissionGranted:
		m.permissions[ev.Permission] = true
	case model.EventPermissionRevoked:
		delete(m.permissions, ev.Permission)
	case model.EventPermissionReset:
		m.permissions = make(map[model.Permission]bool)
	case model.EventNotificationCreated:
		m.notifications = append([]model.Notification{ev.Notification}, m.notifications...)
		if len(m.notifications) > model.MaxNotifications {
			m.notifications = m.notifications[:model.MaxNotifications]
		}
	case model.EventNotificationRead:
		for i, n := range m.notifications {
			if n.ID == ev.NotificationID {
				readAt := ev.ReadAt
				m.notifications[i].ReadAt = &readAt
				break
			}
		}
	}

	m.scalars[kvstore.KeyUserCursor] = formatInt64(ev.Seq)
	return nil
}

func (m *MemStore) GetLikes(_ context.Context) ([]model.Like, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Like, 0, len(m.likes))
	for l := range m.likes {
		out = append(out, l)
	}
	return out, nil
}

func (m *MemStore) GetSettings(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) GetPermissions(_ context.Context) ([]model.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Permission, 0, len(m.permissions))
	for p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemStore) GetNotifications(_ context.Context) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.notifications...), nil
}

func (m *MemStore) GetPlaylists(_ context.Context) ([]model.Playlist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Playlist, 0, len(m.playlists))
	for _, pl := range m.playlists {
		out = append(out, pl)
	}
	return out, nil
}

func (m *MemStore) PutPlaylist(_ context.Context, pl model.Playlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playlists[pl.ID] = pl
	return nil
}

func (m *MemStore) DeletePlaylist(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playlists, id)
	return nil
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
