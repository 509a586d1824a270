package model

import "time"

// LikeKind tags what a like refers to.
type LikeKind string

const (
	LikeArtist LikeKind = "artist"
	LikeAlbum  LikeKind = "album"
	LikeTrack  LikeKind = "track"
)

// Like identifies one liked entity.
type Like struct {
	Kind LikeKind
	ID   string
}

// PlaylistSyncStatus marks whether a playlist reflects the server or
// carries an unconfirmed local mutation (§3 optimistic writes).
type PlaylistSyncStatus string

const (
	PlaylistSynced        PlaylistSyncStatus = "synced"
	PlaylistPendingCreate PlaylistSyncStatus = "pending_create"
	PlaylistPendingUpdate PlaylistSyncStatus = "pending_update"
	PlaylistPendingDelete PlaylistSyncStatus = "pending_delete"
)

// Playlist is one user playlist.
type Playlist struct {
	ID         string
	Name       string
	TrackIDs   []string
	SyncStatus PlaylistSyncStatus
}

// Permission is an opaque granted capability string.
type Permission string

// Notification is one entry in the capped notification list.
type Notification struct {
	ID        string
	Seq       int64
	Payload   []byte
	CreatedAt time.Time
	ReadAt    *time.Time
}

// MaxNotifications is the hard cap on the notification list (§3).
const MaxNotifications = 100

// UserEventType is the taxonomy of §4.7's replicated user-data event log.
type UserEventType string

const (
	EventContentLiked            UserEventType = "content_liked"
	EventContentUnliked          UserEventType = "content_unliked"
	EventSettingChanged          UserEventType = "setting_changed"
	EventPlaylistCreated         UserEventType = "playlist_created"
	EventPlaylistRenamed         UserEventType = "playlist_renamed"
	EventPlaylistDeleted         UserEventType = "playlist_deleted"
	EventPlaylistTracksUpdated   UserEventType = "playlist_tracks_updated"
	EventPermissionGranted       UserEventType = "permission_granted"
	EventPermissionRevoked       UserEventType = "permission_revoked"
	EventPermissionReset         UserEventType = "permission_reset"
	EventNotificationCreated     UserEventType = "notification_created"
	EventNotificationRead        UserEventType = "notification_read"
)

// StoredEvent is one entry in the user-data replicated log.
type StoredEvent struct {
	Seq       int64
	Type      UserEventType
	Kind      LikeKind       // content_liked/unliked
	ContentID string         // content_liked/unliked
	Key       string         // setting_changed
	Value     string         // setting_changed
	Playlist  PlaylistChange // playlist_* events
	Permission Permission    // permission_granted/revoked
	Notification Notification // notification_created
	NotificationID string    // notification_read
	ReadAt    time.Time      // notification_read
}

// PlaylistChange carries the fields relevant to one playlist_* event.
type PlaylistChange struct {
	ID       string
	Name     string
	TrackIDs []string
}

// UserEventPage is the response of a GET /sync/events?since=N call.
type UserEventPage struct {
	Events     []StoredEvent
	CurrentSeq int64
	Pruned     bool
}

// UserStateSnapshot is the response of GET /sync/state.
type UserStateSnapshot struct {
	Seq           int64
	Likes         []Like
	Settings      map[string]string
	Playlists     []Playlist
	Permissions   []Permission
	Notifications []Notification
}

// UserMutationRequest is an optimistic local write's outbound POST body.
type UserMutationRequest struct {
	Path string
	Body []byte
}
