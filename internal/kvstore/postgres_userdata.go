package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/lelloman/catalogcore/internal/model"
)

// ReplaceUserState implements the merge rule of spec.md §4.7
// full_sync(): server state replaces local state, except pending
// playlists (sync_status != synced) are preserved verbatim, and
// pending playlists absent from the server response are retained.
func (p *Postgres) ReplaceUserState(ctx context.Context, snap model.UserStateSnapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: replace user state begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := p.pendingPlaylistsTx(ctx, tx)
	if err != nil {
		return err
	}

	for _, stmt := range []string{
		`DELETE FROM user_likes`,
		`DELETE FROM user_playlists`,
		`DELETE FROM user_settings`,
		`DELETE FROM user_permissions`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kvstore: replace user state clear: %w", err)
		}
	}

	for _, l := range snap.Likes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_likes (kind, id) VALUES ($1, $2)`, string(l.Kind), l.ID); err != nil {
			return fmt.Errorf("kvstore: replace user state like: %w", err)
		}
	}
	for k, v := range snap.Settings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_settings (key, value) VALUES ($1, $2)`, k, v); err != nil {
			return fmt.Errorf("kvstore: replace user state setting: %w", err)
		}
	}
	for _, perm := range snap.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_permissions (permission) VALUES ($1)`, string(perm)); err != nil {
			return fmt.Errorf("kvstore: replace user state permission: %w", err)
		}
	}

	serverPlaylists := make(map[string]model.Playlist, len(snap.Playlists))
	for _, pl := range snap.Playlists {
		serverPlaylists[pl.ID] = pl
	}

	merged := make(map[string]model.Playlist, len(serverPlaylists)+len(pending))
	for id, pl := range serverPlaylists {
		merged[id] = pl
	}
	for id, pl := range pending {
		// Local pending version wins for ids present in both; pending
		// playlists absent from the server are retained as-is.
		merged[id] = pl
	}

	for _, pl := range merged {
		if err := p.putPlaylistTx(ctx, tx, pl); err != nil {
			return err
		}
	}

	if err := p.replaceNotificationsTx(ctx, tx, snap.Notifications); err != nil {
		return err
	}

	if err := p.putScalarTx(ctx, tx, KeyUserCursor, formatInt64(snap.Seq)); err != nil {
		return err
	}
	if err := p.putScalarTx(ctx, tx, KeyNeedsUserFullSync, "false"); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *Postgres) pendingPlaylistsTx(ctx context.Context, tx *sql.Tx) (map[string]model.Playlist, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT playlist_id, name, track_ids, sync_status FROM user_playlists
		WHERE sync_status <> $1`, string(model.PlaylistSynced))
	if err != nil {
		return nil, fmt.Errorf("kvstore: pending playlists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]model.Playlist)
	for rows.Next() {
		var pl model.Playlist
		var status string
		var trackIDs pq.StringArray
		if err := rows.Scan(&pl.ID, &pl.Name, &trackIDs, &status); err != nil {
			return nil, fmt.Errorf("kvstore: scan pending playlist: %w", err)
		}
		pl.TrackIDs = trackIDs
		pl.SyncStatus = model.PlaylistSyncStatus(status)
		out[pl.ID] = pl
	}
	return out, rows.Err()
}

func (p *Postgres) putPlaylistTx(ctx context.Context, tx *sql.Tx, pl model.Playlist) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_playlists (playlist_id, name, track_ids, sync_status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (playlist_id) DO UPDATE SET name = EXCLUDED.name, track_ids = EXCLUDED.track_ids, sync_status = EXCLUDED.sync_status`,
		pl.ID, pl.Name, pq.Array(pl.TrackIDs), string(pl.SyncStatus))
	if err != nil {
		return fmt.Errorf("kvstore: put playlist %s: %w", pl.ID, err)
	}
	return nil
}

func (p *Postgres) replaceNotificationsTx(ctx context.Context, tx *sql.Tx, notifications []model.Notification) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_notifications`); err != nil {
		return fmt.Errorf("kvstore: clear notifications: %w", err)
	}
	for _, n := range notifications {
		if err := p.insertNotificationTx(ctx, tx, n); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) insertNotificationTx(ctx context.Context, tx *sql.Tx, n model.Notification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_notifications (id, seq, payload, read_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET seq = EXCLUDED.seq, payload = EXCLUDED.payload, read_at = EXCLUDED.read_at`,
		n.ID, n.Seq, []byte(n.Payload), n.ReadAt)
	if err != nil {
		return fmt.Errorf("kvstore: insert notification %s: %w", n.ID, err)
	}
	return nil
}

// ApplyUserEvent applies one StoredEvent per the mutation table of
// spec.md §4.7, honoring the "if local status = pending_* keep local"
// rule for playlist rename/track updates.
func (p *Postgres) ApplyUserEvent(ctx context.Context, ev model.StoredEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: apply user event begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	raw, ok, err := p.getScalarTx(ctx, tx, KeyUserCursor)
	if err != nil {
		return err
	}
	if ok {
		cursor, perr := parseInt64(raw)
		if perr == nil && ev.Seq <= cursor {
			// Re-delivered event: cursor is non-decreasing, never re-apply.
			return nil
		}
	}

	switch ev.Type {
	case model.EventContentLiked:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_likes (kind, id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			string(ev.Kind), ev.ContentID); err != nil {
			return fmt.Errorf("kvstore: apply content_liked: %w", err)
		}
	case model.EventContentUnliked:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_likes WHERE kind = $1 AND id = $2`, string(ev.Kind), ev.ContentID); err != nil {
			return fmt.Errorf("kvstore: apply content_unliked: %w", err)
		}
	case model.EventSettingChanged:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_settings (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, ev.Key, ev.Value); err != nil {
			return fmt.Errorf("kvstore: apply setting_changed: %w", err)
		}
	case model.EventPlaylistCreated:
		if err := p.putPlaylistTx(ctx, tx, model.Playlist{
			ID: ev.Playlist.ID, Name: ev.Playlist.Name, TrackIDs: nil, SyncStatus: model.PlaylistSynced,
		}); err != nil {
			return err
		}
	case model.EventPlaylistRenamed:
		if err := p.reconcilePendingTx(ctx, tx, ev.Playlist.ID, model.PlaylistPendingUpdate,
			func(cur model.Playlist) bool { return cur.Name == ev.Playlist.Name },
			`UPDATE user_playlists SET name = $1, sync_status = $2 WHERE playlist_id = $3`,
			ev.Playlist.Name, model.PlaylistSynced, ev.Playlist.ID); err != nil {
			return err
		}
	case model.EventPlaylistDeleted:
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_playlists WHERE playlist_id = $1`, ev.Playlist.ID); err != nil {
			return fmt.Errorf("kvstore: apply playlist_deleted: %w", err)
		}
	case model.EventPlaylistTracksUpdated:
		if err := p.reconcilePendingTx(ctx, tx, ev.Playlist.ID, model.PlaylistPendingUpdate,
			func(cur model.Playlist) bool { return stringSlicesEqual(cur.TrackIDs, ev.Playlist.TrackIDs) },
			`UPDATE user_playlists SET track_ids = $1, sync_status = $2 WHERE playlist_id = $3`,
			pq.Array(ev.Playlist.TrackIDs), model.PlaylistSynced, ev.Playlist.ID); err != nil {
			return err
		}
	case model.EventPermissionGranted:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_permissions (permission) VALUES ($1) ON CONFLICT DO NOTHING`, string(ev.Permission)); err != nil {
			return fmt.Errorf("kvstore: apply permission_granted: %w", err)
		}
	case model.EventPermissionRevoked:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_permissions WHERE permission = $1`, string(ev.Permission)); err != nil {
			return fmt.Errorf("kvstore: apply permission_revoked: %w", err)
		}
	case model.EventPermissionReset:
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_permissions`); err != nil {
			return fmt.Errorf("kvstore: apply permission_reset: %w", err)
		}
	case model.EventNotificationCreated:
		if err := p.insertNotificationTx(ctx, tx, ev.Notification); err != nil {
			return err
		}
		if err := p.capNotificationsTx(ctx, tx); err != nil {
			return err
		}
	case model.EventNotificationRead:
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_notifications SET read_at = $1 WHERE id = $2`, ev.ReadAt, ev.NotificationID); err != nil {
			return fmt.Errorf("kvstore: apply notification_read: %w", err)
		}
	default:
		if p.logger != nil {
			p.logger.Warn("kvstore: skipping unknown user event type")
		}
	}

	if err := p.putScalarTx(ctx, tx, KeyUserCursor, formatInt64(ev.Seq)); err != nil {
		return err
	}

	return tx.Commit()
}

// reconcilePendingTx applies a remote playlist mutation unless it
// conflicts with a not-yet-acknowledged local optimistic write: when
// the playlist's current sync_status is pendingStatus, the query only
// runs if matches reports that the incoming event is the server's
// echo of that same local change (in which case query is expected to
// also clear sync_status back to synced); otherwise the event is
// suppressed and the local pending value is kept.
func (p *Postgres) reconcilePendingTx(ctx context.Context, tx *sql.Tx, playlistID string, pendingStatus model.PlaylistSyncStatus, matches func(cur model.Playlist) bool, query string, args ...interface{}) error {
	var cur model.Playlist
	var status string
	var trackIDs []string
	err := tx.QueryRowContext(ctx, `SELECT name, track_ids, sync_status FROM user_playlists WHERE playlist_id = $1`, playlistID).
		Scan(&cur.Name, pq.Array(&trackIDs), &status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvstore: read playlist %s: %w", playlistID, err)
	}
	cur.ID = playlistID
	cur.TrackIDs = trackIDs
	cur.SyncStatus = model.PlaylistSyncStatus(status)

	if cur.SyncStatus == pendingStatus && !matches(cur) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kvstore: apply playlist mutation %s: %w", playlistID, err)
	}
	return nil
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

func (p *Postgres) capNotificationsTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM user_notifications WHERE id NOT IN (
			SELECT id FROM user_notifications ORDER BY seq DESC LIMIT $1
		)`, model.MaxNotifications)
	if err != nil {
		return fmt.Errorf("kvstore: cap notifications: %w", err)
	}
	return nil
}

func (p *Postgres) GetLikes(ctx context.Context) ([]model.Like, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT kind, id FROM user_likes`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get likes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Like
	for rows.Next() {
		var l model.Like
		var kind string
		if err := rows.Scan(&kind, &l.ID); err != nil {
			return nil, fmt.Errorf("kvstore: scan like: %w", err)
		}
		l.Kind = model.LikeKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM user_settings`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *Postgres) GetPermissions(ctx context.Context) ([]model.Permission, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT permission FROM user_permissions`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Permission
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, fmt.Errorf("kvstore: scan permission: %w", err)
		}
		out = append(out, model.Permission(perm))
	}
	return out, rows.Err()
}

func (p *Postgres) GetNotifications(ctx context.Context) ([]model.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seq, payload, read_at FROM user_notifications ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.Seq, &payload, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("kvstore: scan notification: %w", err)
		}
		n.Payload = payload
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) GetPlaylists(ctx context.Context) ([]model.Playlist, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT playlist_id, name, track_ids, sync_status FROM user_playlists`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get playlists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Playlist
	for rows.Next() {
		var pl model.Playlist
		var status string
		var trackIDs pq.StringArray
		if err := rows.Scan(&pl.ID, &pl.Name, &trackIDs, &status); err != nil {
			return nil, fmt.Errorf("kvstore: scan playlist: %w", err)
		}
		pl.TrackIDs = trackIDs
		pl.SyncStatus = model.PlaylistSyncStatus(status)
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *Postgres) PutPlaylist(ctx context.Context, pl model.Playlist) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_playlists (playlist_id, name, track_ids, sync_status) VALUES ($1, $2, $3, $4)
		ON CONFLICT (playlist_id) DO UPDATE SET name = EXCLUDED.name, track_ids = EXCLUDED.track_ids, sync_status = EXCLUDED.sync_status`,
		pl.ID, pl.Name, pq.Array(pl.TrackIDs), string(pl.SyncStatus))
	if err != nil {
		return fmt.Errorf("kvstore: put playlist %s: %w", pl.ID, err)
	}
	return nil
}

func (p *Postgres) DeletePlaylist(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM user_playlists WHERE playlist_id = $1`, id)
	if err != nil {
		return fmt.Errorf("kvstore: delete playlist %s: %w", id, err)
	}
	return nil
}
