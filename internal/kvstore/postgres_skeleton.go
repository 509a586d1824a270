package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/model"
)

// ReplaceSkeleton performs the full-resync atomic replace of spec.md
// §4.5, adapted from the teacher's transactional multi-statement write
// pattern (internal/database/history.go uses one *sql.DB per call;
// here a *sql.Tx wraps the delete-then-insert sequence so a subscriber
// never observes a partially replaced graph).
func (p *Postgres) ReplaceSkeleton(ctx context.Context, snap model.SkeletonSnapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: replace skeleton begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM skeleton_artists`,
		`DELETE FROM skeleton_albums`,
		`DELETE FROM skeleton_tracks`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kvstore: replace skeleton clear: %w", err)
		}
	}

	for _, id := range snap.Artists {
		if _, err := tx.ExecContext(ctx, `INSERT INTO skeleton_artists (artist_id) VALUES ($1)`, id); err != nil {
			return fmt.Errorf("kvstore: replace skeleton insert artist: %w", err)
		}
	}
	for _, a := range snap.Albums {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO skeleton_albums (album_id, artist_ids) VALUES ($1, $2)`,
			a.ID, pq.Array(a.ArtistIDs)); err != nil {
			return fmt.Errorf("kvstore: replace skeleton insert album: %w", err)
		}
	}
	for _, t := range snap.Tracks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO skeleton_tracks (track_id, album_id) VALUES ($1, $2)`,
			t.ID, t.AlbumID); err != nil {
			return fmt.Errorf("kvstore: replace skeleton insert track: %w", err)
		}
	}

	if err := p.putScalarTx(ctx, tx, KeySkeletonVersion, formatInt64(snap.Version)); err != nil {
		return err
	}
	if err := p.putScalarTx(ctx, tx, KeySkeletonChecksum, snap.Checksum); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: replace skeleton commit: %w", err)
	}

	p.notifyAllArtists(ctx)
	p.notifyAllAlbums(ctx)
	return nil
}

// ApplySkeletonDelta applies changes atomically and advances the
// version scalar, per spec.md §4.5's "apply_delta... atomic" invariant.
// Unknown change types are skipped with a warning, never failing the
// whole delta.
func (p *Postgres) ApplySkeletonDelta(ctx context.Context, changes []model.SkeletonChange, toVersion int64, checksum string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kvstore: apply delta begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touchedArtists := map[string]bool{}
	touchedAlbums := map[string]bool{}

	for _, c := range changes {
		switch c.Type {
		case model.ChangeArtistAdded:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO skeleton_artists (artist_id) VALUES ($1) ON CONFLICT DO NOTHING`, c.ID); err != nil {
				return fmt.Errorf("kvstore: apply delta artist_added: %w", err)
			}
		case model.ChangeArtistRemoved:
			if _, err := tx.ExecContext(ctx, `DELETE FROM skeleton_artists WHERE artist_id = $1`, c.ID); err != nil {
				return fmt.Errorf("kvstore: apply delta artist_removed: %w", err)
			}
		case model.ChangeAlbumAdded:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO skeleton_albums (album_id, artist_ids) VALUES ($1, $2)
				ON CONFLICT (album_id) DO UPDATE SET artist_ids = EXCLUDED.artist_ids`,
				c.ID, pq.Array(c.ArtistIDs)); err != nil {
				return fmt.Errorf("kvstore: apply delta album_added: %w", err)
			}
			for _, artistID := range c.ArtistIDs {
				touchedArtists[artistID] = true
			}
		case model.ChangeAlbumRemoved:
			if _, err := tx.ExecContext(ctx, `DELETE FROM skeleton_albums WHERE album_id = $1`, c.ID); err != nil {
				return fmt.Errorf("kvstore: apply delta album_removed: %w", err)
			}
		case model.ChangeTrackAdded:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO skeleton_tracks (track_id, album_id) VALUES ($1, $2)
				ON CONFLICT (track_id) DO UPDATE SET album_id = EXCLUDED.album_id`,
				c.ID, c.AlbumID); err != nil {
				return fmt.Errorf("kvstore: apply delta track_added: %w", err)
			}
			touchedAlbums[c.AlbumID] = true
		case model.ChangeTrackRemoved:
			if _, err := tx.ExecContext(ctx, `DELETE FROM skeleton_tracks WHERE track_id = $1`, c.ID); err != nil {
				return fmt.Errorf("kvstore: apply delta track_removed: %w", err)
			}
		default:
			if p.logger != nil {
				p.logger.Warn("kvstore: skipping unknown skeleton change type", zap.String("type", string(c.Type)))
			}
		}
	}

	if err := p.putScalarTx(ctx, tx, KeySkeletonVersion, formatInt64(toVersion)); err != nil {
		return err
	}
	if err := p.putScalarTx(ctx, tx, KeySkeletonChecksum, checksum); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: apply delta commit: %w", err)
	}

	for artistID := range touchedArtists {
		p.notifyAlbumsForArtist(ctx, artistID)
	}
	for albumID := range touchedAlbums {
		p.notifyTracksForAlbum(ctx, albumID)
	}
	return nil
}

func (p *Postgres) AlbumIDsForArtist(ctx context.Context, artistID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT album_id FROM skeleton_albums WHERE $1 = ANY(artist_ids)`, artistID)
	if err != nil {
		return nil, fmt.Errorf("kvstore: album ids for artist %s: %w", artistID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("kvstore: scan album id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) TrackIDsForAlbum(ctx context.Context, albumID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT track_id FROM skeleton_tracks WHERE album_id = $1`, albumID)
	if err != nil {
		return nil, fmt.Errorf("kvstore: track ids for album %s: %w", albumID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("kvstore: scan track id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) SubscribeAlbumsForArtist(artistID string, fn func([]string)) func() {
	p.mu.Lock()
	subID := p.nextSubID
	p.nextSubID++
	if p.albumsForArtist[artistID] == nil {
		p.albumsForArtist[artistID] = make(map[int]func([]string))
	}
	p.albumsForArtist[artistID][subID] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.albumsForArtist[artistID], subID)
		p.mu.Unlock()
	}
}

func (p *Postgres) SubscribeTracksForAlbum(albumID string, fn func([]string)) func() {
	p.mu.Lock()
	subID := p.nextSubID
	p.nextSubID++
	if p.tracksForAlbum[albumID] == nil {
		p.tracksForAlbum[albumID] = make(map[int]func([]string))
	}
	p.tracksForAlbum[albumID][subID] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.tracksForAlbum[albumID], subID)
		p.mu.Unlock()
	}
}

func (p *Postgres) notifyAlbumsForArtist(ctx context.Context, artistID string) {
	ids, err := p.AlbumIDsForArtist(ctx, artistID)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("kvstore: notify albums for artist failed", zap.Error(err))
		}
		return
	}
	p.mu.Lock()
	fns := make([]func([]string), 0, len(p.albumsForArtist[artistID]))
	for _, fn := range p.albumsForArtist[artistID] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ids)
	}
}

func (p *Postgres) notifyTracksForAlbum(ctx context.Context, albumID string) {
	ids, err := p.TrackIDsForAlbum(ctx, albumID)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("kvstore: notify tracks for album failed", zap.Error(err))
		}
		return
	}
	p.mu.Lock()
	fns := make([]func([]string), 0, len(p.tracksForAlbum[albumID]))
	for _, fn := range p.tracksForAlbum[albumID] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ids)
	}
}

// notifyAllArtists/notifyAllAlbums re-fire every live subscription
// after a full ReplaceSkeleton, since any of them may now observe a
// different set.
func (p *Postgres) notifyAllArtists(ctx context.Context) {
	p.mu.Lock()
	artistIDs := make([]string, 0, len(p.albumsForArtist))
	for id := range p.albumsForArtist {
		artistIDs = append(artistIDs, id)
	}
	p.mu.Unlock()
	for _, id := range artistIDs {
		p.notifyAlbumsForArtist(ctx, id)
	}
}

func (p *Postgres) notifyAllAlbums(ctx context.Context) {
	p.mu.Lock()
	albumIDs := make([]string, 0, len(p.tracksForAlbum))
	for id := range p.tracksForAlbum {
		albumIDs = append(albumIDs, id)
	}
	p.mu.Unlock()
	for _, id := range albumIDs {
		p.notifyTracksForAlbum(ctx, id)
	}
}

func (p *Postgres) putScalarTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv_scalars (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: put scalar %s in tx: %w", key, err)
	}
	return nil
}

func (p *Postgres) getScalarTx(ctx context.Context, tx *sql.Tx, key string) (string, bool, error) {
	var value string
	err := tx.QueryRowContext(ctx, `SELECT value FROM kv_scalars WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get scalar %s in tx: %w", key, err)
	}
	return value, true, nil
}

func formatInt64(v int64) string {
	return fmt.Sprintf("%d", v)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
