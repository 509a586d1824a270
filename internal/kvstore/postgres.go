package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/model"
)

// Config holds the Postgres connection parameters, adapted from the
// teacher's internal/database.Config.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// dsn builds a libpq connection string from cfg.
func (cfg Config) dsn() string {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// Postgres is the Store implementation backing the client's local
// catalog persistence. Connection pool tuning mirrors the teacher's
// internal/database/postgres.go.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger

	mu              sync.Mutex
	entitySubs      map[string]map[int]func(EntityChange)
	fetchSubs       map[string]map[int]func(model.FetchRecord, bool)
	albumsForArtist map[string]map[int]func([]string)
	tracksForAlbum  map[string]map[int]func([]string)
	nextSubID       int
}

// NewPostgres opens a connection and ensures the schema exists.
func NewPostgres(cfg Config, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("kvstore: open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{
		db:              db,
		logger:          logger,
		entitySubs:      make(map[string]map[int]func(EntityChange)),
		fetchSubs:       make(map[string]map[int]func(model.FetchRecord, bool)),
		albumsForArtist: make(map[string]map[int]func([]string)),
		tracksForAlbum:  make(map[string]map[int]func([]string)),
	}

	if err := p.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvstore: create tables: %w", err)
	}

	return p, nil
}

func (p *Postgres) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_scalars (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			item_type TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (item_type, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS fetch_records (
			item_id TEXT PRIMARY KEY,
			item_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error_reason TEXT NOT NULL DEFAULT '',
			last_attempt_ms BIGINT NOT NULL DEFAULT 0,
			retry_after_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS skeleton_artists (artist_id TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS skeleton_albums (
			album_id TEXT PRIMARY KEY,
			artist_ids TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS skeleton_tracks (
			track_id TEXT PRIMARY KEY,
			album_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_likes (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_playlists (
			playlist_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			track_ids TEXT[] NOT NULL DEFAULT '{}',
			sync_status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_permissions (permission TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS user_notifications (
			id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			payload JSONB NOT NULL,
			read_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// --- ScalarStore ---

func (p *Postgres) GetScalar(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_scalars WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get scalar %s: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) PutScalar(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_scalars (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: put scalar %s: %w", key, err)
	}
	return nil
}

// --- EntityStore ---

func (p *Postgres) GetEntity(ctx context.Context, itemType model.ItemType, id string) (json.RawMessage, bool, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM entities WHERE item_type = $1 AND item_id = $2`,
		string(itemType), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get entity %s/%s: %w", itemType, id, err)
	}
	return payload, true, nil
}

func (p *Postgres) PutEntity(ctx context.Context, itemType model.ItemType, id string, payload json.RawMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entities (item_type, item_id, payload, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (item_type, item_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
		string(itemType), id, []byte(payload))
	if err != nil {
		return fmt.Errorf("kvstore: put entity %s/%s: %w", itemType, id, err)
	}

	p.notifyEntity(itemType, id, payload)
	return nil
}

func entityKey(itemType model.ItemType, id string) string {
	return string(itemType) + "/" + id
}

func (p *Postgres) SubscribeEntity(itemType model.ItemType, id string, fn func(EntityChange)) func() {
	key := entityKey(itemType, id)

	p.mu.Lock()
	subID := p.nextSubID
	p.nextSubID++
	if p.entitySubs[key] == nil {
		p.entitySubs[key] = make(map[int]func(EntityChange))
	}
	p.entitySubs[key][subID] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.entitySubs[key], subID)
		p.mu.Unlock()
	}
}

func (p *Postgres) notifyEntity(itemType model.ItemType, id string, payload json.RawMessage) {
	key := entityKey(itemType, id)
	p.mu.Lock()
	fns := make([]func(EntityChange), 0, len(p.entitySubs[key]))
	for _, fn := range p.entitySubs[key] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	change := EntityChange{ItemType: itemType, ItemID: id, Payload: payload}
	for _, fn := range fns {
		fn(change)
	}
}
