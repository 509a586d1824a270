// Package engine wires the client-side catalog materialization core
// together: the Bounded LRU Caches, the three Static-Item Providers,
// the Background Fetcher, the Skeleton Synchronizer, the User-Data
// Event Engine, and the Push Dispatcher, as scoped resources acquired
// at construction and released by Shutdown. Grounded on the teacher's
// internal/engine/engine.go CoreEngine construction/Shutdown shape
// (its drivers map becomes this engine's three owned background
// tasks; Shutdown stops/flushes them in the same order they started).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/backoff"
	"github.com/lelloman/catalogcore/internal/cache"
	"github.com/lelloman/catalogcore/internal/config"
	"github.com/lelloman/catalogcore/internal/fetcher"
	"github.com/lelloman/catalogcore/internal/fetchstate"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/metrics"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/provider"
	"github.com/lelloman/catalogcore/internal/push"
	"github.com/lelloman/catalogcore/internal/skeleton"
	"github.com/lelloman/catalogcore/internal/transport"
	"github.com/lelloman/catalogcore/internal/userdata"
)

// Engine owns every long-lived component of the catalog core for one
// process. Construct with New, start background work with Run, and
// release resources with Shutdown.
type Engine struct {
	logger  *zap.Logger
	cfg     config.Config
	db      kvstore.Store
	metrics *metrics.Metrics

	Artists *provider.Provider[model.Artist]
	Albums  *provider.Provider[model.Album]
	Tracks  *provider.Provider[model.Track]

	Fetcher    *fetcher.Fetcher
	Skeleton   *skeleton.Synchronizer
	UserData   *userdata.Engine
	Dispatcher *push.Dispatcher

	pushListener transport.PushListener

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine against an already-opened kvstore.Store
// (typically *kvstore.Postgres) and transport.Adapter/PushListener
// pair. Cache caps are read from New's own copy of cfg on every
// operation (see internal/cache). The Engine offers no way to replace
// that copy, so a config.Watch reload does not reach the caches.
func New(cfg config.Config, db kvstore.Store, adapter transport.Adapter, pushListener transport.PushListener, logger *zap.Logger) *Engine {
	caps := cacheCaps(&cfg)
	m := metrics.New()

	fetchStates := fetchstate.New(db)

	artistCache := cache.New[string, model.Artist](caps, nil)
	albumCache := cache.New[string, model.Album](caps, nil)
	trackCache := cache.New[string, model.Track](caps, nil)

	fetcherCfg := fetcher.Config{
		MinSleep:          cfg.Fetcher.MinSleep,
		MaxSleep:          cfg.Fetcher.MaxSleep,
		BackoffMultiplier: cfg.Fetcher.BackoffMultiplier,
		RatePerSecond:     cfg.Fetcher.RatePerSecond,
	}
	fe := fetcher.New(fetcherCfg, fetchStates, adapter, db, logger, func() int64 { return time.Now().UnixMilli() })

	artists := provider.New[model.Artist](model.ItemArtist, db, fetchStates, fe, logger, artistCache)
	albums := provider.New[model.Album](model.ItemAlbum, db, fetchStates, fe, logger, albumCache)
	tracks := provider.New[model.Track](model.ItemTrack, db, fetchStates, fe, logger, trackCache)

	retry := backoff.Policy{
		Min:        cfg.SyncRetry.Min,
		Max:        cfg.SyncRetry.Max,
		Multiplier: cfg.SyncRetry.Multiplier,
	}

	sk := skeleton.New(db, adapter, logger, retry)
	ud := userdata.New(db, adapter, logger, retry)
	dispatcher := push.New(sk, ud, logger)

	return &Engine{
		logger:       logger,
		cfg:          cfg,
		db:           db,
		metrics:      m,
		Artists:      artists,
		Albums:       albums,
		Tracks:       tracks,
		Fetcher:      fe,
		Skeleton:     sk,
		UserData:     ud,
		Dispatcher:   dispatcher,
		pushListener: pushListener,
	}
}

// Metrics exposes the Engine's private Prometheus registry handler.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Run starts the Background Fetcher loop, the push-channel listener,
// and an initial Skeleton/User-Data sync. It returns once startup
// completes; the owned goroutines keep running until Shutdown.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Fetcher.Run(runCtx)
	}()

	msgs, err := e.pushListener.Listen(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("engine: start push listener: %w", err)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Dispatcher.Run(runCtx, msgs)
	}()

	if err := e.Skeleton.Sync(runCtx); err != nil {
		e.logger.Warn("engine: initial skeleton sync failed", zap.Error(err))
	}
	if err := e.UserData.Initialize(runCtx); err != nil {
		e.logger.Warn("engine: initial user-data sync failed", zap.Error(err))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollMetrics(runCtx)
	}()

	return nil
}

// pollMetrics periodically copies the stored skeleton version and
// user cursor into the Prometheus gauges, since those are snapshot
// reads rather than events the core already emits.
func (e *Engine) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if raw, ok, err := e.db.GetScalar(ctx, kvstore.KeySkeletonVersion); err == nil && ok {
				if v, perr := parseInt64(raw); perr == nil {
					e.metrics.SkeletonVersion.Set(float64(v))
				}
			}
			if raw, ok, err := e.db.GetScalar(ctx, kvstore.KeyUserCursor); err == nil && ok {
				if v, perr := parseInt64(raw); perr == nil {
					e.metrics.UserCursor.Set(float64(v))
				}
			}
		}
	}
}

// Shutdown stops the Fetcher, the push listener, and both
// Synchronizers' retry timers, in the order they started, and
// waits for their goroutines to exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("engine: shutting down")

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.Fetcher.Stop()
	e.Skeleton.Cleanup()
	e.UserData.Cleanup()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

func cacheCaps(cfg *config.Config) cache.Caps {
	return cache.Caps{
		MaxEntries: func() int { return cfg.Cache.MaxEntries },
		MaxBytes:   func() int64 { return cfg.Cache.MaxBytes },
		TTL:        func() time.Duration { return cfg.Cache.TTL },
	}
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
