// Package fetcher implements the Background Fetcher of spec.md §4.3: a
// single cooperative loop per process that drains idle fetch-state
// records, calls the Transport Adapter, classifies the outcome, and
// persists the result.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lelloman/catalogcore/internal/fetchstate"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

// Config tunes the sleep schedule and outbound throttle. Zero values
// are replaced with the spec's defaults.
type Config struct {
	MinSleep         time.Duration
	MaxSleep         time.Duration
	BackoffMultiplier float64
	// RatePerSecond bounds the number of outbound Transport Adapter
	// calls the loop issues per second, generalizing the teacher's
	// internal/ratelimit tenant limiter to a client-side outbound throttle.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.MinSleep == 0 {
		c.MinSleep = 5 * time.Millisecond
	}
	if c.MaxSleep == 0 {
		c.MaxSleep = 10 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 1.4
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 50
	}
	return c
}

// outcomeRule is one row of the §4.3 outcome classification table.
type outcomeRule struct {
	reason model.ErrorReason
	delay  time.Duration
}

var outcomeTable = map[model.ErrorReason]outcomeRule{
	model.ReasonNetwork:       {reason: model.ReasonNetwork, delay: time.Minute},
	model.ReasonUnauthorized:  {reason: model.ReasonUnauthorized, delay: 30 * time.Minute},
	model.ReasonNotFound:      {reason: model.ReasonNotFound, delay: 60 * time.Minute},
	model.ReasonClient:        {reason: model.ReasonClient, delay: 5 * time.Minute},
	model.ReasonUnknown:       {reason: model.ReasonUnknown, delay: 5 * time.Minute},
	model.ReasonVersionTooOld: {reason: model.ReasonUnknown, delay: 5 * time.Minute},
	model.ReasonEventsPruned:  {reason: model.ReasonUnknown, delay: 5 * time.Minute},
}

// Fetcher runs the single cooperative fetch loop. Construct with New
// and run with Run; Stop requests termination after the in-flight
// record completes persistence.
type Fetcher struct {
	cfg       Config
	states    *fetchstate.Store
	transport transport.Adapter
	db        kvstore.EntityStore
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu       sync.Mutex
	sleep    time.Duration
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	nowFunc func() int64
}

// New constructs a Fetcher. nowFunc supplies the current wall-clock
// time in milliseconds; pass nil to use time.Now.
func New(cfg Config, states *fetchstate.Store, adapter transport.Adapter, db kvstore.EntityStore, logger *zap.Logger, nowFunc func() int64) *Fetcher {
	cfg = cfg.withDefaults()
	if nowFunc == nil {
		nowFunc = func() int64 { return time.Now().UnixMilli() }
	}
	return &Fetcher{
		cfg:       cfg,
		states:    states,
		transport: adapter,
		db:        db,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		sleep:     cfg.MinSleep,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		nowFunc:   nowFunc,
	}
}

// WakeUp signals the loop to re-snapshot idle records immediately and
// resets the sleep schedule to MinSleep. Idempotent within a cycle.
func (f *Fetcher) WakeUp() {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
}

// Stop requests the loop terminate after the in-flight record
// completes persistence, and blocks until it has.
func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

// Run resets loading records to idle, then runs the cooperative loop
// until ctx is canceled or Stop is called, whichever comes first.
// Grounded on the teacher's internal/global/replication.go worker loop
// (stopCh + select over task/stop channels) generalized from N workers
// to a single cooperative loop per §4.3's "never multi-loop" invariant.
func (f *Fetcher) Run(ctx context.Context) {
	defer close(f.doneCh)

	if err := f.states.ResetLoadingToIdle(ctx); err != nil {
		f.logger.Warn("fetcher: reset loading to idle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		default:
		}

		idle, err := f.states.GetIdle(ctx, f.nowFunc())
		if err != nil {
			f.logger.Warn("fetcher: get idle failed", zap.Error(err))
			idle = nil
		}

		loadingCount, err := f.states.GetLoadingCount(ctx)
		if err != nil {
			f.logger.Warn("fetcher: get loading count failed", zap.Error(err))
		}

		if len(idle) == 0 {
			if loadingCount == 0 {
				if !f.awaitWake(ctx) {
					return
				}
				continue
			}
			if !f.sleepStep(ctx) {
				return
			}
			continue
		}

		for _, record := range idle {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			default:
			}
			f.processOne(ctx, record)
		}
	}
}

func (f *Fetcher) awaitWake(ctx context.Context) bool {
	select {
	case <-f.wakeCh:
		f.resetSleep()
		return true
	case <-ctx.Done():
		return false
	case <-f.stopCh:
		return false
	}
}

func (f *Fetcher) sleepStep(ctx context.Context) bool {
	f.mu.Lock()
	d := f.sleep
	next := time.Duration(float64(f.sleep) * f.cfg.BackoffMultiplier)
	if next > f.cfg.MaxSleep {
		next = f.cfg.MaxSleep
	}
	f.sleep = next
	f.mu.Unlock()

	select {
	case <-time.After(d):
		return true
	case <-f.wakeCh:
		f.resetSleep()
		return true
	case <-ctx.Done():
		return false
	case <-f.stopCh:
		return false
	}
}

func (f *Fetcher) resetSleep() {
	f.mu.Lock()
	f.sleep = f.cfg.MinSleep
	f.mu.Unlock()
}

func (f *Fetcher) processOne(ctx context.Context, record model.FetchRecord) {
	if err := f.limiter.Wait(ctx); err != nil {
		return
	}

	now := f.nowFunc()
	loading := record
	loading.Status = model.FetchStatusLoading
	loading.LastAttemptMs = now
	if err := f.states.StoreRecord(ctx, loading); err != nil {
		f.logger.Warn("fetcher: mark loading failed", zap.String("item_id", record.ItemID), zap.Error(err))
		return
	}

	payload, fetchErr := f.fetchByType(ctx, record)
	if fetchErr == nil {
		if storeErr := f.db.PutEntity(ctx, record.ItemType, record.ItemID, payload); storeErr != nil {
			f.persistError(ctx, record, model.ReasonClient, now, storeErr)
			return
		}
		if err := f.states.Delete(ctx, record.ItemID); err != nil {
			f.logger.Warn("fetcher: delete record after success failed", zap.String("item_id", record.ItemID), zap.Error(err))
		}
		return
	}

	reason := model.ReasonUnknown
	var classified *transport.ClassifiedError
	if errors.As(fetchErr, &classified) {
		reason = classified.Reason
	}
	f.persistError(ctx, record, reason, now, fetchErr)
}

// fetchByType calls the Transport Adapter for record's item type and
// marshals the result to the JSON payload the Entity Store persists.
func (f *Fetcher) fetchByType(ctx context.Context, record model.FetchRecord) (json.RawMessage, error) {
	switch record.ItemType {
	case model.ItemArtist:
		artist, err := f.transport.FetchArtist(ctx, record.ItemID)
		if err != nil {
			return nil, err
		}
		return marshalOrClientError(artist)
	case model.ItemAlbum:
		album, err := f.transport.FetchAlbum(ctx, record.ItemID)
		if err != nil {
			return nil, err
		}
		return marshalOrClientError(album)
	case model.ItemTrack:
		track, err := f.transport.FetchTrack(ctx, record.ItemID)
		if err != nil {
			return nil, err
		}
		return marshalOrClientError(track)
	default:
		return nil, &transport.ClassifiedError{Reason: model.ReasonClient, Err: fmt.Errorf("fetcher: unknown item type %q", record.ItemType)}
	}
}

func marshalOrClientError(v interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, &transport.ClassifiedError{Reason: model.ReasonClient, Err: fmt.Errorf("fetcher: marshal entity: %w", err)}
	}
	return payload, nil
}

func (f *Fetcher) persistError(ctx context.Context, record model.FetchRecord, reason model.ErrorReason, now int64, cause error) {
	rule, ok := outcomeTable[reason]
	if !ok {
		rule = outcomeTable[model.ReasonUnknown]
	}

	errored := record
	errored.Status = model.FetchStatusError
	errored.ErrorReason = rule.reason
	errored.LastAttemptMs = now
	errored.RetryAfterMs = now + rule.delay.Milliseconds()

	if err := f.states.StoreRecord(ctx, errored); err != nil {
		f.logger.Warn("fetcher: persist error state failed", zap.String("item_id", record.ItemID), zap.Error(err))
	}
	f.logger.Warn("fetcher: fetch failed",
		zap.String("item_id", record.ItemID),
		zap.String("reason", string(rule.reason)),
		zap.Error(cause))
}
