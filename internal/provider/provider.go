// Package provider implements the Static-Item Provider of spec.md
// §4.4: the read-side API the rest of the system consumes, combining
// the in-memory cache, the KV Store's entity feed and the Fetch-State
// feed into one never-terminating status sequence per id.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/cache"
	"github.com/lelloman/catalogcore/internal/changefeed"
	"github.com/lelloman/catalogcore/internal/fetchstate"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
)

// StatusKind tags which variant a Status value carries.
type StatusKind string

const (
	StatusLoading StatusKind = "loading"
	StatusLoaded  StatusKind = "loaded"
	StatusError   StatusKind = "error"
)

// Status is one observation of an item's materialization state.
type Status[T any] struct {
	Kind   StatusKind
	ID     string
	Entity T
	Reason model.ErrorReason
}

// Waker requests that the Background Fetcher re-snapshot idle records,
// satisfied by *fetcher.Fetcher without an import cycle.
type Waker interface {
	WakeUp()
}

// Provider is the read path for one entity kind (Artist, Album, or
// Track). Grounded on the teacher's internal/cache hit/miss bookkeeping
// combined with internal/events.go's Subscribe/Publish shape, reflecting
// spec §9's combine-latest design note re-expressed as a derived Feed.
type Provider[T any] struct {
	itemType model.ItemType
	db       kvstore.EntityStore
	states   *fetchstate.Store
	fetcher  Waker
	logger   *zap.Logger

	memCache *cache.Cache[string, T]
}

// New constructs a Provider for one entity kind. memCache may be nil to
// disable the in-memory layer (provider still serves through the KV
// Store and Fetch-State feeds).
func New[T any](itemType model.ItemType, db kvstore.EntityStore, states *fetchstate.Store, fetcher Waker, logger *zap.Logger, memCache *cache.Cache[string, T]) *Provider[T] {
	return &Provider[T]{
		itemType: itemType,
		db:       db,
		states:   states,
		fetcher:  fetcher,
		logger:   logger,
		memCache: memCache,
	}
}

// Provide returns a live, never-terminating sequence of Status values
// for id, per spec.md §4.4's algorithm. The sequence restarts from
// current state whenever a new subscriber calls Provide; it stops
// emitting only when ctx is canceled.
func (p *Provider[T]) Provide(ctx context.Context, id string) <-chan Status[T] {
	out := make(chan Status[T], 1)

	if p.memCache != nil {
		if v, ok := p.memCache.Get(id); ok {
			out <- Status[T]{Kind: StatusLoaded, ID: id, Entity: v}
			go func() {
				<-ctx.Done()
				close(out)
			}()
			return out
		}
	}

	go p.runCombined(ctx, id, out)
	return out
}

func (p *Provider[T]) runCombined(ctx context.Context, id string, out chan<- Status[T]) {
	defer close(out)

	// entityFeed always carries an initial value (payload nil means
	// "entity not yet stored") so CombineLatest, which only emits once
	// both inputs have produced at least one value, fires immediately
	// rather than waiting for an entity that may never arrive.
	entityFeed := changefeed.New[kvstore.EntityChange]()
	current, ok, err := p.db.GetEntity(ctx, p.itemType, id)
	if err != nil {
		p.logger.Warn("provider: get entity failed", zap.String("item_id", id), zap.Error(err))
	}
	if ok {
		entityFeed.Publish(kvstore.EntityChange{ItemType: p.itemType, ItemID: id, Payload: current})
	} else {
		entityFeed.Publish(kvstore.EntityChange{ItemType: p.itemType, ItemID: id, Payload: nil})
	}
	unsubscribeEntity := p.db.SubscribeEntity(p.itemType, id, func(c kvstore.EntityChange) {
		entityFeed.Publish(c)
	})
	defer unsubscribeEntity()

	fetchFeed := p.states.Subscribe(ctx, id)

	combined := changefeed.CombineLatest(ctx, entityFeed, feedFromChannel(ctx, fetchFeed), func(ec kvstore.EntityChange, fr fetchstate.RecordChange) Status[T] {
		return p.resolve(ctx, id, ec, fr)
	})

	sub := combined.Subscribe(ctx)
	for status := range sub {
		if status.Kind == StatusLoaded && p.memCache != nil {
			p.memCache.Put(id, status.Entity)
		}
		select {
		case out <- status:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider[T]) resolve(ctx context.Context, id string, ec kvstore.EntityChange, fr fetchstate.RecordChange) Status[T] {
	if ec.Payload != nil {
		var entity T
		if err := json.Unmarshal(ec.Payload, &entity); err != nil {
			p.logger.Warn("provider: unmarshal entity failed", zap.String("item_id", id), zap.Error(err))
			return Status[T]{Kind: StatusError, ID: id, Reason: model.ReasonClient}
		}
		return Status[T]{Kind: StatusLoaded, ID: id, Entity: entity}
	}

	now := time.Now().UnixMilli()

	switch {
	case !fr.Present:
		// No record at all: enqueue a fresh fetch. The only other case
		// that enqueues is an error record whose backoff has elapsed
		// (below). Once the record is idle, loading, or in error with
		// backoff still pending, the Fetcher's own GetIdle loop owns
		// progressing it; re-enqueuing here on every observation of the
		// idle state it just wrote would loop forever.
		p.enqueueFetch(ctx, id)
		return Status[T]{Kind: StatusLoading, ID: id}
	case fr.Record.Status == model.FetchStatusError && fr.Record.IsBackoffElapsed(now):
		p.enqueueFetch(ctx, id)
		return Status[T]{Kind: StatusLoading, ID: id}
	case fr.Record.Status == model.FetchStatusError:
		return Status[T]{Kind: StatusError, ID: id, Reason: fr.Record.ErrorReason}
	default: // idle or loading
		return Status[T]{Kind: StatusLoading, ID: id}
	}
}

// enqueueFetch writes an idle fetch record for id (if one is not
// already live) and wakes the Fetcher. A given id never has two
// concurrent fetch records: StoreRecord upserts by item_id.
func (p *Provider[T]) enqueueFetch(ctx context.Context, id string) {
	if err := p.states.StoreRecord(ctx, model.FetchRecord{
		ItemID: id, ItemType: p.itemType, Status: model.FetchStatusIdle,
	}); err != nil {
		p.logger.Warn("provider: enqueue fetch failed", zap.String("item_id", id), zap.Error(err))
		return
	}
	if p.fetcher != nil {
		p.fetcher.WakeUp()
	}
}

// feedFromChannel adapts a plain channel (as returned by
// fetchstate.Store.Subscribe) into a changefeed.Feed so it can be used
// with CombineLatest.
func feedFromChannel[T any](ctx context.Context, ch <-chan T) *changefeed.Feed[T] {
	feed := changefeed.New[T]()
	go func() {
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				feed.Publish(v)
			case <-ctx.Done():
				return
			}
		}
	}()
	return feed
}
