// Package fetchstate is the Fetch-State Store of spec.md §4.2: a
// durable table of per-item fetch records plus a change feed per
// item_id, layered over the kvstore.Store persistence boundary.
package fetchstate

import (
	"context"
	"fmt"

	"github.com/lelloman/catalogcore/internal/changefeed"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
)

// Store tracks the fetch lifecycle of every known item. At most one
// record exists per item_id at any time; transitions follow
// idle → loading → (absent on success | idle-after-backoff on error).
type Store struct {
	db kvstore.Store
}

// New wraps a persistence backend as a fetch-state store.
func New(db kvstore.Store) *Store {
	return &Store{db: db}
}

// StoreRecord upserts r.
func (s *Store) StoreRecord(ctx context.Context, r model.FetchRecord) error {
	if err := s.db.PutFetchRecord(ctx, r); err != nil {
		return fmt.Errorf("fetchstate: store record %s: %w", r.ItemID, err)
	}
	return nil
}

// Get returns the current record for itemID, if any.
func (s *Store) Get(ctx context.Context, itemID string) (model.FetchRecord, bool, error) {
	r, ok, err := s.db.GetFetchRecord(ctx, itemID)
	if err != nil {
		return model.FetchRecord{}, false, fmt.Errorf("fetchstate: get %s: %w", itemID, err)
	}
	return r, ok, nil
}

// Delete removes itemID's record, used on successful fetch.
func (s *Store) Delete(ctx context.Context, itemID string) error {
	if err := s.db.DeleteFetchRecord(ctx, itemID); err != nil {
		return fmt.Errorf("fetchstate: delete %s: %w", itemID, err)
	}
	return nil
}

// GetIdle returns a snapshot of records eligible for the Fetcher to
// pick up: status=idle, or status=error whose backoff has elapsed.
func (s *Store) GetIdle(ctx context.Context, nowMs int64) ([]model.FetchRecord, error) {
	all, err := s.db.ListFetchRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetchstate: get idle: %w", err)
	}

	var idle []model.FetchRecord
	for _, r := range all {
		switch r.Status {
		case model.FetchStatusIdle:
			idle = append(idle, r)
		case model.FetchStatusError:
			if r.IsBackoffElapsed(nowMs) {
				idle = append(idle, r)
			}
		}
	}
	return idle, nil
}

// GetLoadingCount reports how many records are currently in-flight.
func (s *Store) GetLoadingCount(ctx context.Context) (int, error) {
	all, err := s.db.ListFetchRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetchstate: get loading count: %w", err)
	}

	count := 0
	for _, r := range all {
		if r.Status == model.FetchStatusLoading {
			count++
		}
	}
	return count, nil
}

// ResetLoadingToIdle moves every loading record back to idle. Loading
// is never durable across a process boundary; call once on startup
// before the Fetcher's loop begins.
func (s *Store) ResetLoadingToIdle(ctx context.Context) error {
	if err := s.db.ResetLoadingToIdle(ctx); err != nil {
		return fmt.Errorf("fetchstate: reset loading to idle: %w", err)
	}
	return nil
}

// Subscribe delivers every write/delete of itemID's record to the
// returned feed until ctx is canceled. Present is false once the
// record is deleted (fetch succeeded).
func (s *Store) Subscribe(ctx context.Context, itemID string) <-chan RecordChange {
	feed := changefeed.New[RecordChange]()

	current, ok, _ := s.db.GetFetchRecord(ctx, itemID)
	feed.Publish(RecordChange{Record: current, Present: ok})

	unsubscribe := s.db.SubscribeFetchRecord(itemID, func(r model.FetchRecord, ok bool) {
		feed.Publish(RecordChange{Record: r, Present: ok})
	})

	ch := feed.Subscribe(ctx)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch
}

// RecordChange is one observation of an item's fetch record.
type RecordChange struct {
	Record  model.FetchRecord
	Present bool
}
