// Package push implements the Push Dispatcher of spec.md §4.8: it
// demultiplexes inbound push messages by type tag into the Skeleton
// Synchronizer and the User-Data Event Engine. Grounded on the
// teacher's internal/webhooks/webhook.go MatchesEvent/dispatch-table
// shape and internal/events/events.go's pattern-matched Handler
// registration, generalized here from a registrable-pattern table to
// a small fixed route set since the wire taxonomy is closed (§6).
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

const (
	typeCatalogUpdated = "catalog_updated"
	typeUserSync       = "user_sync"
)

// SkeletonSyncer is the subset of skeleton.Synchronizer the dispatcher
// calls on a catalog_updated push.
type SkeletonSyncer interface {
	Sync(ctx context.Context) error
}

// UserEventHandler is the subset of userdata.Engine the dispatcher
// calls on a user_sync push.
type UserEventHandler interface {
	HandleEvent(ctx context.Context, ev model.StoredEvent) error
}

type catalogUpdatedPayload struct {
	SkeletonVersion int64 `json:"skeleton_version"`
}

// Dispatcher routes decoded transport.PushMessage values to the
// skeleton and user-data components. Unknown type tags (including
// playback_* and anything else out of §4.8's scope) and malformed
// payloads are logged and dropped; Dispatch itself never fails.
type Dispatcher struct {
	skeleton SkeletonSyncer
	userdata UserEventHandler
	logger   *zap.Logger
}

// New constructs a Dispatcher wired to the two sync components.
func New(skeleton SkeletonSyncer, userdata UserEventHandler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{skeleton: skeleton, userdata: userdata, logger: logger}
}

// Run consumes msgs until the channel closes or ctx is canceled,
// dispatching each one. Intended to be run in its own goroutine over
// the channel returned by a transport.PushListener.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan transport.PushMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch routes a single push message. It never returns an error:
// failures are logged and the message is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg transport.PushMessage) {
	switch msg.Type {
	case typeCatalogUpdated:
		d.handleCatalogUpdated(ctx, msg.Payload)
	case typeUserSync:
		d.handleUserSync(ctx, msg.Payload)
	default:
		d.logger.Debug("push: unrouted message type", zap.String("type", msg.Type))
	}
}

func (d *Dispatcher) handleCatalogUpdated(ctx context.Context, payload []byte) {
	var p catalogUpdatedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("push: malformed catalog_updated payload", zap.Error(err))
		return
	}
	if err := d.skeleton.Sync(ctx); err != nil {
		d.logger.Warn("push: catalog_updated sync failed", zap.Error(err))
	}
}

func (d *Dispatcher) handleUserSync(ctx context.Context, payload []byte) {
	var ev model.StoredEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.Warn("push: malformed user_sync payload", zap.Error(err))
		return
	}
	if err := d.userdata.HandleEvent(ctx, ev); err != nil {
		d.logger.Warn("push: user_sync handle_event failed", zap.Error(fmt.Errorf("seq %d: %w", ev.Seq, err)))
	}
}
