// Package userdata implements the User-Data Event Engine of spec.md
// §4.7: a cursor-based replicated log with optimistic local writes,
// reconciled against the server via full_sync/catch_up/handle_event.
// Grounded on the teacher's internal/webhooks/webhook.go delivery/
// pending bookkeeping (status transitions on remote confirmation,
// generalized from webhook delivery status to playlist sync_status)
// and the same cancelable-timer retry shape as internal/skeleton.
package userdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/backoff"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

// State is the Engine's current reconciliation phase.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Engine drives user-data reconciliation and optimistic local writes.
type Engine struct {
	db        kvstore.Store
	transport transport.Adapter
	logger    *zap.Logger
	retry     backoff.Policy

	mu         sync.Mutex
	state      State
	reason     model.ErrorReason
	attempt    int
	retryTimer *time.Timer

	pendingReads map[string]bool // queued offline notification_read ids
}

// New constructs an Engine. retry zero-values to the spec's default
// sync retry policy (5s/5min/2.0).
func New(db kvstore.Store, adapter transport.Adapter, logger *zap.Logger, retry backoff.Policy) *Engine {
	return &Engine{
		db:           db,
		transport:    adapter,
		logger:       logger,
		retry:        retry,
		state:        StateIdle,
		pendingReads: make(map[string]bool),
	}
}

// State reports the current phase and, if StateError, the classified reason.
func (e *Engine) State() (State, model.ErrorReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.reason
}

// Cleanup cancels any pending retry timer and drops in-memory
// reconciliation state. Call on shutdown; per §5 it does not clear
// the persisted cursor.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.pendingReads = make(map[string]bool)
}

// Initialize runs the §4.7 reconciliation driver: full_sync if the
// cursor is zero or a full resync is flagged, else catch_up.
func (e *Engine) Initialize(ctx context.Context) error {
	cursor, err := e.localCursor(ctx)
	if err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}
	needsFull, err := e.needsFullResync(ctx)
	if err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}
	if cursor == 0 || needsFull {
		return e.FullSync(ctx)
	}
	return e.CatchUp(ctx)
}

// FullSync replaces local authoritative state with the server's,
// preserving pending playlists (merge handled by the KV Store's
// ReplaceUserState), and resets the cursor and retry backoff.
func (e *Engine) FullSync(ctx context.Context) error {
	e.setState(StateSyncing, "")

	snap, err := e.transport.FetchUserState(ctx)
	if err != nil {
		return e.classifyAndFail(ctx, err)
	}
	if err := e.db.ReplaceUserState(ctx, snap); err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}

	e.flushPendingReads(ctx)
	e.succeed()
	return nil
}

// CatchUp fetches events since the local cursor and applies them in
// order, falling back to FullSync on a detected gap or a pruned log.
func (e *Engine) CatchUp(ctx context.Context) error {
	e.setState(StateSyncing, "")

	cursor, err := e.localCursor(ctx)
	if err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}

	page, err := e.transport.FetchUserEvents(ctx, cursor)
	if err != nil {
		var classified *transport.ClassifiedError
		if errors.As(err, &classified) && classified.Reason == model.ReasonEventsPruned {
			return e.resyncAfterPruning(ctx)
		}
		return e.classifyAndFail(ctx, err)
	}

	if page.Pruned {
		return e.resyncAfterPruning(ctx)
	}

	if len(page.Events) > 0 && page.Events[0].Seq > cursor+1 {
		return e.FullSync(ctx)
	}

	for _, ev := range page.Events {
		if err := e.db.ApplyUserEvent(ctx, ev); err != nil {
			return e.fail(ctx, model.ReasonClient, err)
		}
	}

	e.flushPendingReads(ctx)
	e.succeed()
	return nil
}

// HandleEvent applies a single pushed event (§4.8's user_sync route),
// falling back to CatchUp on a detected gap.
func (e *Engine) HandleEvent(ctx context.Context, ev model.StoredEvent) error {
	cursor, err := e.localCursor(ctx)
	if err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}
	if ev.Seq <= cursor {
		// Re-delivered event: cursor is non-decreasing, never re-apply.
		e.succeed()
		return nil
	}
	if ev.Seq > cursor+1 {
		return e.CatchUp(ctx)
	}
	if err := e.db.ApplyUserEvent(ctx, ev); err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}
	e.succeed()
	return nil
}

// RenamePlaylist performs an optimistic local rename: the playlist is
// flagged pending_update and a mutation request is sent immediately.
// The pending flag clears when the server echoes playlist_renamed via
// HandleEvent/CatchUp/FullSync.
func (e *Engine) RenamePlaylist(ctx context.Context, playlistID, newName string) error {
	playlists, err := e.db.GetPlaylists(ctx)
	if err != nil {
		return fmt.Errorf("userdata: rename playlist: %w", err)
	}
	var pl model.Playlist
	for _, p := range playlists {
		if p.ID == playlistID {
			pl = p
			break
		}
	}
	pl.ID = playlistID
	pl.Name = newName
	pl.SyncStatus = model.PlaylistPendingUpdate
	if err := e.db.PutPlaylist(ctx, pl); err != nil {
		return fmt.Errorf("userdata: rename playlist store: %w", err)
	}

	body, err := json.Marshal(struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		RequestID string `json:"request_id"`
	}{ID: playlistID, Name: newName, RequestID: uuid.New().String()})
	if err != nil {
		return fmt.Errorf("userdata: marshal rename request: %w", err)
	}
	return e.transport.PostUserMutation(ctx, model.UserMutationRequest{Path: "/v1/user/playlists/rename", Body: body})
}

// QueueNotificationRead records an offline read so it flushes on the
// next successful FullSync/CatchUp, per §4.7's optimistic-read note.
func (e *Engine) QueueNotificationRead(notificationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingReads[notificationID] = true
}

func (e *Engine) flushPendingReads(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pendingReads))
	for id := range e.pendingReads {
		ids = append(ids, id)
	}
	e.pendingReads = make(map[string]bool)
	e.mu.Unlock()

	for _, id := range ids {
		body, err := json.Marshal(struct {
			NotificationID string `json:"notification_id"`
		}{NotificationID: id})
		if err != nil {
			e.logger.Warn("userdata: marshal pending read failed", zap.String("notification_id", id), zap.Error(err))
			continue
		}
		if err := e.transport.PostUserMutation(ctx, model.UserMutationRequest{Path: "/v1/user/notifications/read", Body: body}); err != nil {
			e.logger.Warn("userdata: flush pending read failed", zap.String("notification_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) localCursor(ctx context.Context) (int64, error) {
	raw, ok, err := e.db.GetScalar(ctx, kvstore.KeyUserCursor)
	if err != nil {
		return 0, fmt.Errorf("userdata: get cursor: %w", err)
	}
	if !ok {
		return 0, nil
	}
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("userdata: parse cursor %q: %w", raw, err)
	}
	return v, nil
}

// resyncAfterPruning flags needs_full_resync and runs FullSync, the
// §4.7 recovery path for a server-signaled events_pruned — whether it
// arrives as a 410 ClassifiedError or an in-band Pruned page.
func (e *Engine) resyncAfterPruning(ctx context.Context) error {
	if err := e.setNeedsFullResync(ctx, true); err != nil {
		return e.fail(ctx, model.ReasonClient, err)
	}
	return e.FullSync(ctx)
}

func (e *Engine) needsFullResync(ctx context.Context) (bool, error) {
	raw, ok, err := e.db.GetScalar(ctx, kvstore.KeyNeedsUserFullSync)
	if err != nil {
		return false, fmt.Errorf("userdata: get needs_full_resync: %w", err)
	}
	return ok && raw == "true", nil
}

func (e *Engine) setNeedsFullResync(ctx context.Context, v bool) error {
	value := "false"
	if v {
		value = "true"
	}
	if err := e.db.PutScalar(ctx, kvstore.KeyNeedsUserFullSync, value); err != nil {
		return fmt.Errorf("userdata: set needs_full_resync: %w", err)
	}
	return nil
}

func (e *Engine) succeed() {
	e.mu.Lock()
	e.attempt = 0
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()
	e.setState(StateSynced, "")
}

func (e *Engine) classifyAndFail(ctx context.Context, err error) error {
	var classified *transport.ClassifiedError
	reason := model.ReasonUnknown
	if errors.As(err, &classified) {
		reason = classified.Reason
	}
	return e.fail(ctx, reason, err)
}

func (e *Engine) fail(ctx context.Context, reason model.ErrorReason, cause error) error {
	e.setState(StateError, reason)
	e.logger.Warn("userdata: sync failed", zap.String("reason", string(reason)), zap.Error(cause))
	e.scheduleRetry(ctx)
	return cause
}

func (e *Engine) scheduleRetry(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempt := e.attempt
	e.attempt++
	delay := e.retry.DelayForAttempt(attempt)

	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, func() {
		_ = e.CatchUp(ctx)
	})
}

func (e *Engine) setState(state State, reason model.ErrorReason) {
	e.mu.Lock()
	e.state = state
	e.reason = reason
	e.mu.Unlock()
}
