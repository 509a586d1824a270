// Package skeleton implements the Skeleton Synchronizer of spec.md
// §4.6: a state machine and protocol driver that keeps the Skeleton
// Store (kvstore.SkeletonStore, §4.5) consistent with the server via
// the delta/full-resync protocol. Grounded on the teacher's
// internal/global/replication.go state-label shape
// (active/lagging/catching_up/failed generalized to
// idle/syncing/synced/error) and internal/drivers/retry.go's
// cancelable-timer retry loop, reused here for the sync retry instead
// of a per-request retry.
package skeleton

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lelloman/catalogcore/internal/backoff"
	"github.com/lelloman/catalogcore/internal/kvstore"
	"github.com/lelloman/catalogcore/internal/model"
	"github.com/lelloman/catalogcore/internal/transport"
)

// State is the Synchronizer's current phase.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Synchronizer drives the skeleton replication protocol. Call Sync to
// trigger a cycle (from a push message, an explicit client request, or
// a heartbeat); failed cycles schedule their own cancelable retry.
type Synchronizer struct {
	db        kvstore.Store
	transport transport.Adapter
	logger    *zap.Logger
	retry     backoff.Policy

	mu        sync.Mutex
	state     State
	reason    model.ErrorReason
	attempt   int
	retryTimer *time.Timer
}

// New constructs a Synchronizer. retry zero-values to the spec's
// default sync retry policy (5s/5min/2.0).
func New(db kvstore.Store, adapter transport.Adapter, logger *zap.Logger, retry backoff.Policy) *Synchronizer {
	return &Synchronizer{
		db:        db,
		transport: adapter,
		logger:    logger,
		retry:     retry,
		state:     StateIdle,
	}
}

// State reports the current phase and, if State()==StateError, the
// classified reason.
func (s *Synchronizer) State() (State, model.ErrorReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Cleanup cancels any pending retry timer. Call on shutdown.
func (s *Synchronizer) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// Sync runs one entry-point cycle of §4.6: full resync if the local
// version is zero or a full resync is flagged, otherwise a delta
// fetch with 404 (version_too_old) falling back to full resync.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.setState(StateSyncing, "")

	version, err := s.localVersion(ctx)
	if err != nil {
		return s.fail(ctx, model.ReasonClient, err)
	}

	needsFull, err := s.needsFullResync(ctx)
	if err != nil {
		return s.fail(ctx, model.ReasonClient, err)
	}

	if version == 0 || needsFull {
		return s.fullResync(ctx)
	}

	delta, err := s.transport.FetchSkeletonDelta(ctx, version)
	if err != nil {
		var classified *transport.ClassifiedError
		reason := model.ReasonUnknown
		if errors.As(err, &classified) {
			reason = classified.Reason
		}
		if reason == model.ReasonVersionTooOld {
			if setErr := s.setNeedsFullResync(ctx, true); setErr != nil {
				return s.fail(ctx, model.ReasonClient, setErr)
			}
			return s.fullResync(ctx)
		}
		return s.fail(ctx, reason, err)
	}

	if err := s.db.ApplySkeletonDelta(ctx, delta.Changes, delta.ToVersion, delta.Checksum); err != nil {
		return s.fail(ctx, model.ReasonClient, err)
	}

	s.succeed()
	return nil
}

// fullResync performs the full-snapshot GET + replace_all branch of
// §4.6, used both for the version=0 / needs_full_resync path and for
// the version_too_old fallback.
func (s *Synchronizer) fullResync(ctx context.Context) error {
	snap, err := s.transport.FetchSkeletonFull(ctx)
	if err != nil {
		var classified *transport.ClassifiedError
		reason := model.ReasonUnknown
		if errors.As(err, &classified) {
			reason = classified.Reason
		}
		return s.fail(ctx, reason, err)
	}

	if err := s.db.ReplaceSkeleton(ctx, snap); err != nil {
		return s.fail(ctx, model.ReasonClient, err)
	}
	if err := s.setNeedsFullResync(ctx, false); err != nil {
		return s.fail(ctx, model.ReasonClient, err)
	}

	s.succeed()
	return nil
}

// VerifyChecksum probes the server's declared version/checksum and,
// on mismatch against the locally stored checksum, forces a full
// resync per §4.6's "checksum may be compared... mismatch triggers a
// forced full resync".
func (s *Synchronizer) VerifyChecksum(ctx context.Context) error {
	_, serverChecksum, err := s.transport.FetchSkeletonVersion(ctx)
	if err != nil {
		return err
	}
	localChecksum, _, err := s.db.GetScalar(ctx, kvstore.KeySkeletonChecksum)
	if err != nil {
		return fmt.Errorf("skeleton: read local checksum: %w", err)
	}
	if serverChecksum == localChecksum {
		return nil
	}
	if err := s.setNeedsFullResync(ctx, true); err != nil {
		return err
	}
	return s.Sync(ctx)
}

func (s *Synchronizer) localVersion(ctx context.Context) (int64, error) {
	raw, ok, err := s.db.GetScalar(ctx, kvstore.KeySkeletonVersion)
	if err != nil {
		return 0, fmt.Errorf("skeleton: get version: %w", err)
	}
	if !ok {
		return 0, nil
	}
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("skeleton: parse version %q: %w", raw, err)
	}
	return v, nil
}

func (s *Synchronizer) needsFullResync(ctx context.Context) (bool, error) {
	raw, ok, err := s.db.GetScalar(ctx, kvstore.KeyNeedsSkeletonFullSync)
	if err != nil {
		return false, fmt.Errorf("skeleton: get needs_full_resync: %w", err)
	}
	return ok && raw == "true", nil
}

func (s *Synchronizer) setNeedsFullResync(ctx context.Context, v bool) error {
	value := "false"
	if v {
		value = "true"
	}
	if err := s.db.PutScalar(ctx, kvstore.KeyNeedsSkeletonFullSync, value); err != nil {
		return fmt.Errorf("skeleton: set needs_full_resync: %w", err)
	}
	return nil
}

func (s *Synchronizer) succeed() {
	s.mu.Lock()
	s.attempt = 0
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	s.setState(StateSynced, "")
}

// fail classifies the cycle as Error, logs one structured record, and
// schedules a cancelable retry per §5's "retries run on a cancelable
// timer".
func (s *Synchronizer) fail(ctx context.Context, reason model.ErrorReason, cause error) error {
	s.setState(StateError, reason)
	s.logger.Warn("skeleton: sync failed", zap.String("reason", string(reason)), zap.Error(cause))
	s.scheduleRetry(ctx)
	return cause
}

func (s *Synchronizer) scheduleRetry(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := s.attempt
	s.attempt++
	delay := s.retry.DelayForAttempt(attempt)

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		_ = s.Sync(ctx)
	})
}

func (s *Synchronizer) setState(state State, reason model.ErrorReason) {
	s.mu.Lock()
	s.state = state
	s.reason = reason
	s.mu.Unlock()
}
