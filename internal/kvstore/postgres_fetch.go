package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lelloman/catalogcore/internal/model"
)

func (p *Postgres) PutFetchRecord(ctx context.Context, r model.FetchRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fetch_records (item_id, item_type, status, error_reason, last_attempt_ms, retry_after_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE SET
			item_type = EXCLUDED.item_type,
			status = EXCLUDED.status,
			error_reason = EXCLUDED.error_reason,
			last_attempt_ms = EXCLUDED.last_attempt_ms,
			retry_after_ms = EXCLUDED.retry_after_ms`,
		r.ItemID, string(r.ItemType), string(r.Status), string(r.ErrorReason), r.LastAttemptMs, r.RetryAfterMs)
	if err != nil {
		return fmt.Errorf("kvstore: put fetch record %s: %w", r.ItemID, err)
	}
	p.notifyFetchRecord(r.ItemID, r, true)
	return nil
}

func (p *Postgres) GetFetchRecord(ctx context.Context, itemID string) (model.FetchRecord, bool, error) {
	var r model.FetchRecord
	var itemType, status, reason string
	err := p.db.QueryRowContext(ctx, `
		SELECT item_id, item_type, status, error_reason, last_attempt_ms, retry_after_ms
		FROM fetch_records WHERE item_id = $1`, itemID).
		Scan(&r.ItemID, &itemType, &status, &reason, &r.LastAttemptMs, &r.RetryAfterMs)
	if err == sql.ErrNoRows {
		return model.FetchRecord{}, false, nil
	}
	if err != nil {
		return model.FetchRecord{}, false, fmt.Errorf("kvstore: get fetch record %s: %w", itemID, err)
	}
	r.ItemType = model.ItemType(itemType)
	r.Status = model.FetchStatus(status)
	r.ErrorReason = model.ErrorReason(reason)
	return r, true, nil
}

func (p *Postgres) DeleteFetchRecord(ctx context.Context, itemID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM fetch_records WHERE item_id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("kvstore: delete fetch record %s: %w", itemID, err)
	}
	p.notifyFetchRecord(itemID, model.FetchRecord{}, false)
	return nil
}

func (p *Postgres) ListFetchRecords(ctx context.Context) ([]model.FetchRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT item_id, item_type, status, error_reason, last_attempt_ms, retry_after_ms
		FROM fetch_records`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list fetch records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FetchRecord
	for rows.Next() {
		var r model.FetchRecord
		var itemType, status, reason string
		if err := rows.Scan(&r.ItemID, &itemType, &status, &reason, &r.LastAttemptMs, &r.RetryAfterMs); err != nil {
			return nil, fmt.Errorf("kvstore: scan fetch record: %w", err)
		}
		r.ItemType = model.ItemType(itemType)
		r.Status = model.FetchStatus(status)
		r.ErrorReason = model.ErrorReason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetLoadingToIdle implements §4.2's "reset on process restart":
// loading is never durable across a process boundary.
func (p *Postgres) ResetLoadingToIdle(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE fetch_records SET status = $1 WHERE status = $2`,
		string(model.FetchStatusIdle), string(model.FetchStatusLoading))
	if err != nil {
		return fmt.Errorf("kvstore: reset loading to idle: %w", err)
	}
	return nil
}

func (p *Postgres) SubscribeFetchRecord(itemID string, fn func(model.FetchRecord, bool)) func() {
	p.mu.Lock()
	subID := p.nextSubID
	p.nextSubID++
	if p.fetchSubs[itemID] == nil {
		p.fetchSubs[itemID] = make(map[int]func(model.FetchRecord, bool))
	}
	p.fetchSubs[itemID][subID] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.fetchSubs[itemID], subID)
		p.mu.Unlock()
	}
}

func (p *Postgres) notifyFetchRecord(itemID string, r model.FetchRecord, ok bool) {
	p.mu.Lock()
	fns := make([]func(model.FetchRecord, bool), 0, len(p.fetchSubs[itemID]))
	for _, fn := range p.fetchSubs[itemID] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(r, ok)
	}
}
