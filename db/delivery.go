package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Delivery queue queries
const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, account_id, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, account_id, attempts, next_retry_at, created_at
		FROM delivery_queue WHERE next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries       = `SELECT COUNT(*) FROM delivery_queue`
)

// EnqueueDelivery adds one outbound POST of ActivityJSON to InboxURI.
func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	return db.exec(ctx, sqlInsertDelivery, item.Id.String(), item.InboxURI, item.ActivityJSON, item.AccountId,
		item.Attempts, item.NextRetryAt.UnixMilli(), item.CreatedAt)
}

// EnqueueDeliveries adds items in one transaction.
func (db *DB) EnqueueDeliveries(ctx context.Context, items []*domain.DeliveryQueueItem) error {
	now := time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if item.Id == uuid.Nil {
				item.Id = uuid.New()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			if item.NextRetryAt.IsZero() {
				item.NextRetryAt = now
			}
			_, err := tx.ExecContext(ctx, sqlInsertDelivery, item.Id.String(), item.InboxURI, item.ActivityJSON,
				item.AccountId, item.Attempts, item.NextRetryAt.UnixMilli(), item.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) ReadPendingDeliveries(ctx context.Context, limit int) ([]*domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		var nextRetry int64
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.AccountId, &item.Attempts, &nextRetry, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.NextRetryAt = time.UnixMilli(nextRetry).UTC()
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.exec(ctx, sqlUpdateDeliveryAttempt, attempts, nextRetry.UnixMilli(), id.String())
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, sqlDeleteDelivery, id.String())
}

func (db *DB) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	return n, err
}
