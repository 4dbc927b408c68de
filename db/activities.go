package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

// Activity queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at
		FROM activities WHERE activity_uri = ?`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE id = ?`
)

// CreateActivity logs an inbound activity. A repeated ActivityURI is a
// unique violation, which callers use to drop duplicates.
func (db *DB) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	return db.exec(ctx, sqlInsertActivity, activity.Id.String(), activity.ActivityURI, activity.ActivityType,
		activity.ActorURI, activity.ObjectURI, activity.RawJSON, boolToInt(activity.Processed), activity.CreatedAt)
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(&idStr, &activity.ActivityURI,
		&activity.ActivityType, &activity.ActorURI, &activity.ObjectURI, &activity.RawJSON, &activity.Processed,
		&activity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	return &activity, nil
}

func (db *DB) MarkActivityProcessed(ctx context.Context, id uuid.UUID) error {
	return db.exec(ctx, sqlMarkActivityProcessed, id.String())
}
