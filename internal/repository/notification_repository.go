package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

type CreateNotificationParams struct {
	JobID    int64
	Scope    string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	const query = `
		INSERT INTO notifications (job_id, scope, event_type, severity, title, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, job_id, scope, event_type, severity, title, message, metadata, created_at
	`

	var metadata interface{}
	if len(params.Metadata) > 0 {
		bytes, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = bytes
	}

	row := r.db.QueryRowContext(ctx, query,
		params.JobID, params.Scope, params.Event, params.Severity, params.Title, params.Message, metadata)
	return scanNotification(row)
}

func (r *notificationRepository) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	const query = `
		SELECT id, job_id, scope, event_type, severity, title, message, metadata, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func scanNotification(row rowScanner) (models.Notification, error) {
	var n models.Notification
	var metadata sql.NullString
	if err := row.Scan(&n.ID, &n.JobID, &n.Scope, &n.EventType, &n.Severity, &n.Title, &n.Message, &metadata, &n.CreatedAt); err != nil {
		return models.Notification{}, err
	}
	if metadata.Valid {
		n.Metadata = json.RawMessage(metadata.String)
	}
	return n, nil
}
