package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// Control queue errors.
var (
	ErrControlItemNotFound = errors.New("control item not found")
	ErrControlQueueEmpty   = models.ErrEmptyControlQueue
)

// ControlRepository persists control items written by one process and
// executed by the daemon that owns the target loop.
type ControlRepository struct {
	db *DB
}

// NewControlRepository creates a new ControlRepository.
func NewControlRepository(db *DB) *ControlRepository {
	return &ControlRepository{db: db}
}

// Enqueue appends items in order.
func (r *ControlRepository) Enqueue(ctx context.Context, items ...*models.ControlItem) error {
	if len(items) == 0 {
		return nil
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var maxSeq int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM control_items`).Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to get max control seq: %w", err)
		}

		now := time.Now().UTC()
		for i, item := range items {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("invalid control item at index %d: %w", i, err)
			}
			if item.ID == "" {
				item.ID = uuid.New().String()
			}
			if item.Status == "" {
				item.Status = models.ControlStatusPending
			}
			item.CreatedAt = now

			_, err := tx.ExecContext(ctx, `
				INSERT INTO control_items (
					id, seq, target, action, status, payload_json, error_message, created_at, dispatched_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				item.ID,
				maxSeq+i+1,
				item.Target,
				string(item.Action),
				string(item.Status),
				nullableString(string(item.Payload)),
				nullableString(item.Error),
				formatTime(item.CreatedAt),
				stringTimePtr(item.DispatchedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert control item: %w", err)
			}
		}
		return nil
	})
}

// Peek returns the oldest pending item without claiming it.
func (r *ControlRepository) Peek(ctx context.Context) (*models.ControlItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, target, action, status, payload_json, error_message, created_at, dispatched_at
		FROM control_items
		WHERE status = ?
		ORDER BY seq ASC
		LIMIT 1
	`, string(models.ControlStatusPending))

	item, err := r.scanControlItem(row)
	if err != nil {
		if errors.Is(err, ErrControlItemNotFound) {
			return nil, ErrControlQueueEmpty
		}
		return nil, err
	}
	return item, nil
}

// Pending returns up to limit pending items, oldest first.
func (r *ControlRepository) Pending(ctx context.Context, limit int) ([]*models.ControlItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, action, status, payload_json, error_message, created_at, dispatched_at
		FROM control_items
		WHERE status = ?
		ORDER BY seq ASC
		LIMIT ?
	`, string(models.ControlStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query control items: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// List returns every item for a target, oldest first.
func (r *ControlRepository) List(ctx context.Context, target string) ([]*models.ControlItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, action, status, payload_json, error_message, created_at, dispatched_at
		FROM control_items
		WHERE target = ?
		ORDER BY seq ASC
	`, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query control items: %w", err)
	}
	defer rows.Close()
	return r.collect(rows)
}

// MarkDispatched records that an item was handed to its target.
func (r *ControlRepository) MarkDispatched(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, models.ControlStatusDispatched, "")
}

// MarkFailed records that an item could not be applied.
func (r *ControlRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.updateStatus(ctx, id, models.ControlStatusFailed, reason)
}

// Clear removes all pending items for a target and returns how many were removed.
func (r *ControlRepository) Clear(ctx context.Context, target string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM control_items WHERE target = ? AND status = ?
	`, target, string(models.ControlStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to clear control items: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (r *ControlRepository) updateStatus(ctx context.Context, id string, status models.ControlStatus, reason string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE control_items
		SET status = ?, error_message = ?, dispatched_at = ?
		WHERE id = ?
	`, string(status), nullableString(reason), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to update control item: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrControlItemNotFound
	}
	return nil
}

func (r *ControlRepository) collect(rows *sql.Rows) ([]*models.ControlItem, error) {
	items := make([]*models.ControlItem, 0)
	for rows.Next() {
		item, err := r.scanControlItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *ControlRepository) scanControlItem(scanner interface{ Scan(...any) error }) (*models.ControlItem, error) {
	var (
		item         models.ControlItem
		action       string
		status       string
		payload      sql.NullString
		errorMessage sql.NullString
		createdAt    string
		dispatchedAt sql.NullString
	)
	if err := scanner.Scan(&item.ID, &item.Target, &action, &status, &payload, &errorMessage, &createdAt, &dispatchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrControlItemNotFound
		}
		return nil, fmt.Errorf("failed to scan control item: %w", err)
	}
	item.Action = models.ControlAction(action)
	item.Status = models.ControlStatus(status)
	if payload.Valid && payload.String != "" {
		item.Payload = []byte(payload.String)
	}
	item.Error = errorMessage.String
	item.CreatedAt = parseTime(createdAt)
	item.DispatchedAt = parseNullTime(dispatchedAt)
	return &item, nil
}
