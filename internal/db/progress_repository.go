package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// Note is a piece of context addressed to a loop's next prompt, usually an
// alert, share or query received from another loop.
type Note struct {
	ID          int64
	ExecutionID string
	Kind        string
	Sender      string
	Body        string
	Delivered   bool
	CreatedAt   time.Time
}

// ProgressRepository stores iteration records and pending notes.
type ProgressRepository struct {
	db *DB
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(db *DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// RecordIteration stores an iteration summary.
func (r *ProgressRepository) RecordIteration(ctx context.Context, summary *models.IterationSummary) error {
	if summary.ExecutionID == "" {
		return fmt.Errorf("iteration summary requires an execution id")
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal iteration summary: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO iteration_records (
			execution_id, iteration, outcome, exit_code, turns, duration_ms, summary_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		summary.ExecutionID,
		summary.Iteration,
		string(summary.Outcome),
		nullableInt(summary.ExitCode),
		summary.Turns,
		summary.Duration.Milliseconds(),
		string(data),
		formatTime(summary.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert iteration record: %w", err)
	}
	return nil
}

// RecentIterations returns up to limit records for an execution, oldest
// first. A limit <= 0 returns every record.
func (r *ProgressRepository) RecentIterations(ctx context.Context, executionID string, limit int) ([]*models.IterationSummary, error) {
	query := `
		SELECT summary_json FROM (
			SELECT id, summary_json FROM iteration_records
			WHERE execution_id = ?
			ORDER BY id DESC`
	args := []any{executionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration records: %w", err)
	}
	defer rows.Close()

	summaries := make([]*models.IterationSummary, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan iteration record: %w", err)
		}
		var summary models.IterationSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			return nil, fmt.Errorf("failed to decode iteration record: %w", err)
		}
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

// AddNote stores a note for an execution's next prompt.
func (r *ProgressRepository) AddNote(ctx context.Context, note *Note) error {
	if strings.TrimSpace(note.Body) == "" {
		return fmt.Errorf("note body is required")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO progress_notes (execution_id, kind, sender, body, delivered, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, note.ExecutionID, note.Kind, nullableString(note.Sender), note.Body, formatTime(note.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert progress note: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		note.ID = id
	}
	return nil
}

// PendingNotes returns undelivered notes, oldest first.
func (r *ProgressRepository) PendingNotes(ctx context.Context, executionID string) ([]*Note, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, execution_id, kind, sender, body, delivered, created_at
		FROM progress_notes
		WHERE execution_id = ? AND delivered = 0
		ORDER BY id ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress notes: %w", err)
	}
	defer rows.Close()

	notes := make([]*Note, 0)
	for rows.Next() {
		var (
			note      Note
			sender    sql.NullString
			delivered int
			createdAt string
		)
		if err := rows.Scan(&note.ID, &note.ExecutionID, &note.Kind, &sender, &note.Body, &delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan progress note: %w", err)
		}
		note.Sender = sender.String
		note.Delivered = delivered != 0
		note.CreatedAt = parseTime(createdAt)
		notes = append(notes, &note)
	}
	return notes, rows.Err()
}

// MarkNotesDelivered flags notes up to and including maxID as delivered.
func (r *ProgressRepository) MarkNotesDelivered(ctx context.Context, executionID string, maxID int64) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE progress_notes SET delivered = 1
		WHERE execution_id = ? AND delivered = 0 AND id <= ?
	`, executionID, maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notes delivered: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rowsAffected), nil
}
