package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// Execution repository errors.
var (
	ErrExecutionNotFound      = errors.New("loop execution not found")
	ErrExecutionAlreadyExists = errors.New("loop execution already exists")
)

const executionColumns = `
	id, name, repo_path, prompt_template, prompt_path, validation_command,
	priority_class, priority, status, iteration, max_iterations,
	last_exit_code, last_output, last_error, last_error_recoverable,
	metadata_json, created_at, updated_at, started_at, completed_at`

// ExecutionRepository handles loop execution persistence.
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution. ID, status and timestamps are filled in
// when empty.
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.LoopExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = models.LoopStatusRunning
	}
	if err := exec.Validate(); err != nil {
		return fmt.Errorf("invalid loop execution: %w", err)
	}

	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	metadataJSON, err := marshalMetadata(exec.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO loop_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.Name,
		exec.RepoPath,
		nullableString(exec.PromptTemplate),
		nullableString(exec.PromptPath),
		exec.ValidationCommand,
		nullableString(exec.PriorityClass),
		exec.Priority,
		string(exec.Status),
		exec.Iteration,
		exec.MaxIterations,
		nullableInt(exec.LastExitCode),
		nullableString(exec.LastOutput),
		nullableString(exec.LastError),
		boolToInt(exec.LastErrorRecoverable),
		metadataJSON,
		formatTime(exec.CreatedAt),
		formatTime(exec.UpdatedAt),
		stringTimePtr(exec.StartedAt),
		stringTimePtr(exec.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExecutionAlreadyExists
		}
		return fmt.Errorf("failed to insert loop execution: %w", err)
	}

	return nil
}

// Get retrieves an execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.LoopExecution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM loop_executions WHERE id = ?`, id)
	return r.scanExecution(row)
}

// GetByName returns the most recently created execution with the given name.
func (r *ExecutionRepository) GetByName(ctx context.Context, name string) (*models.LoopExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM loop_executions
		WHERE name = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, name)
	return r.scanExecution(row)
}

// Resolve looks an execution up by ID, ID prefix, or name.
func (r *ExecutionRepository) Resolve(ctx context.Context, ref string) (*models.LoopExecution, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrExecutionNotFound
	}
	if exec, err := r.Get(ctx, ref); err == nil || !errors.Is(err, ErrExecutionNotFound) {
		return exec, err
	}
	if exec, err := r.GetByName(ctx, ref); err == nil || !errors.Is(err, ErrExecutionNotFound) {
		return exec, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM loop_executions WHERE id LIKE ? LIMIT 2`, ref+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query loop executions: %w", err)
	}
	defer rows.Close()

	var matches []*models.LoopExecution
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrExecutionNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous loop reference %q", ref)
	}
}

// Update writes every mutable field of an execution.
func (r *ExecutionRepository) Update(ctx context.Context, exec *models.LoopExecution) error {
	if err := exec.Validate(); err != nil {
		return fmt.Errorf("invalid loop execution: %w", err)
	}

	exec.UpdatedAt = time.Now().UTC()
	metadataJSON, err := marshalMetadata(exec.Metadata)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE loop_executions SET
			name = ?, repo_path = ?, prompt_template = ?, prompt_path = ?,
			validation_command = ?, priority_class = ?, priority = ?,
			status = ?, iteration = ?, max_iterations = ?,
			last_exit_code = ?, last_output = ?, last_error = ?, last_error_recoverable = ?,
			metadata_json = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		exec.Name,
		exec.RepoPath,
		nullableString(exec.PromptTemplate),
		nullableString(exec.PromptPath),
		exec.ValidationCommand,
		nullableString(exec.PriorityClass),
		exec.Priority,
		string(exec.Status),
		exec.Iteration,
		exec.MaxIterations,
		nullableInt(exec.LastExitCode),
		nullableString(exec.LastOutput),
		nullableString(exec.LastError),
		boolToInt(exec.LastErrorRecoverable),
		metadataJSON,
		formatTime(exec.UpdatedAt),
		stringTimePtr(exec.StartedAt),
		stringTimePtr(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loop execution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// List returns executions, newest first. With statuses set, only executions
// in one of those statuses are returned.
func (r *ExecutionRepository) List(ctx context.Context, statuses ...models.LoopStatus) ([]*models.LoopExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM loop_executions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop executions: %w", err)
	}
	defer rows.Close()

	execs := make([]*models.LoopExecution, 0)
	for rows.Next() {
		exec, err := r.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// Delete removes an execution and, through cascading keys, its records.
func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM loop_executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete loop execution: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (r *ExecutionRepository) scanExecution(scanner interface{ Scan(...any) error }) (*models.LoopExecution, error) {
	var (
		exec           models.LoopExecution
		promptTemplate sql.NullString
		promptPath     sql.NullString
		priorityClass  sql.NullString
		status         string
		lastExitCode   sql.NullInt64
		lastOutput     sql.NullString
		lastError      sql.NullString
		recoverable    int
		metadataJSON   sql.NullString
		createdAt      string
		updatedAt      string
		startedAt      sql.NullString
		completedAt    sql.NullString
	)

	if err := scanner.Scan(
		&exec.ID,
		&exec.Name,
		&exec.RepoPath,
		&promptTemplate,
		&promptPath,
		&exec.ValidationCommand,
		&priorityClass,
		&exec.Priority,
		&status,
		&exec.Iteration,
		&exec.MaxIterations,
		&lastExitCode,
		&lastOutput,
		&lastError,
		&recoverable,
		&metadataJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to scan loop execution: %w", err)
	}

	exec.PromptTemplate = promptTemplate.String
	exec.PromptPath = promptPath.String
	exec.PriorityClass = priorityClass.String
	exec.Status = models.LoopStatus(status)
	exec.LastOutput = lastOutput.String
	exec.LastError = lastError.String
	exec.LastErrorRecoverable = recoverable != 0
	if lastExitCode.Valid {
		code := int(lastExitCode.Int64)
		exec.LastExitCode = &code
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &exec.Metadata)
	}
	exec.CreatedAt = parseTime(createdAt)
	exec.UpdatedAt = parseTime(updatedAt)
	exec.StartedAt = parseNullTime(startedAt)
	exec.CompletedAt = parseNullTime(completedAt)

	return &exec, nil
}

func marshalMetadata(metadata map[string]any) (*string, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	value := string(data)
	return &value, nil
}
