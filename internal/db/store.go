package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wulonghui/dea-ng/internal/interfaces"
)

// Store handles database operations for staging tasks
type Store struct {
	db *sql.DB
}

// NewStore creates a new database store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectColumns = `id, app_id, status, streaming_log_url, error, payload, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*interfaces.TaskRecord, error) {
	rec := &interfaces.TaskRecord{}
	var status string
	err := row.Scan(&rec.ID, &rec.AppID, &status, &rec.StreamingLogURL, &rec.Error,
		&rec.Payload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = interfaces.TaskStatus(status)
	return rec, nil
}

// CreateTask inserts a new staging task record
func (s *Store) CreateTask(ctx context.Context, rec *interfaces.TaskRecord) error {
	query := `
		INSERT INTO staging_tasks (id, app_id, status, streaming_log_url, error, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.AppID, string(rec.Status), rec.StreamingLogURL, rec.Error,
		payload, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create staging task: %w", err)
	}

	return nil
}

// GetTask retrieves a staging task record by ID
func (s *Store) GetTask(ctx context.Context, id string) (*interfaces.TaskRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM staging_tasks WHERE id = $1`

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("staging task %s: %w", id, interfaces.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("failed to get staging task: %w", err)
	}

	return rec, nil
}

// UpdateTask updates the mutable fields of a staging task record
func (s *Store) UpdateTask(ctx context.Context, rec *interfaces.TaskRecord) error {
	query := `
		UPDATE staging_tasks
		SET status = $2, streaming_log_url = $3, error = $4, updated_at = $5
		WHERE id = $1
	`

	rec.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Status), rec.StreamingLogURL, rec.Error, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update staging task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("staging task %s: %w", rec.ID, interfaces.ErrTaskNotFound)
	}

	return nil
}

// ListTasks retrieves all staging task records, newest first
func (s *Store) ListTasks(ctx context.Context) ([]*interfaces.TaskRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM staging_tasks ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging tasks: %w", err)
	}
	defer rows.Close()

	var records []*interfaces.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging task: %w", err)
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// DeleteTask removes a staging task record
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	query := `DELETE FROM staging_tasks WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete staging task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("staging task %s: %w", id, interfaces.ErrTaskNotFound)
	}

	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
