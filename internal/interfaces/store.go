package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a staging task
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusSettingUp TaskStatus = "setting_up"
	StatusStaging   TaskStatus = "staging"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

var ErrTaskNotFound = errors.New("staging task not found")

// TaskRecord is the persisted view of a staging task
type TaskRecord struct {
	ID              string     `json:"task_id"`
	AppID           string     `json:"app_id"`
	Status          TaskStatus `json:"status"`
	StreamingLogURL string     `json:"streaming_log_url,omitempty"`
	Error           string     `json:"error,omitempty"`
	Payload         []byte     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// String returns a string representation of the record
func (r *TaskRecord) String() string {
	return fmt.Sprintf("StagingTask{ID: %s, App: %s, Status: %s}", r.ID, r.AppID, r.Status)
}

// Finished reports whether the task reached a terminal status
func (r *TaskRecord) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// TaskStore defines the persistence operations needed by the staging manager
type TaskStore interface {
	CreateTask(ctx context.Context, rec *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	UpdateTask(ctx context.Context, rec *TaskRecord) error
	ListTasks(ctx context.Context) ([]*TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
