package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/metrics"
)

const storeTimeout = 5 * time.Second

// Notifier is told about every staging task status change
type Notifier interface {
	NotifyTaskUpdate(rec *interfaces.TaskRecord)
}

// Manager records staging task state transitions
type Manager struct {
	store    interfaces.TaskStore
	notifier Notifier
}

// NewManager creates a manager; notifier may be nil
func NewManager(store interfaces.TaskStore, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
	}
}

// storeContext bounds store calls made from worker goroutines, which must
// outlive a cancelled pool context.
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// CreateTask persists a pending record for a new staging task
func (m *Manager) CreateTask(taskID, appID string, payload map[string]interface{}) (*interfaces.TaskRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode staging payload: %w", err)
	}

	now := time.Now()
	rec := &interfaces.TaskRecord{
		ID:        taskID,
		AppID:     appID,
		Status:    interfaces.StatusPending,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, cancel := storeContext()
	defer cancel()
	if err := m.store.CreateTask(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create staging task: %w", err)
	}

	m.notify(rec)
	logger.WithTaskID(taskID).Info().Str("app_id", appID).Msg("Staging task created")
	return rec, nil
}

func (m *Manager) MarkSettingUp(taskID string) error {
	return m.transition(taskID, func(rec *interfaces.TaskRecord) {
		rec.Status = interfaces.StatusSettingUp
	})
}

// MarkStaging records a successful setup and the task's streaming log URL
func (m *Manager) MarkStaging(taskID, streamingLogURL string) error {
	return m.transition(taskID, func(rec *interfaces.TaskRecord) {
		rec.Status = interfaces.StatusStaging
		rec.StreamingLogURL = streamingLogURL
	})
}

func (m *Manager) MarkCompleted(taskID string) error {
	err := m.transition(taskID, func(rec *interfaces.TaskRecord) {
		rec.Status = interfaces.StatusCompleted
		rec.Error = ""
	})
	if err == nil {
		metrics.StagingTasksCompletedTotal.Inc()
	}
	return err
}

func (m *Manager) MarkFailed(taskID, errorMsg string) error {
	err := m.transition(taskID, func(rec *interfaces.TaskRecord) {
		rec.Status = interfaces.StatusFailed
		rec.Error = errorMsg
	})
	if err == nil {
		metrics.StagingTasksFailedTotal.Inc()
	}
	return err
}

func (m *Manager) transition(taskID string, apply func(rec *interfaces.TaskRecord)) error {
	ctx, cancel := storeContext()
	defer cancel()

	rec, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	apply(rec)
	if err := m.store.UpdateTask(ctx, rec); err != nil {
		return fmt.Errorf("failed to update staging task: %w", err)
	}

	m.notify(rec)
	log := logger.WithTaskID(taskID)
	log.Info().Str("status", string(rec.Status)).Msg("Staging task updated")
	return nil
}

// GetTask retrieves a staging task record by ID
func (m *Manager) GetTask(ctx context.Context, id string) (*interfaces.TaskRecord, error) {
	return m.store.GetTask(ctx, id)
}

// ListTasks returns all staging task records
func (m *Manager) ListTasks(ctx context.Context) ([]*interfaces.TaskRecord, error) {
	return m.store.ListTasks(ctx)
}

// Ping checks the underlying store
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) notify(rec *interfaces.TaskRecord) {
	if m.notifier != nil {
		m.notifier.NotifyTaskUpdate(rec)
	}
}
