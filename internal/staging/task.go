package staging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/metrics"
	"github.com/wulonghui/dea-ng/internal/worker"
)

var (
	ErrInvalidRequest = errors.New("invalid staging request")
	ErrAlreadyStarted = errors.New("staging task already started")
)

// Task is a staging task as seen by the responders.
type Task interface {
	TaskID() string
	// StreamingLogURL is nil until the staging container is set up.
	StreamingLogURL() *string
	// AfterSetup registers fn to run once with the setup outcome.
	AfterSetup(fn func(err error))
	Start() error
}

// Factory builds a Task from a staging request payload.
type Factory func(rt *Runtime, payload map[string]interface{}) (Task, error)

// Submitter accepts work for asynchronous execution.
type Submitter interface {
	Submit(item worker.Item) error
}

// Runtime is the shared context every staging task is built with.
type Runtime struct {
	Manager     *Manager
	Pool        Submitter
	Provisioner Provisioner
	// DirectoryServer is the base URL serving task files.
	DirectoryServer string
}

// StagingTask sets up a staging container and stages an application in it
// on the runtime's worker pool.
type StagingTask struct {
	id      string
	appID   string
	payload map[string]interface{}
	rt      *Runtime
	setup   *SetupSignal
	started atomic.Bool

	mu              sync.RWMutex
	streamingLogURL *string
}

// NewTask is the default Factory. The payload must carry an app_id.
func NewTask(rt *Runtime, payload map[string]interface{}) (Task, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: missing runtime", ErrInvalidRequest)
	}
	appID, _ := payload["app_id"].(string)
	if appID == "" {
		return nil, fmt.Errorf("%w: app_id is required", ErrInvalidRequest)
	}

	return &StagingTask{
		id:      uuid.New().String(),
		appID:   appID,
		payload: payload,
		rt:      rt,
		setup:   NewSetupSignal(),
	}, nil
}

func (t *StagingTask) TaskID() string {
	return t.id
}

func (t *StagingTask) AppID() string {
	return t.appID
}

func (t *StagingTask) StreamingLogURL() *string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.streamingLogURL == nil {
		return nil
	}
	u := *t.streamingLogURL
	return &u
}

func (t *StagingTask) AfterSetup(fn func(err error)) {
	t.setup.OnComplete(fn)
}

// SetupDone is closed once setup has succeeded or failed.
func (t *StagingTask) SetupDone() <-chan struct{} {
	return t.setup.Done()
}

// Start records the task and queues it on the worker pool.
func (t *StagingTask) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if _, err := t.rt.Manager.CreateTask(t.id, t.appID, t.payload); err != nil {
		return err
	}

	if err := t.rt.Pool.Submit(worker.Item{ID: t.id, Run: t.run}); err != nil {
		t.rt.Manager.MarkFailed(t.id, err.Error())
		return fmt.Errorf("failed to queue staging task %s: %w", t.id, err)
	}
	return nil
}

func (t *StagingTask) run(ctx context.Context) {
	log := logger.WithTaskID(t.id)
	if err := t.rt.Manager.MarkSettingUp(t.id); err != nil {
		log.Warn().Err(err).Msg("Failed to record setup start")
	}

	setupStart := time.Now()
	ws, err := t.rt.Provisioner.Setup(ctx, t.id, t.payload)
	metrics.SetupDuration.Observe(time.Since(setupStart).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Staging container setup failed")
		if markErr := t.rt.Manager.MarkFailed(t.id, err.Error()); markErr != nil {
			log.Warn().Err(markErr).Msg("Failed to record setup failure")
		}
		t.setup.Fulfill(err)
		return
	}

	logURL := t.buildStreamingLogURL(ws)
	t.mu.Lock()
	t.streamingLogURL = &logURL
	t.mu.Unlock()

	if err := t.rt.Manager.MarkStaging(t.id, logURL); err != nil {
		log.Warn().Err(err).Msg("Failed to record setup completion")
	}
	t.setup.Fulfill(nil)

	stageStart := time.Now()
	err = t.rt.Provisioner.Stage(ctx, ws, t.payload)
	metrics.StagingDuration.Observe(time.Since(stageStart).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Staging failed")
		if markErr := t.rt.Manager.MarkFailed(t.id, err.Error()); markErr != nil {
			log.Warn().Err(markErr).Msg("Failed to record staging failure")
		}
		return
	}

	if err := t.rt.Manager.MarkCompleted(t.id); err != nil {
		log.Warn().Err(err).Msg("Failed to record staging completion")
	}
}

func (t *StagingTask) buildStreamingLogURL(ws *Workspace) string {
	q := url.Values{}
	q.Set("path", ws.LogPath)
	return fmt.Sprintf("%s/staging_tasks/%s/file_path?%s", t.rt.DirectoryServer, t.id, q.Encode())
}
