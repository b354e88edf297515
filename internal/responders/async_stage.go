// Package responders answers requests that arrive on the bus.
package responders

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wulonghui/dea-ng/internal/config"
	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/metrics"
	"github.com/wulonghui/dea-ng/internal/nats"
	"github.com/wulonghui/dea-ng/internal/staging"
)

// StagingAsyncSubject carries asynchronous staging requests. It doubles as
// the queue group so each request reaches one DEA.
const StagingAsyncSubject = "staging.async"

var ErrAlreadyStarted = errors.New("async stage responder already started")

// Bus is the part of the bus client the responders use.
type Bus interface {
	Subscribe(subject string, handler nats.Handler, opts ...nats.SubscribeOption) (nats.SubscriptionID, error)
	Unsubscribe(sid nats.SubscriptionID) error
	Publish(subject string, body interface{}) error
}

// StagingReply is published once per request, when setup finishes.
// Nil fields are sent as JSON null.
type StagingReply struct {
	TaskID          string  `json:"task_id"`
	StreamingLogURL *string `json:"streaming_log_url"`
	Error           *string `json:"error"`
}

// AsyncStage starts a staging task for every staging.async request and
// replies once the task's container is set up.
type AsyncStage struct {
	bus     Bus
	runtime *staging.Runtime
	newTask staging.Factory
	enabled bool

	mu  sync.Mutex
	sid nats.SubscriptionID
}

// NewAsyncStage builds a responder. A nil factory means staging.NewTask.
func NewAsyncStage(bus Bus, rt *staging.Runtime, cfg config.StagingConfig, factory staging.Factory) *AsyncStage {
	if factory == nil {
		factory = staging.NewTask
	}
	return &AsyncStage{
		bus:     bus,
		runtime: rt,
		newTask: factory,
		enabled: cfg.Enabled,
	}
}

// Start subscribes to staging requests when staging is enabled. The
// subscription is untracked: Stop is its only way out.
func (r *AsyncStage) Start() error {
	if !r.enabled {
		logger.Logger.Info().Msg("Staging disabled, not subscribing to " + StagingAsyncSubject)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sid != 0 {
		return ErrAlreadyStarted
	}

	sid, err := r.bus.Subscribe(StagingAsyncSubject, r.Handle,
		nats.Queue(StagingAsyncSubject),
		nats.DoNotTrack(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", StagingAsyncSubject, err)
	}

	r.sid = sid
	metrics.ActiveSubscriptions.Inc()
	logger.WithSubject(StagingAsyncSubject).Info().Msg("Listening for staging requests")
	return nil
}

// Stop drops the staging subscription, if there is one.
func (r *AsyncStage) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sid == 0 {
		return nil
	}

	sid := r.sid
	r.sid = 0
	metrics.ActiveSubscriptions.Dec()

	if err := r.bus.Unsubscribe(sid); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", StagingAsyncSubject, err)
	}
	logger.WithSubject(StagingAsyncSubject).Info().Msg("Stopped listening for staging requests")
	return nil
}

// Handle starts a staging task for msg. Construction and start errors are
// returned to the caller and no reply is sent for them.
func (r *AsyncStage) Handle(msg *nats.Message) error {
	metrics.StagingRequestsTotal.Inc()

	task, err := r.newTask(r.runtime, msg.Data)
	if err != nil {
		return fmt.Errorf("failed to create staging task: %w", err)
	}

	replyTo := msg.ReplyTo
	task.AfterSetup(func(setupErr error) {
		r.reply(replyTo, task, setupErr)
	})

	if err := task.Start(); err != nil {
		return fmt.Errorf("failed to start staging task %s: %w", task.TaskID(), err)
	}

	logger.WithTaskID(task.TaskID()).Info().Str("reply_to", replyTo).Msg("Staging task started")
	return nil
}

func (r *AsyncStage) reply(replyTo string, task staging.Task, setupErr error) {
	resp := StagingReply{
		TaskID:          task.TaskID(),
		StreamingLogURL: task.StreamingLogURL(),
	}
	outcome := metrics.OutcomeSucceeded
	if setupErr != nil {
		desc := setupErr.Error()
		resp.Error = &desc
		outcome = metrics.OutcomeFailed
	}

	log := logger.WithTaskID(resp.TaskID)
	if err := r.bus.Publish(replyTo, resp); err != nil {
		log.Error().Err(err).Str("reply_to", replyTo).Msg("Failed to publish staging reply")
		return
	}

	metrics.StagingRepliesTotal.WithLabelValues(outcome).Inc()
	log.Info().Str("reply_to", replyTo).Str("outcome", outcome).Msg("Staging reply published")
}
