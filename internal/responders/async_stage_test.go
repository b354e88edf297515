package responders

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wulonghui/dea-ng/internal/config"
	"github.com/wulonghui/dea-ng/internal/db"
	"github.com/wulonghui/dea-ng/internal/nats"
	"github.com/wulonghui/dea-ng/internal/staging"
	"github.com/wulonghui/dea-ng/internal/worker"
)

type subscribeCall struct {
	subject string
	opts    nats.SubscribeOptions
}

// recordingBus is an in-memory bus that remembers how it was used.
type recordingBus struct {
	*nats.MemoryClient

	mu           sync.Mutex
	subscribes   []subscribeCall
	unsubscribes int
}

func newRecordingBus() *recordingBus {
	return &recordingBus{MemoryClient: nats.NewMemoryClient()}
}

func (b *recordingBus) Subscribe(subject string, handler nats.Handler, opts ...nats.SubscribeOption) (nats.SubscriptionID, error) {
	b.mu.Lock()
	b.subscribes = append(b.subscribes, subscribeCall{subject: subject, opts: nats.ApplySubscribeOptions(opts...)})
	b.mu.Unlock()
	return b.MemoryClient.Subscribe(subject, handler, opts...)
}

func (b *recordingBus) Unsubscribe(sid nats.SubscriptionID) error {
	b.mu.Lock()
	b.unsubscribes++
	b.mu.Unlock()
	return b.MemoryClient.Unsubscribe(sid)
}

// collect subscribes to subject and gathers every message published to it.
func (b *recordingBus) collect(t *testing.T, subject string) func() []*nats.Message {
	t.Helper()
	var mu sync.Mutex
	var got []*nats.Message
	if _, err := b.MemoryClient.Subscribe(subject, func(msg *nats.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	return func() []*nats.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]*nats.Message(nil), got...)
	}
}

// fakeTask fires its setup callback from Start, like a task whose setup
// completes immediately.
type fakeTask struct {
	id       string
	logURL   *string
	setupErr error
	startErr error

	afterSetup    func(error)
	started       int
	startedBefore bool
}

func (f *fakeTask) TaskID() string           { return f.id }
func (f *fakeTask) StreamingLogURL() *string { return f.logURL }

func (f *fakeTask) AfterSetup(fn func(error)) {
	if f.started > 0 {
		f.startedBefore = true
	}
	f.afterSetup = fn
}

func (f *fakeTask) Start() error {
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	if f.afterSetup != nil {
		f.afterSetup(f.setupErr)
	}
	return nil
}

type factoryCall struct {
	rt      *staging.Runtime
	payload map[string]interface{}
}

type fakeFactory struct {
	mu    sync.Mutex
	task  *fakeTask
	err   error
	calls []factoryCall
}

func (f *fakeFactory) build(rt *staging.Runtime, payload map[string]interface{}) (staging.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, factoryCall{rt: rt, payload: payload})
	if f.err != nil {
		return nil, f.err
	}
	if f.task == nil {
		return &fakeTask{id: "task-id"}, nil
	}
	return f.task, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func strPtr(s string) *string { return &s }

var (
	stagingEnabled  = config.StagingConfig{Enabled: true}
	stagingDisabled = config.StagingConfig{}
)

func TestStart_StagingDisabled(t *testing.T) {
	bus := newRecordingBus()
	factory := &fakeFactory{}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingDisabled, factory.build)

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	bus.Publish(StagingAsyncSubject, map[string]interface{}{"app_id": "a"})

	if n := factory.callCount(); n != 0 {
		t.Errorf("handled %d messages, want 0", n)
	}
	if len(bus.subscribes) != 0 {
		t.Errorf("subscribe calls = %d, want 0", len(bus.subscribes))
	}
}

func TestStart_StagingEnabled(t *testing.T) {
	bus := newRecordingBus()
	factory := &fakeFactory{}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, factory.build)

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer r.Stop()

	bus.Publish(StagingAsyncSubject, nil)
	if n := factory.callCount(); n != 1 {
		t.Errorf("handled %d messages, want 1", n)
	}
	bus.Publish(StagingAsyncSubject, nil)
	if n := factory.callCount(); n != 2 {
		t.Errorf("handled %d messages, want 2", n)
	}
}

func TestStart_SubscriptionOptions(t *testing.T) {
	bus := newRecordingBus()
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, (&fakeFactory{}).build)

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer r.Stop()

	if len(bus.subscribes) != 1 {
		t.Fatalf("subscribe calls = %d, want 1", len(bus.subscribes))
	}
	call := bus.subscribes[0]
	if call.subject != "staging.async" {
		t.Errorf("subject = %q, want staging.async", call.subject)
	}
	if call.opts.Queue != "staging.async" {
		t.Errorf("queue = %q, want staging.async", call.opts.Queue)
	}
	if !call.opts.DoNotTrack {
		t.Error("subscription should not be tracked by the bus client")
	}
}

func TestStart_Twice(t *testing.T) {
	bus := newRecordingBus()
	factory := &fakeFactory{}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, factory.build)

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if n := bus.SubscriptionCount(StagingAsyncSubject); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}
}

func TestStart_TrackedStopDoesNotRemoveSubscription(t *testing.T) {
	bus := newRecordingBus()
	factory := &fakeFactory{}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, factory.build)

	r.Start()
	defer r.Stop()

	// Releasing the client's tracked subscriptions leaves ours alone.
	bus.MemoryClient.Stop()
	bus.Publish(StagingAsyncSubject, nil)

	if n := factory.callCount(); n != 1 {
		t.Errorf("handled %d messages, want 1", n)
	}
}

func TestStop_AfterSubscription(t *testing.T) {
	bus := newRecordingBus()
	factory := &fakeFactory{}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, factory.build)

	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	bus.Publish(StagingAsyncSubject, nil)
	if n := factory.callCount(); n != 1 {
		t.Fatalf("sanity check: handled %d messages, want 1", n)
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	bus.Publish(StagingAsyncSubject, nil)

	if n := factory.callCount(); n != 1 {
		t.Errorf("handled %d messages after Stop, want 1", n)
	}
	if bus.unsubscribes != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", bus.unsubscribes)
	}

	// A stopped responder may start again.
	if err := r.Start(); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	defer r.Stop()
	bus.Publish(StagingAsyncSubject, nil)
	if n := factory.callCount(); n != 2 {
		t.Errorf("handled %d messages after restart, want 2", n)
	}
}

func TestStop_WithoutSubscription(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.StagingConfig
		start bool
	}{
		{"never started", stagingEnabled, false},
		{"staging disabled", stagingDisabled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newRecordingBus()
			r := NewAsyncStage(bus, &staging.Runtime{}, tt.cfg, (&fakeFactory{}).build)
			if tt.start {
				r.Start()
			}

			if err := r.Stop(); err != nil {
				t.Errorf("Stop error: %v", err)
			}
			if bus.unsubscribes != 0 {
				t.Errorf("unsubscribe calls = %d, want 0", bus.unsubscribes)
			}
		})
	}
}

func TestHandle_StartsStagingTask(t *testing.T) {
	bus := newRecordingBus()
	rt := &staging.Runtime{DirectoryServer: "http://dea"}
	task := &fakeTask{id: "task-id"}
	factory := &fakeFactory{task: task}
	r := NewAsyncStage(bus, rt, stagingEnabled, factory.build)

	payload := map[string]interface{}{"something": "value"}
	msg := &nats.Message{Subject: StagingAsyncSubject, Data: payload, ReplyTo: "respond-to"}
	if err := r.Handle(msg); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	if len(factory.calls) != 1 {
		t.Fatalf("factory calls = %d, want 1", len(factory.calls))
	}
	if factory.calls[0].rt != rt {
		t.Error("task must be built with the responder's runtime")
	}
	if !reflect.DeepEqual(factory.calls[0].payload, payload) {
		t.Errorf("payload = %v, want %v", factory.calls[0].payload, payload)
	}
	if task.started != 1 {
		t.Errorf("task started %d times, want 1", task.started)
	}
	if task.startedBefore {
		t.Error("setup callback must be registered before the task starts")
	}
}

func TestHandle_SetupSucceeds(t *testing.T) {
	bus := newRecordingBus()
	replies := bus.collect(t, "respond-to")
	task := &fakeTask{id: "task-id", logURL: strPtr("streaming-log-url")}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, (&fakeFactory{task: task}).build)

	msg := &nats.Message{Data: map[string]interface{}{"something": "value"}, ReplyTo: "respond-to"}
	if err := r.Handle(msg); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	got := replies()
	if len(got) != 1 {
		t.Fatalf("replies = %d, want 1", len(got))
	}
	want := map[string]interface{}{
		"task_id":           "task-id",
		"streaming_log_url": "streaming-log-url",
		"error":             nil,
	}
	if !reflect.DeepEqual(got[0].Data, want) {
		t.Errorf("reply = %v, want %v", got[0].Data, want)
	}
}

func TestHandle_SetupFails(t *testing.T) {
	bus := newRecordingBus()
	replies := bus.collect(t, "respond-to")
	task := &fakeTask{id: "task-id", setupErr: errors.New("error-description")}
	r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, (&fakeFactory{task: task}).build)

	msg := &nats.Message{Data: map[string]interface{}{"something": "value"}, ReplyTo: "respond-to"}
	if err := r.Handle(msg); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	got := replies()
	if len(got) != 1 {
		t.Fatalf("replies = %d, want 1", len(got))
	}
	want := map[string]interface{}{
		"task_id":           "task-id",
		"streaming_log_url": nil,
		"error":             "error-description",
	}
	if !reflect.DeepEqual(got[0].Data, want) {
		t.Errorf("reply = %v, want %v", got[0].Data, want)
	}
}

func TestHandle_ConstructionOrStartFails(t *testing.T) {
	tests := []struct {
		name    string
		factory *fakeFactory
	}{
		{"factory error", &fakeFactory{err: staging.ErrInvalidRequest}},
		{"start error", &fakeFactory{task: &fakeTask{id: "task-id", startErr: worker.ErrPoolStopped}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newRecordingBus()
			replies := bus.collect(t, "respond-to")
			r := NewAsyncStage(bus, &staging.Runtime{}, stagingEnabled, tt.factory.build)

			err := r.Handle(&nats.Message{Data: map[string]interface{}{}, ReplyTo: "respond-to"})
			if err == nil {
				t.Fatal("Handle should return the error")
			}
			if n := len(replies()); n != 0 {
				t.Errorf("replies = %d, want 0", n)
			}
		})
	}
}

func TestHandle_EndToEnd(t *testing.T) {
	bus := newRecordingBus()
	defer bus.Close()

	pool := worker.NewPool(2, 8)
	pool.Start()
	defer pool.Stop()

	rt := &staging.Runtime{
		Manager:         staging.NewManager(db.NewMemoryStore(), nil),
		Pool:            pool,
		Provisioner:     staging.NewLocalProvisioner(t.TempDir()),
		DirectoryServer: "http://dea.example.com",
	}
	r := NewAsyncStage(bus, rt, stagingEnabled, nil)
	if err := r.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer r.Stop()

	reply, err := bus.Request(StagingAsyncSubject, map[string]interface{}{"app_id": "app-1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}

	taskID, _ := reply.Data["task_id"].(string)
	if taskID == "" {
		t.Fatalf("reply missing task_id: %v", reply.Data)
	}
	if reply.Data["error"] != nil {
		t.Errorf("error = %v, want nil", reply.Data["error"])
	}
	logURL, _ := reply.Data["streaming_log_url"].(string)
	want := "http://dea.example.com/staging_tasks/" + taskID + "/file_path?path=logs%2Fstaging_task.log"
	if logURL != want {
		t.Errorf("streaming_log_url = %q, want %q", logURL, want)
	}
}
