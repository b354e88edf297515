package staging

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wulonghui/dea-ng/internal/db"
	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/worker"
)

type fakeProvisioner struct {
	setupErr error
	stageErr error
	staged   chan struct{}
}

func (p *fakeProvisioner) Setup(_ context.Context, taskID string, _ map[string]interface{}) (*Workspace, error) {
	if p.setupErr != nil {
		return nil, p.setupErr
	}
	return &Workspace{Dir: "/tmp/" + taskID, LogPath: "logs/staging_task.log"}, nil
}

func (p *fakeProvisioner) Stage(context.Context, *Workspace, map[string]interface{}) error {
	if p.staged != nil {
		defer close(p.staged)
	}
	return p.stageErr
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []interfaces.TaskStatus
}

func (n *recordingNotifier) NotifyTaskUpdate(rec *interfaces.TaskRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, rec.Status)
}

func (n *recordingNotifier) seen() []interfaces.TaskStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]interfaces.TaskStatus(nil), n.statuses...)
}

func newRuntime(t *testing.T, prov Provisioner, notifier Notifier) (*Runtime, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	pool := worker.NewPool(2, 8)
	pool.Start()
	t.Cleanup(pool.Stop)

	return &Runtime{
		Manager:         NewManager(store, notifier),
		Pool:            pool,
		Provisioner:     prov,
		DirectoryServer: "http://dea.example.com:8080",
	}, store
}

func waitSetup(t *testing.T, task Task) error {
	t.Helper()
	outcome := make(chan error, 1)
	task.AfterSetup(func(err error) { outcome <- err })
	select {
	case err := <-outcome:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for setup")
		return nil
	}
}

func TestNewTask_RequiresAppID(t *testing.T) {
	rt, _ := newRuntime(t, &fakeProvisioner{}, nil)

	for _, payload := range []map[string]interface{}{nil, {}, {"app_id": 42}, {"app_id": ""}} {
		if _, err := NewTask(rt, payload); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("NewTask(%v) = %v, want ErrInvalidRequest", payload, err)
		}
	}

	if _, err := NewTask(nil, map[string]interface{}{"app_id": "a"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("NewTask(nil runtime) = %v, want ErrInvalidRequest", err)
	}
}

func TestStagingTask_SetupSucceeds(t *testing.T) {
	prov := &fakeProvisioner{staged: make(chan struct{})}
	notifier := &recordingNotifier{}
	rt, store := newRuntime(t, prov, notifier)

	task, err := NewTask(rt, map[string]interface{}{"app_id": "app-1"})
	if err != nil {
		t.Fatalf("NewTask error: %v", err)
	}
	if task.StreamingLogURL() != nil {
		t.Error("streaming log URL must be nil before setup")
	}
	if err := task.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if err := waitSetup(t, task); err != nil {
		t.Fatalf("setup error: %v", err)
	}

	logURL := task.StreamingLogURL()
	if logURL == nil {
		t.Fatal("streaming log URL should be set after setup")
	}
	u, err := url.Parse(*logURL)
	if err != nil {
		t.Fatalf("invalid streaming log URL %q: %v", *logURL, err)
	}
	if u.Host != "dea.example.com:8080" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/staging_tasks/"+task.TaskID()+"/file_path" {
		t.Errorf("path = %q", u.Path)
	}
	if u.Query().Get("path") != "logs/staging_task.log" {
		t.Errorf("path query = %q", u.Query().Get("path"))
	}

	<-prov.staged
	deadline := time.Now().Add(2 * time.Second)
	for len(notifier.seen()) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("notified statuses = %v, want 4 updates", notifier.seen())
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, err := store.GetTask(context.Background(), task.TaskID())
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if rec.Status != interfaces.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.StreamingLogURL != *logURL {
		t.Errorf("stored log URL = %q, want %q", rec.StreamingLogURL, *logURL)
	}

	got := notifier.seen()
	want := []interfaces.TaskStatus{
		interfaces.StatusPending, interfaces.StatusSettingUp,
		interfaces.StatusStaging, interfaces.StatusCompleted,
	}
	if strings.Join(statusStrings(got), ",") != strings.Join(statusStrings(want), ",") {
		t.Errorf("notified statuses = %v, want %v", got, want)
	}
}

func statusStrings(in []interfaces.TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func TestStagingTask_SetupFails(t *testing.T) {
	rt, store := newRuntime(t, &fakeProvisioner{setupErr: errors.New("error-description")}, nil)

	task, _ := NewTask(rt, map[string]interface{}{"app_id": "app-1"})
	if err := task.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := waitSetup(t, task)
	if err == nil || err.Error() != "error-description" {
		t.Fatalf("setup error = %v, want error-description", err)
	}
	if task.StreamingLogURL() != nil {
		t.Error("streaming log URL must stay nil when setup fails")
	}

	rec, _ := store.GetTask(context.Background(), task.TaskID())
	if rec.Status != interfaces.StatusFailed || rec.Error != "error-description" {
		t.Errorf("record = %+v, want failed with error-description", rec)
	}
}

func TestStagingTask_StartTwice(t *testing.T) {
	rt, _ := newRuntime(t, &fakeProvisioner{}, nil)

	task, _ := NewTask(rt, map[string]interface{}{"app_id": "app-1"})
	if err := task.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := task.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStagingTask_StartOnStoppedPool(t *testing.T) {
	rt, store := newRuntime(t, &fakeProvisioner{}, nil)
	pool := worker.NewPool(1, 1)
	pool.Stop()
	rt.Pool = pool

	task, _ := NewTask(rt, map[string]interface{}{"app_id": "app-1"})
	if err := task.Start(); !errors.Is(err, worker.ErrPoolStopped) {
		t.Fatalf("Start = %v, want ErrPoolStopped", err)
	}

	rec, _ := store.GetTask(context.Background(), task.TaskID())
	if rec.Status != interfaces.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestLocalProvisioner(t *testing.T) {
	base := t.TempDir()
	prov := NewLocalProvisioner(base)
	ctx := context.Background()

	ws, err := prov.Setup(ctx, "task-1", nil)
	if err != nil {
		t.Fatalf("Setup error: %v", err)
	}
	payload := map[string]interface{}{
		"download_uri": "http://cc/app.zip",
		"upload_uri":   "http://cc/droplet",
	}
	if err := prov.Stage(ctx, ws, payload); err != nil {
		t.Fatalf("Stage error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, "staging", "task-1", "logs", "staging_task.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	for _, want := range []string{"Staging container ready", "http://cc/app.zip", "Detecting buildpack", "http://cc/droplet", "Staging complete"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := prov.Setup(cancelled, "task-2", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Setup with cancelled ctx = %v, want Canceled", err)
	}
}

func TestLocalProvisioner_ResolvePath(t *testing.T) {
	prov := NewLocalProvisioner("/var/dea")

	got, err := prov.ResolvePath("task-1", "logs/staging_task.log")
	if err != nil {
		t.Fatalf("ResolvePath error: %v", err)
	}
	if got != filepath.Join("/var/dea", "staging", "task-1", "logs", "staging_task.log") {
		t.Errorf("ResolvePath = %q", got)
	}

	got, err = prov.ResolvePath("task-1", "../../etc/passwd")
	if err != nil {
		t.Fatalf("ResolvePath error: %v", err)
	}
	if !strings.HasPrefix(got, filepath.Join("/var/dea", "staging", "task-1")) {
		t.Errorf("traversal escaped workspace: %q", got)
	}

	for _, tc := range []struct{ id, rel string }{
		{"", "logs"},
		{"..", "logs"},
		{"a/b", "logs"},
		{"task-1", ""},
		{"task-1", "/etc/passwd"},
	} {
		if _, err := prov.ResolvePath(tc.id, tc.rel); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("ResolvePath(%q, %q) = %v, want ErrInvalidPath", tc.id, tc.rel, err)
		}
	}
}
