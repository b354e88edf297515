package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const stagingLogPath = "logs/staging_task.log"

var ErrInvalidPath = errors.New("invalid workspace path")

// Workspace is a prepared staging container.
type Workspace struct {
	Dir string
	// LogPath is the staging log, relative to Dir.
	LogPath string
}

// Provisioner prepares staging containers and runs staging inside them.
type Provisioner interface {
	Setup(ctx context.Context, taskID string, payload map[string]interface{}) (*Workspace, error)
	Stage(ctx context.Context, ws *Workspace, payload map[string]interface{}) error
}

// LocalProvisioner uses a directory per task under BaseDir/staging as the
// container and records staging progress in its log file.
type LocalProvisioner struct {
	BaseDir string
}

func NewLocalProvisioner(baseDir string) *LocalProvisioner {
	return &LocalProvisioner{BaseDir: baseDir}
}

func (p *LocalProvisioner) taskDir(taskID string) string {
	return filepath.Join(p.BaseDir, "staging", taskID)
}

func (p *LocalProvisioner) Setup(ctx context.Context, taskID string, _ map[string]interface{}) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("staging container setup aborted: %w", err)
	}

	ws := &Workspace{Dir: p.taskDir(taskID), LogPath: stagingLogPath}
	logFile := filepath.Join(ws.Dir, ws.LogPath)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging container: %w", err)
	}
	if err := appendLog(logFile, "----> Staging container ready"); err != nil {
		return nil, err
	}
	return ws, nil
}

func (p *LocalProvisioner) Stage(ctx context.Context, ws *Workspace, payload map[string]interface{}) error {
	logFile := filepath.Join(ws.Dir, ws.LogPath)

	steps := []string{"----> Downloading application package"}
	if uri, ok := payload["download_uri"].(string); ok && uri != "" {
		steps[0] += " from " + uri
	}
	if bp, ok := payload["buildpack"].(string); ok && bp != "" {
		steps = append(steps, "----> Using buildpack "+bp)
	} else {
		steps = append(steps, "----> Detecting buildpack")
	}
	steps = append(steps, "----> Packaging droplet")
	if uri, ok := payload["upload_uri"].(string); ok && uri != "" {
		steps = append(steps, "----> Uploading droplet to "+uri)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			appendLog(logFile, "----> Staging aborted")
			return fmt.Errorf("staging aborted: %w", err)
		}
		if err := appendLog(logFile, step); err != nil {
			return err
		}
	}
	return appendLog(logFile, "----> Staging complete")
}

// ResolvePath maps a path relative to a task's workspace onto the local
// filesystem, refusing anything that escapes the workspace.
func (p *LocalProvisioner) ResolvePath(taskID, rel string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", ErrInvalidPath
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrInvalidPath
	}
	root := p.taskDir(taskID)
	full := filepath.Join(root, filepath.Clean("/"+rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}

func appendLog(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open staging log: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line); err != nil {
		return fmt.Errorf("failed to write staging log: %w", err)
	}
	return nil
}
