package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wulonghui/dea-ng/internal/interfaces"
	"github.com/wulonghui/dea-ng/internal/logger"
	"github.com/wulonghui/dea-ng/internal/websocket"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// TaskReader is the read side of the staging manager
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*interfaces.TaskRecord, error)
	ListTasks(ctx context.Context) ([]*interfaces.TaskRecord, error)
	Ping(ctx context.Context) error
}

// FileResolver maps a path inside a task's workspace to a local file
type FileResolver interface {
	ResolvePath(taskID, rel string) (string, error)
}

// Deps are the collaborators the HTTP routes read from
type Deps struct {
	Tasks TaskReader
	Files FileResolver
	Hub   *websocket.Hub
	Bus   BusStatus
}

func AddRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /staging_tasks", correlationMiddleware(handleListTasks(deps.Tasks)))
	mux.HandleFunc("GET /staging_tasks/{id}", correlationMiddleware(handleGetTask(deps.Tasks)))
	mux.HandleFunc("GET /staging_tasks/{id}/file_path", correlationMiddleware(handleTaskFile(deps.Tasks, deps.Files)))
	if deps.Hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.HandleWebSocket(deps.Hub, w, r)
		})
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", HandleHealth)
	mux.HandleFunc("GET /health/ready", HandleReadiness(deps.Tasks, deps.Bus))
	mux.HandleFunc("GET /health/live", HandleLiveness)
}

func correlationMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next(w, r.WithContext(ctx))
	}
}

func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func handleListTasks(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithCorrelationID(getCorrelationID(r.Context()))

		records, err := tasks.ListTasks(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to list staging tasks")
			http.Error(w, "Failed to retrieve staging tasks", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []*interfaces.TaskRecord{}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"staging_tasks": records,
			"count":         len(records),
		})
	}
}

func handleGetTask(tasks TaskReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		log := logger.WithCorrelationID(getCorrelationID(r.Context()))

		rec, err := tasks.GetTask(r.Context(), id)
		if err != nil {
			if errors.Is(err, interfaces.ErrTaskNotFound) {
				http.Error(w, "Staging task not found", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Str("task_id", id).Msg("Failed to get staging task")
			http.Error(w, "Failed to retrieve staging task", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, rec)
	}
}

// handleTaskFile serves a file from a task's workspace; it backs the
// streaming log URL handed out in staging replies.
func handleTaskFile(tasks TaskReader, files FileResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		log := logger.WithCorrelationID(getCorrelationID(r.Context()))

		if _, err := tasks.GetTask(r.Context(), id); err != nil {
			if errors.Is(err, interfaces.ErrTaskNotFound) {
				http.Error(w, "Staging task not found", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Str("task_id", id).Msg("Failed to get staging task")
			http.Error(w, "Failed to retrieve staging task", http.StatusInternalServerError)
			return
		}

		path, err := files.ResolvePath(id, r.URL.Query().Get("path"))
		if err != nil {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.Error(w, "File not found", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Str("task_id", id).Msg("Failed to open task file")
			http.Error(w, "Failed to open file", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("Failed to stream task file")
		}
	}
}
