package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wulonghui/dea-ng/internal/interfaces"
)

// MemoryStore keeps staging task records in process memory. It is used when
// no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*interfaces.TaskRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*interfaces.TaskRecord)}
}

func (s *MemoryStore) CreateTask(_ context.Context, rec *interfaces.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("failed to create staging task: duplicate id %s", rec.ID)
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*interfaces.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("staging task %s: %w", id, interfaces.ErrTaskNotFound)
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, rec *interfaces.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("staging task %s: %w", rec.ID, interfaces.ErrTaskNotFound)
	}
	rec.UpdatedAt = time.Now()
	existing.Status = rec.Status
	existing.StreamingLogURL = rec.StreamingLogURL
	existing.Error = rec.Error
	existing.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]*interfaces.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*interfaces.TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("staging task %s: %w", id, interfaces.ErrTaskNotFound)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func copyRecord(rec *interfaces.TaskRecord) *interfaces.TaskRecord {
	c := *rec
	if rec.Payload != nil {
		c.Payload = append([]byte(nil), rec.Payload...)
	}
	return &c
}
