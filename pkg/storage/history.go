// SPDX-License-Identifier: Apache-2.0

// Package storage persists task history.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bodhya/bodhya/pkg/core"
	"github.com/bodhya/bodhya/pkg/errors"
)

// TaskRecord is one task run in history.
type TaskRecord struct {
	TaskID      string          `json:"task_id"`
	Domain      string          `json:"domain"`
	Description string          `json:"description"`
	AgentID     string          `json:"agent_id"`
	Status      core.TaskStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Iterations  int             `json:"iterations"`
	DurationMS  int64           `json:"duration_ms"`
}

// HistoryFilter limits List queries. Zero fields match everything.
type HistoryFilter struct {
	Domain string
	Status core.TaskStatus
	Limit  int
}

func (f HistoryFilter) match(r TaskRecord) bool {
	if f.Domain != "" && !strings.EqualFold(f.Domain, r.Domain) {
		return false
	}
	return f.Status == "" || f.Status == r.Status
}

// DomainStats aggregates history for one domain.
type DomainStats struct {
	Domain        string  `json:"domain"`
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AvgIterations float64 `json:"avg_iterations"`
}

// SuccessRate returns Completed/Total, or 0 with no tasks.
func (s DomainStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// HistoryStore persists task records.
type HistoryStore interface {
	// Save inserts or replaces the record with the same task id.
	Save(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, taskID string) (*TaskRecord, error)
	// List returns records newest first.
	List(ctx context.Context, filter HistoryFilter) ([]TaskRecord, error)
	DomainStats(ctx context.Context, domain string) (DomainStats, error)
	Close() error
}

// MemoryHistoryStore keeps history in memory.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	records map[string]TaskRecord
	order   map[string]int
	seq     int
}

// NewMemoryHistoryStore returns an empty in-memory store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{records: map[string]TaskRecord{}, order: map[string]int{}}
}

// Save upserts a record.
func (s *MemoryHistoryStore) Save(_ context.Context, rec TaskRecord) error {
	if rec.TaskID == "" {
		return errors.Newf(errors.CodeInvalidInput, "task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.order[rec.TaskID]; !ok {
		s.seq++
		s.order[rec.TaskID] = s.seq
	}
	s.records[rec.TaskID] = normalizeRecord(rec)
	return nil
}

// Get returns the record for a task.
func (s *MemoryHistoryStore) Get(_ context.Context, taskID string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "task %q not found in history", taskID)
	}
	return &rec, nil
}

// List returns matching records, newest first.
func (s *MemoryHistoryStore) List(_ context.Context, filter HistoryFilter) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return s.order[out[i].TaskID] > s.order[out[j].TaskID]
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DomainStats aggregates the records of a domain.
func (s *MemoryHistoryStore) DomainStats(_ context.Context, domain string) (DomainStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := DomainStats{Domain: domain}
	iterations := 0
	for _, rec := range s.records {
		if !strings.EqualFold(rec.Domain, domain) {
			continue
		}
		stats.Total++
		iterations += rec.Iterations
		switch rec.Status {
		case core.TaskStatusCompleted:
			stats.Completed++
		case core.TaskStatusFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.AvgIterations = float64(iterations) / float64(stats.Total)
	}
	return stats, nil
}

// Close is a no-op.
func (s *MemoryHistoryStore) Close() error { return nil }

// normalizeRecord stores timestamps in UTC.
func normalizeRecord(rec TaskRecord) TaskRecord {
	if !rec.StartedAt.IsZero() {
		rec.StartedAt = rec.StartedAt.UTC()
	}
	if !rec.CompletedAt.IsZero() {
		rec.CompletedAt = rec.CompletedAt.UTC()
	}
	return rec
}

var (
	_ HistoryStore = (*MemoryHistoryStore)(nil)
	_ HistoryStore = (*SQLiteHistoryStore)(nil)
)
