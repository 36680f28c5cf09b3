// Package registry holds the authoritative in-memory state of simulation
// runs: run records, their log streams, metric streams and artifacts.
//
// All mutations are serialised by a single lock. Readers always receive
// copies, so a snapshot never observes a partially applied mutation. Log
// entry ids come from one process-wide counter and are never reused, even
// across runs.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/montylab/simorch/internal/domain"
)

var (
	ErrNotFound          = errors.New("run not found")
	ErrAlreadyExists     = errors.New("run already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type record struct {
	run     domain.Run
	logs    []domain.LogEntry
	metrics []domain.MetricPoint
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
	nextLog int64
	now     func() time.Time
}

func New() *Store {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

func NewWithClock(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		records: make(map[string]*record),
		nextLog: 1,
		now:     now,
	}
}

func (s *Store) Create(run domain.Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, run.ID)
	}
	s.records[run.ID] = &record{
		run:     run.Clone(),
		logs:    []domain.LogEntry{},
		metrics: []domain.MetricPoint{},
	}
	s.order = append(s.order, run.ID)
	return nil
}

func (s *Store) Get(id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.run.Clone(), nil
}

// List returns runs in insertion order.
func (s *Store) List() []domain.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Run, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].run.Clone())
	}
	return out
}

func (s *Store) AppendLog(id string, level domain.LogLevel, message string) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.LogEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.appendLogLocked(rec, level, message), nil
}

func (s *Store) AppendMetric(id string, point domain.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.metrics = append(rec.metrics, point)
	return nil
}

func (s *Store) AppendArtifact(id string, artifact domain.Artifact) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.run.Artifacts = append(rec.run.Artifacts, artifact)
	return rec.run.Clone(), nil
}

func (s *Store) UpdateStatus(id string, to domain.Status) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkTransition(rec.run.Status, to); err != nil {
		return domain.Run{}, err
	}
	rec.run.Status = to
	return rec.run.Clone(), nil
}

// Transition changes the status and appends the entry describing it as one
// atomic unit. On error neither is applied.
func (s *Store) Transition(id string, to domain.Status, level domain.LogLevel, message string) (domain.Run, domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Run{}, domain.LogEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := checkTransition(rec.run.Status, to); err != nil {
		return domain.Run{}, domain.LogEntry{}, err
	}
	rec.run.Status = to
	entry := s.appendLogLocked(rec, level, message)
	return rec.run.Clone(), entry, nil
}

func (s *Store) Logs(id string) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]domain.LogEntry, len(rec.logs))
	copy(out, rec.logs)
	return out, nil
}

func (s *Store) Metrics(id string) ([]domain.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]domain.MetricPoint, len(rec.metrics))
	copy(out, rec.metrics)
	return out, nil
}

// Len returns the number of known runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) appendLogLocked(rec *record, level domain.LogLevel, message string) domain.LogEntry {
	entry := domain.LogEntry{
		ID:        s.nextLog,
		RunID:     rec.run.ID,
		Timestamp: s.now(),
		Level:     level,
		Message:   message,
	}
	s.nextLog++
	rec.logs = append(rec.logs, entry)
	return entry
}

func checkTransition(from, to domain.Status) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
