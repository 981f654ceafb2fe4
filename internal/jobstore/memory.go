package jobstore

import (
	"context"
	"sort"
	"supertask/internal/job"
	"sync"
	"time"
)

type memRecord struct {
	def job.Definition
	run job.RunRecord
}

// memoryStore keeps everything in a map. Contents vanish with the process.
type memoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*memRecord
	closed bool
}

// NewMemory returns an empty volatile store.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]*memRecord{}}
}

func (s *memoryStore) Get(ctx context.Context, id string) (job.Definition, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return job.Definition{}, ErrClosed
	}
	r, ok := s.jobs[id]
	if !ok {
		return job.Definition{}, job.NotFound(id)
	}
	return r.def, nil
}

func (s *memoryStore) List(ctx context.Context) ([]job.Definition, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]job.Definition, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, def job.Definition) error {
	_ = ctx
	def, err := validate(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if r, ok := s.jobs[def.ID]; ok {
		r.def = def
		return nil
	}
	s.jobs[def.ID] = &memRecord{
		def: def,
		run: job.RunRecord{JobID: def.ID, LastStatus: job.StatusNone},
	}
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; !ok {
		return job.NotFound(id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) RemoveAll(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.jobs = map[string]*memRecord{}
	return nil
}

func (s *memoryStore) RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r, ok := s.jobs[id]
	if !ok {
		return job.NotFound(id)
	}
	t := at
	r.run.LastRunAt = &t
	r.run.LastStatus = status
	return nil
}

func (s *memoryStore) GetRun(ctx context.Context, id string) (job.RunRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return job.RunRecord{}, ErrClosed
	}
	r, ok := s.jobs[id]
	if !ok {
		return job.RunRecord{}, job.NotFound(id)
	}
	out := r.run
	if out.LastRunAt != nil {
		t := *out.LastRunAt
		out.LastRunAt = &t
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
