package jobcache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
)

// EventType - what happened to a cached job
type EventType string

const (
	EventUpsert EventType = "upsert"
	EventInsert EventType = "insert"
	EventRemove EventType = "remove"
)

// Event - change notification. Job is nil for EventRemove.
type Event struct {
	Type  EventType           `json:"type"`
	JobID string              `json:"job_id"`
	Job   *model.GenerationJob `json:"job,omitempty"`
}

// Source - authoritative reads used by Load and RefreshList
type Source interface {
	GetJob(ctx context.Context, jobID string) (*model.GenerationJob, error)
	ListJobs(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error)
}

type listener struct {
	jobID string
	fn    func(Event)
}

// Store - local mirror of generation jobs. Jobs live once in a map keyed by id;
// the per-kind lists only hold ids, so a list entry can never differ from the
// single-item entry. Listeners run synchronously after the write and must not
// write to the store.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*model.GenerationJob
	lists map[model.JobKind][]string

	// serializes write+notify so listeners see events in write order
	notifyMu  sync.Mutex
	listeners map[int]listener
	nextID    int

	source Source
	group  singleflight.Group
	log    zerolog.Logger
}

// New - empty store. source may be nil when read-through is not needed.
func New(source Source, log zerolog.Logger) *Store {
	return &Store{
		jobs:      make(map[string]*model.GenerationJob),
		lists:     make(map[model.JobKind][]string),
		listeners: make(map[int]listener),
		source:    source,
		log:       logger.Component(log, "jobcache"),
	}
}

// Upsert writes the single-item entry. A job already in its kind list keeps
// its position; a job that is not listed is not added. Returns false when the
// update is rejected because its status would regress.
func (s *Store) Upsert(job *model.GenerationJob) bool {
	if job == nil || job.ID == "" {
		return false
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	stored, ok := s.write(job)
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("[JobCache] stale update ignored")
		return false
	}

	s.notify(Event{Type: EventUpsert, JobID: job.ID, Job: stored})
	return true
}

// InsertAtHead writes the job and moves it to the front of its kind list.
// Used for the optimistic insert right after creation.
func (s *Store) InsertAtHead(job *model.GenerationJob) bool {
	if job == nil || job.ID == "" {
		return false
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	stored, ok := s.write(job)
	if ok {
		s.unlist(job.ID)
		s.lists[stored.Kind] = slices.Insert(s.lists[stored.Kind], 0, job.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.notify(Event{Type: EventInsert, JobID: job.ID, Job: stored})
	return true
}

// write stores a copy of job unless its status ranks below the cached one.
// Caller holds mu.
func (s *Store) write(job *model.GenerationJob) (*model.GenerationJob, bool) {
	next := job.Clone()
	next.Normalize()

	if cur, ok := s.jobs[next.ID]; ok {
		if next.Status.Rank() < cur.Status.Rank() {
			return nil, false
		}
		// a terminal status is final
		if cur.Status.IsTerminal() && next.Status != cur.Status {
			return nil, false
		}
		if next.Kind == "" {
			next.Kind = cur.Kind
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = cur.CreatedAt
		}
		if next.Kind != cur.Kind {
			s.unlist(next.ID)
		}
	}

	s.jobs[next.ID] = next
	return next.Clone(), true
}

// unlist removes id from every kind list. Caller holds mu.
func (s *Store) unlist(id string) {
	for kind, ids := range s.lists {
		if i := slices.Index(ids, id); i >= 0 {
			s.lists[kind] = slices.Delete(ids, i, i+1)
		}
	}
}

// Get - copy of the cached job, nil when absent
func (s *Store) Get(jobID string) *model.GenerationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[jobID].Clone()
}

// List - copies of the kind's jobs, newest first
func (s *Store) List(kind model.JobKind) []*model.GenerationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.lists[kind]
	out := make([]*model.GenerationJob, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			out = append(out, job.Clone())
		}
	}
	return out
}

// Remove deletes the job from the map and from every list.
func (s *Store) Remove(jobID string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.unlist(jobID)
	s.mu.Unlock()

	if ok {
		s.notify(Event{Type: EventRemove, JobID: jobID})
	}
}

// Load - read-through get. Concurrent misses for the same id share one fetch.
func (s *Store) Load(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	if job := s.Get(jobID); job != nil {
		return job, nil
	}
	if s.source == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}

	_, err, _ := s.group.Do("job:"+jobID, func() (interface{}, error) {
		if s.Get(jobID) != nil {
			return nil, nil
		}
		job, err := s.source.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		s.Upsert(job)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if job := s.Get(jobID); job != nil {
		return job, nil
	}
	return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
}

// RefreshList replaces the kind list with the repository's. Cached entries
// that are further along than the fetched rows are kept.
func (s *Store) RefreshList(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error) {
	if s.source == nil {
		return s.List(kind), nil
	}

	_, err, _ := s.group.Do("list:"+string(kind), func() (interface{}, error) {
		jobs, err := s.source.ListJobs(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh %s jobs: %w", kind, err)
		}
		slices.SortStableFunc(jobs, func(a, b *model.GenerationJob) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})

		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()

		var events []Event
		s.mu.Lock()
		ids := make([]string, 0, len(jobs))
		for _, job := range jobs {
			if job == nil || job.ID == "" || job.Kind != kind {
				continue
			}
			if stored, ok := s.write(job); ok {
				events = append(events, Event{Type: EventUpsert, JobID: job.ID, Job: stored})
			}
			ids = append(ids, job.ID)
		}
		s.lists[kind] = ids
		s.mu.Unlock()

		for _, ev := range events {
			s.notify(ev)
		}
		s.log.Debug().Str("kind", string(kind)).Int("count", len(ids)).Msg("[JobCache] list refreshed")
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return s.List(kind), nil
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (s *Store) Subscribe(fn func(Event)) func() {
	return s.addListener("", fn)
}

// Watch registers fn for changes to one job id.
func (s *Store) Watch(jobID string, fn func(Event)) func() {
	return s.addListener(jobID, fn)
}

func (s *Store) addListener(jobID string, fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{jobID: jobID, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	targets := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		if l.jobID == "" || l.jobID == ev.JobID {
			targets = append(targets, l.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		e := ev
		e.Job = ev.Job.Clone()
		fn(e)
	}
}
