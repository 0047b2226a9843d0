package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
)

const (
	DefaultInterval      = 3 * time.Second
	DefaultBackoffFactor = 3.0
	minBackoffFactor     = 2.5
	maxBackoffFactor     = 4.0
)

// JobFetcher - full job read, the only call the engine needs
type JobFetcher interface {
	GetJob(ctx context.Context, jobID string) (*model.GenerationJob, error)
}

// StatusFetcher - optional cheaper read. When the fetcher implements it the
// engine polls the status and only loads the full job when it changed.
type StatusFetcher interface {
	GetJobStatus(ctx context.Context, jobID string) (model.JobStatus, error)
}

// OnChange receives a copy of the job each time its status differs from the
// previous observation.
type OnChange func(job *model.GenerationJob)

// Options - engine tuning
type Options struct {
	// Interval returns the poll interval of a kind. Nil uses DefaultInterval.
	Interval func(kind model.JobKind) time.Duration
	// BackoffFactor multiplies the interval after a failed fetch. Clamped to [2.5, 4].
	BackoffFactor float64
	Logger        zerolog.Logger
}

// Engine - creates job subscriptions
type Engine struct {
	fetcher  JobFetcher
	interval func(model.JobKind) time.Duration
	backoff  float64
	log      zerolog.Logger
}

// NewEngine - polling engine over fetcher
func NewEngine(fetcher JobFetcher, opts Options) *Engine {
	factor := opts.BackoffFactor
	if factor == 0 {
		factor = DefaultBackoffFactor
	}
	factor = min(max(factor, minBackoffFactor), maxBackoffFactor)

	interval := opts.Interval
	if interval == nil {
		interval = func(model.JobKind) time.Duration { return DefaultInterval }
	}

	return &Engine{
		fetcher:  fetcher,
		interval: interval,
		backoff:  factor,
		log:      logger.Component(opts.Logger, "polling"),
	}
}

// Subscription - live polling handle for one job id
type Subscription struct {
	jobID    string
	kind     model.JobKind
	interval time.Duration
	backoff  time.Duration

	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	last model.JobStatus
}

// Subscribe starts polling jobID right away. The returned subscription stops
// on its own at a terminal status; Cancel stops it earlier. Cancelling ctx has
// the same effect as Cancel.
func (e *Engine) Subscribe(ctx context.Context, jobID string, kind model.JobKind, onChange OnChange) *Subscription {
	interval := e.interval(kind)
	if interval <= 0 {
		interval = DefaultInterval
	}

	pollCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		jobID:    jobID,
		kind:     kind,
		interval: interval,
		backoff:  time.Duration(float64(interval) * e.backoff),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.active.Store(true)

	e.log.Debug().Str("job_id", jobID).Str("kind", string(kind)).Dur("interval", interval).Msg("[Polling] subscribed")
	go e.run(pollCtx, s, onChange)
	return s
}

func (e *Engine) run(ctx context.Context, s *Subscription, onChange OnChange) {
	defer close(s.done)
	defer s.cancel()

	// one timer at a time; the next fetch is only scheduled after the previous one returned
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.active.Store(false)
			return
		case <-timer.C:
		}

		job, err := e.fetch(ctx, s)
		if !s.active.Load() || ctx.Err() != nil {
			s.active.Store(false)
			return
		}

		if err != nil {
			e.log.Warn().Err(err).Str("job_id", s.jobID).Dur("retry_in", s.backoff).Msg("[Polling] fetch failed, backing off")
			timer.Reset(s.backoff)
			continue
		}

		if s.observe(job.Status) {
			if !s.active.Load() {
				return
			}
			onChange(job.Clone())
			if !s.active.Load() {
				return
			}
		}

		if job.Status.IsTerminal() {
			e.log.Debug().Str("job_id", s.jobID).Str("status", string(job.Status)).Msg("[Polling] terminal status, stopping")
			s.active.Store(false)
			return
		}
		timer.Reset(s.interval)
	}
}

// fetch reads the job, going through the status-only call first when the
// fetcher supports it. A nil job without error counts as a failed fetch.
func (e *Engine) fetch(ctx context.Context, s *Subscription) (*model.GenerationJob, error) {
	if sf, ok := e.fetcher.(StatusFetcher); ok {
		status, err := sf.GetJobStatus(ctx, s.jobID)
		if err != nil {
			return nil, err
		}
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q for job %s", status, s.jobID)
		}
		if status == s.LastObserved() {
			return &model.GenerationJob{ID: s.jobID, Kind: s.kind, Status: status}, nil
		}
	}

	job, err := e.fetcher.GetJob(ctx, s.jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.New("empty job response")
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q for job %s", job.Status, s.jobID)
	}
	if job.Kind == "" {
		job.Kind = s.kind
	}
	return job, nil
}

// observe records status and reports whether it differs from the previous one.
func (s *Subscription) observe(status model.JobStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == s.last {
		return false
	}
	s.last = status
	return true
}

// Cancel stops polling. Irreversible; a response already in flight is dropped.
// Safe to call from inside the OnChange callback.
func (s *Subscription) Cancel() {
	s.active.Store(false)
	s.cancel()
}

// Active - false once cancelled or after a terminal status
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Done is closed when the polling goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) JobID() string { return s.jobID }

func (s *Subscription) Kind() model.JobKind { return s.kind }

func (s *Subscription) Interval() time.Duration { return s.interval }

// LastObserved - last status seen, empty before the first response
func (s *Subscription) LastObserved() model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
