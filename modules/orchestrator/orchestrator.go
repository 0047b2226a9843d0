package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/jobcache"
	"quel-tryon-client/modules/polling"
	"quel-tryon-client/modules/result"
	"quel-tryon-client/modules/workflow"
)

const sideEffectTimeout = 10 * time.Second

// Repository - remote job store
type Repository interface {
	CreateJob(ctx context.Context, kind model.JobKind, input interface{}) (*model.GenerationJob, error)
	GetJob(ctx context.Context, jobID string) (*model.GenerationJob, error)
	ListJobs(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error)
	RetryJob(ctx context.Context, jobID string) (*model.GenerationJob, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Registry - persisted in-flight jobs, see activejobs.Registry
type Registry interface {
	Add(ctx context.Context, jobID string, kind model.JobKind, status model.JobStatus) error
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]model.ActiveJobEntry, error)
}

type Deps struct {
	Repository   Repository
	Sessions     *workflow.Manager
	SessionStore workflow.Store
	Engine       *polling.Engine
	Cache        *jobcache.Store
	Registry     Registry
	Result       *result.Controller
	Logger       zerolog.Logger
}

// Orchestrator - submit, track and clean up generation jobs
type Orchestrator struct {
	deps Deps
	ctx  context.Context
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*polling.Subscription
}

// New - ctx bounds every subscription the orchestrator starts
func New(ctx context.Context, deps Deps) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		ctx:  ctx,
		log:  logger.Component(deps.Logger, "orchestrator"),
		subs: make(map[string]*polling.Subscription),
	}
}

func (o *Orchestrator) Sessions() *workflow.Manager { return o.deps.Sessions }

func (o *Orchestrator) Cache() *jobcache.Store { return o.deps.Cache }

func (o *Orchestrator) Result() *result.Controller { return o.deps.Result }

// Submit validates the active draft locally, creates the job and starts
// tracking it. Validation failures return *workflow.ValidationError without a
// network call; create errors are returned unchanged.
func (o *Orchestrator) Submit(ctx context.Context) (*model.GenerationJob, error) {
	sessions := o.deps.Sessions
	kind := sessions.ActiveKind()
	if err := sessions.Validate(kind); err != nil {
		return nil, err
	}
	draft, err := sessions.Session(kind)
	if err != nil {
		return nil, err
	}

	job, err := o.deps.Repository.CreateJob(ctx, kind, draft.Payload)
	if err != nil {
		o.log.Error().Err(err).Str("kind", string(kind)).Msg("[Orchestrator] create failed")
		return nil, err
	}
	if job.Kind == "" {
		job.Kind = kind
	}
	o.log.Info().Str("job_id", job.ID).Str("kind", string(kind)).Msg("[Orchestrator] job submitted")

	o.deps.Cache.InsertAtHead(job)
	if err := o.deps.Registry.Add(ctx, job.ID, job.Kind, job.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Orchestrator] active job not recorded")
	}

	sessions.Reset(kind)
	o.SaveSessions(ctx)

	sub := o.Watch(job.ID, job.Kind)
	o.deps.Result.Attach(job.ID, job.Kind, sub)
	return o.deps.Cache.Get(job.ID), nil
}

// Watch returns the live subscription for jobID, starting one if there is
// none or the previous one has stopped.
func (o *Orchestrator) Watch(jobID string, kind model.JobKind) *polling.Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sub, ok := o.subs[jobID]; ok && sub.Active() {
		return sub
	}
	sub := o.deps.Engine.Subscribe(o.ctx, jobID, kind, o.onChange)
	o.subs[jobID] = sub
	return sub
}

func (o *Orchestrator) onChange(job *model.GenerationJob) {
	if !o.deps.Cache.Upsert(job) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if job.Status.IsTerminal() {
		o.mu.Lock()
		delete(o.subs, job.ID)
		o.mu.Unlock()
		if err := o.deps.Registry.Remove(ctx, job.ID); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Orchestrator] active job not removed")
		}
		o.log.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("[Orchestrator] job finished")
		return
	}
	if err := o.deps.Registry.UpdateStatus(ctx, job.ID, job.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Orchestrator] active job status not updated")
	}
}

// Resume restarts polling for jobs that were in flight before a restart. The
// newest one is attached to the result controller when it is idle.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	entries, err := o.deps.Registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resume active jobs: %w", err)
	}

	var (
		newest    *model.ActiveJobEntry
		newestSub *polling.Subscription
	)
	for i := range entries {
		e := entries[i]
		o.deps.Cache.InsertAtHead(&model.GenerationJob{
			ID:        e.JobID,
			Kind:      e.Kind,
			Status:    e.Status,
			CreatedAt: e.Timestamp,
		})
		sub := o.Watch(e.JobID, e.Kind)
		if newest == nil || e.Timestamp.After(newest.Timestamp) {
			newest, newestSub = &e, sub
		}
	}

	if newest != nil && o.deps.Result.State() == result.StateIdle {
		o.deps.Result.Attach(newest.JobID, newest.Kind, newestSub)
	}
	o.log.Info().Int("count", len(entries)).Msg("[Orchestrator] resumed active jobs")
	return len(entries), nil
}

// Retry asks the repository to rerun a failed job and tracks the new one.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	job, err := o.deps.Repository.RetryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.deps.Cache.InsertAtHead(job)
	if err := o.deps.Registry.Add(ctx, job.ID, job.Kind, job.Status); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Orchestrator] active job not recorded")
	}

	sub := o.Watch(job.ID, job.Kind)
	if o.deps.Result.View().JobID == jobID {
		o.deps.Result.Attach(job.ID, job.Kind, sub)
	}
	o.log.Info().Str("job_id", jobID).Str("new_job_id", job.ID).Msg("[Orchestrator] job retried")
	return o.deps.Cache.Get(job.ID), nil
}

// Delete stops polling, deletes remotely and drops every local trace.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	o.mu.Lock()
	sub, ok := o.subs[jobID]
	delete(o.subs, jobID)
	o.mu.Unlock()

	if ok {
		sub.Cancel()
		// a callback already running could otherwise re-add the job after removal
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.deps.Repository.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	o.deps.Cache.Remove(jobID)
	o.deps.Result.Release(jobID)
	if err := o.deps.Registry.Remove(ctx, jobID); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID).Msg("[Orchestrator] active job not removed")
	}
	o.log.Info().Str("job_id", jobID).Msg("[Orchestrator] job deleted")
	return nil
}

// Refresh reloads a kind's history from the repository.
func (o *Orchestrator) Refresh(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error) {
	return o.deps.Cache.RefreshList(ctx, kind)
}

// SaveSessions persists every draft; failures are logged only.
func (o *Orchestrator) SaveSessions(ctx context.Context) {
	if o.deps.SessionStore == nil {
		return
	}
	if err := o.deps.Sessions.Persist(ctx, o.deps.SessionStore); err != nil {
		o.log.Warn().Err(err).Msg("[Orchestrator] sessions not persisted")
	}
}

// Stop cancels every subscription.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, sub := range o.subs {
		sub.Cancel()
		delete(o.subs, id)
	}
}
