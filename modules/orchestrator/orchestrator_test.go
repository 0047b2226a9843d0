package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-tryon-client/modules/activejobs"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/jobcache"
	"quel-tryon-client/modules/polling"
	"quel-tryon-client/modules/result"
	"quel-tryon-client/modules/workflow"
)

// memRepo is a job repository whose jobs only move when the test says so.
type memRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.GenerationJob
	inputs    map[string]interface{}
	next      int
	creates   int
	createErr error
	saved     map[string]bool
	saves     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:   make(map[string]*model.GenerationJob),
		inputs: make(map[string]interface{}),
		saved:  make(map[string]bool),
	}
}

func (r *memRepo) CreateJob(ctx context.Context, kind model.JobKind, input interface{}) (*model.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.next++
	job := &model.GenerationJob{
		ID:        fmt.Sprintf("job-%d", r.next),
		Kind:      kind,
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
	}
	r.jobs[job.ID] = job
	r.inputs[job.ID] = input
	return job.Clone(), nil
}

func (r *memRepo) GetJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *memRepo) ListJobs(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.GenerationJob
	for _, j := range r.jobs {
		if kind == "" || j.Kind == kind {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (r *memRepo) RetryJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	r.mu.Lock()
	orig, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	if orig.Status != model.StatusFailed {
		return nil, model.ErrRetryUnavailable
	}
	return r.CreateJob(ctx, orig.Kind, r.inputs[jobID])
}

func (r *memRepo) DeleteJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return model.ErrNotFound
	}
	delete(r.jobs, jobID)
	return nil
}

func (r *memRepo) SaveToWardrobe(ctx context.Context, job *model.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saved[job.ID] {
		return model.ErrAlreadySaved
	}
	r.saved[job.ID] = true
	return nil
}

func (r *memRepo) advance(jobID string, status model.JobStatus, asset, errInfo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[jobID]
	j.Status = status
	j.ResultAsset = asset
	j.ErrorInfo = errInfo
}

func (r *memRepo) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type harness struct {
	repo     *memRepo
	registry *activejobs.Registry
	store    *workflow.RedisStore
	cache    *jobcache.Store
	ctrl     *result.Controller
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newHarnessWith(t, rdb, newMemRepo())
}

func newHarnessWith(t *testing.T, rdb *redis.Client, repo *memRepo) *harness {
	t.Helper()
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sessions := workflow.NewManager()
	cache := jobcache.New(repo, log)
	h := &harness{
		repo:     repo,
		registry: activejobs.NewRegistry(rdb, time.Hour, log),
		store:    workflow.NewRedisStore(rdb),
		cache:    cache,
	}
	h.ctrl = result.NewController(result.Deps{
		Jobs:     cache,
		Wardrobe: repo,
		Sessions: sessions,
		Logger:   log,
	})
	engine := polling.NewEngine(repo, polling.Options{
		Interval: func(model.JobKind) time.Duration { return 5 * time.Millisecond },
		Logger:   log,
	})
	h.orch = New(ctx, Deps{
		Repository:   repo,
		Sessions:     sessions,
		SessionStore: h.store,
		Engine:       engine,
		Cache:        cache,
		Registry:     h.registry,
		Result:       h.ctrl,
		Logger:       log,
	})
	t.Cleanup(h.orch.Stop)
	return h
}

func str(s string) *string { return &s }

func fillClassic(t *testing.T, m *workflow.Manager) {
	t.Helper()
	require.NoError(t, m.SetField(workflow.GroupPerson, workflow.FieldSelfImage, str("file://a.jpg")))
	require.NoError(t, m.SetField(workflow.GroupGarment, workflow.FieldGarmentDescription, str("red dress")))
}

func (h *harness) stateIs(s result.State) func() bool {
	return func() bool { return h.ctrl.State() == s }
}

func TestSubmitTracksJobToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fillClassic(t, h.orch.Sessions())

	job, err := h.orch.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)

	list := h.cache.List(model.KindClassic)
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)
	assert.False(t, h.orch.Sessions().IsValid(model.KindClassic), "draft is reset after submit")

	input, ok := h.repo.inputs[job.ID].(*workflow.ClassicPayload)
	require.True(t, ok)
	assert.Equal(t, "red dress", *input.GarmentDescription)

	entries, err := h.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	h.repo.advance(job.ID, model.StatusProcessing, "", "")
	require.Eventually(t, h.stateIs(result.StateProcessing), time.Second, time.Millisecond)
	assert.False(t, h.ctrl.Close())

	h.repo.advance(job.ID, model.StatusCompleted, "https://x/result.jpg", "")
	require.Eventually(t, h.stateIs(result.StateCompleted), time.Second, time.Millisecond)

	assert.Equal(t, "https://x/result.jpg", h.cache.Get(job.ID).ResultAsset)
	assert.Equal(t, "https://x/result.jpg", h.cache.List(model.KindClassic)[0].ResultAsset)
	require.Eventually(t, func() bool { return h.repo.Saves() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := h.registry.List(ctx)
		return err == nil && len(entries) == 0
	}, time.Second, time.Millisecond)

	assert.True(t, h.ctrl.Close())
	assert.Equal(t, result.StateIdle, h.ctrl.State())
}

func TestSubmitRejectsInvalidDraftLocally(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Submit(context.Background())
	var vErr *workflow.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, model.KindClassic, vErr.Kind)
	assert.Zero(t, h.repo.creates)
}

func TestSubmitPropagatesCreateError(t *testing.T) {
	h := newHarness(t)
	h.repo.createErr = errors.New("service unavailable")
	fillClassic(t, h.orch.Sessions())

	_, err := h.orch.Submit(context.Background())
	assert.ErrorIs(t, err, h.repo.createErr)
	assert.True(t, h.orch.Sessions().IsValid(model.KindClassic), "draft kept when create fails")
	assert.Empty(t, h.cache.List(model.KindClassic))
}

func TestFailedJobThenLocalRetry(t *testing.T) {
	h := newHarness(t)
	fillClassic(t, h.orch.Sessions())

	job, err := h.orch.Submit(context.Background())
	require.NoError(t, err)
	h.repo.advance(job.ID, model.StatusFailed, "", "face not detected")
	require.Eventually(t, h.stateIs(result.StateFailed), time.Second, time.Millisecond)

	assert.Equal(t, "face not detected", h.ctrl.View().ErrorInfo)
	_, err = h.ctrl.Retry()
	require.NoError(t, err)
	assert.Equal(t, 1, h.orch.Sessions().Active().Step)
}

func TestRemoteRetryFollowsNewJob(t *testing.T) {
	h := newHarness(t)
	fillClassic(t, h.orch.Sessions())

	job, err := h.orch.Submit(context.Background())
	require.NoError(t, err)
	h.repo.advance(job.ID, model.StatusFailed, "", "timeout")
	require.Eventually(t, h.stateIs(result.StateFailed), time.Second, time.Millisecond)

	retried, err := h.orch.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, retried.ID, h.cache.List(model.KindClassic)[0].ID)
	assert.Equal(t, retried.ID, h.ctrl.View().JobID)
	assert.Equal(t, result.StatePending, h.ctrl.State())

	_, err = h.orch.Retry(context.Background(), retried.ID)
	assert.ErrorIs(t, err, model.ErrRetryUnavailable)
}

func TestWatchKeepsOneSubscriptionPerJob(t *testing.T) {
	h := newHarness(t)
	job, err := h.repo.CreateJob(context.Background(), model.KindAvatarCreation, nil)
	require.NoError(t, err)

	a := h.orch.Watch(job.ID, job.Kind)
	b := h.orch.Watch(job.ID, job.Kind)
	assert.Same(t, a, b)

	a.Cancel()
	c := h.orch.Watch(job.ID, job.Kind)
	assert.NotSame(t, a, c)
}

func TestDeleteDropsEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fillClassic(t, h.orch.Sessions())
	job, err := h.orch.Submit(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, h.ctrl.View().JobID)

	require.NoError(t, h.orch.Delete(ctx, job.ID))
	v := h.ctrl.View()
	assert.Equal(t, result.StateIdle, v.State)
	assert.Empty(t, v.JobID)
	_, err = h.ctrl.ToggleFeedback(ctx, model.ChannelHeart, model.FeedbackLiked)
	assert.ErrorIs(t, err, model.ErrNoActiveJob)
	assert.Nil(t, h.cache.Get(job.ID))
	assert.Empty(t, h.cache.List(model.KindClassic))
	entries, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, h.orch.Delete(ctx, job.ID), model.ErrNotFound)
}

func TestResumeAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := newMemRepo()
	ctx := context.Background()

	first := newHarnessWith(t, rdb, repo)
	require.NoError(t, first.orch.Sessions().SetActiveKind(model.KindTextToFashion))
	require.NoError(t, first.orch.Sessions().SetField(workflow.GroupNone, workflow.FieldFashionDescription, str("silk scarf")))
	job, err := first.orch.Submit(ctx)
	require.NoError(t, err)
	require.NoError(t, first.orch.Sessions().SetField(workflow.GroupNone, workflow.FieldFashionStyle, str("boho")))
	first.orch.SaveSessions(ctx)
	first.orch.Stop()

	second := newHarnessWith(t, rdb, repo)
	require.NoError(t, second.orch.Sessions().Restore(ctx, second.store))
	assert.Equal(t, model.KindTextToFashion, second.orch.Sessions().ActiveKind())

	n, err := second.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, job.ID, second.ctrl.View().JobID)

	repo.advance(job.ID, model.StatusCompleted, "https://x/scarf.jpg", "")
	require.Eventually(t, second.stateIs(result.StateCompleted), time.Second, time.Millisecond)
	assert.Zero(t, repo.Saves(), "text-to-fashion results are not auto-saved")
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.repo.CreateJob(ctx, model.KindProductToModel, nil)
	require.NoError(t, err)

	list, err := h.orch.Refresh(ctx, model.KindProductToModel)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
