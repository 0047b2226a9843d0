package result

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	"quel-tryon-client/modules/jobcache"
)

// State - presentation state of the attached job
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func stateFor(s model.JobStatus) State {
	switch s {
	case model.StatusProcessing:
		return StateProcessing
	case model.StatusCompleted:
		return StateCompleted
	case model.StatusFailed:
		return StateFailed
	}
	return StatePending
}

const saveTimeout = 30 * time.Second

// JobSource - cache the controller follows
type JobSource interface {
	Get(jobID string) *model.GenerationJob
	Watch(jobID string, fn func(jobcache.Event)) func()
}

// WardrobeSaver - SaveToWardrobe returns model.ErrAlreadySaved for a job that is already saved
type WardrobeSaver interface {
	SaveToWardrobe(ctx context.Context, job *model.GenerationJob) error
}

// SessionResetter - the draft owner, reset on retry
type SessionResetter interface {
	Reset(kind model.JobKind)
	SetActiveKind(kind model.JobKind) error
}

// Canceler - polling subscription of the attached job
type Canceler interface {
	Cancel()
}

// Downloader - download/export collaborator
type Downloader interface {
	CheckPermission(ctx context.Context) (bool, error)
	GetDownloadInfo(job *model.GenerationJob) (*model.DownloadInfo, error)
	GetDownloadURL(ctx context.Context, job *model.GenerationJob) (string, error)
	LogDownload(ctx context.Context, job *model.GenerationJob, format string) error
	Export(ctx context.Context, job *model.GenerationJob, opts model.ExportOptions) (*model.ExportedAsset, error)
}

// FeedbackToggler - see feedback.Service
type FeedbackToggler interface {
	Toggle(ctx context.Context, jobID string, kind model.JobKind, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackValue, error)
}

type Deps struct {
	Jobs      JobSource
	Wardrobe  WardrobeSaver
	Sessions  SessionResetter
	Downloads Downloader
	Feedback  FeedbackToggler
	Logger    zerolog.Logger
}

// View - what the result screen renders
type View struct {
	State       State         `json:"state"`
	JobID       string        `json:"job_id,omitempty"`
	Kind        model.JobKind `json:"kind,omitempty"`
	ResultAsset string        `json:"result_url,omitempty"`
	ErrorInfo   string        `json:"error_message,omitempty"`
	CanRetry    bool          `json:"can_retry"`
	CanClose    bool          `json:"can_close"`
	Saved       bool          `json:"saved"`
	SaveError   string        `json:"save_error,omitempty"`
}

// Controller - result lifecycle of one job at a time
type Controller struct {
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	jobID   string
	kind    model.JobKind
	job     *model.GenerationJob
	state   State
	sub     Canceler
	unwatch func()

	// one-shot flags, cleared only on close/retry/attach
	saveFired bool
	saved     bool
	saveErr   error
}

func NewController(deps Deps) *Controller {
	return &Controller{
		deps:  deps,
		log:   logger.Component(deps.Logger, "result"),
		state: StateIdle,
	}
}

// Attach follows jobID from now on. A previously attached job is released
// without cancelling its subscription.
func (c *Controller) Attach(jobID string, kind model.JobKind, sub Canceler) {
	c.mu.Lock()
	if c.unwatch != nil {
		c.unwatch()
	}
	c.gen++
	gen := c.gen
	c.jobID = jobID
	c.kind = kind
	c.job = nil
	c.state = StatePending
	c.sub = sub
	c.saveFired, c.saved, c.saveErr = false, false, nil
	c.unwatch = c.deps.Jobs.Watch(jobID, func(ev jobcache.Event) {
		if ev.Type != jobcache.EventRemove {
			c.apply(gen, ev.Job)
		}
	})
	c.mu.Unlock()

	c.log.Info().Str("job_id", jobID).Str("kind", string(kind)).Msg("[Result] attached")
	if job := c.deps.Jobs.Get(jobID); job != nil {
		c.apply(gen, job)
	}
}

func (c *Controller) apply(gen uint64, job *model.GenerationJob) {
	if job == nil {
		return
	}

	c.mu.Lock()
	if gen != c.gen || job.ID != c.jobID {
		c.mu.Unlock()
		return
	}
	// a snapshot read before a newer event must not roll the state back
	if c.job != nil && (job.Status.Rank() < c.job.Status.Rank() ||
		(c.job.Status.IsTerminal() && job.Status != c.job.Status)) {
		c.mu.Unlock()
		return
	}
	c.job = job.Clone()
	c.state = stateFor(job.Status)

	autoSave := job.Status == model.StatusCompleted &&
		job.ResultAsset != "" &&
		c.kind.SupportsAutoSave() &&
		!c.saveFired
	if autoSave {
		c.saveFired = true
	}
	c.mu.Unlock()

	if job.Status == model.StatusFailed {
		c.log.Warn().Str("job_id", job.ID).Str("error", job.ErrorInfo).Msg("[Result] job failed")
	}
	if autoSave {
		go c.autoSave(gen, job.Clone())
	}
}

func (c *Controller) autoSave(gen uint64, job *model.GenerationJob) {
	if c.deps.Wardrobe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	err := c.deps.Wardrobe.SaveToWardrobe(ctx, job)
	if errors.Is(err, model.ErrAlreadySaved) {
		err = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.saved = err == nil
	c.saveErr = err
	if err != nil {
		c.log.Error().Err(err).Str("job_id", job.ID).Msg("[Result] auto-save failed")
		return
	}
	c.log.Info().Str("job_id", job.ID).Msg("[Result] saved to wardrobe")
}

// View - current presentation state
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:    c.state,
		JobID:    c.jobID,
		Kind:     c.kind,
		CanRetry: c.state == StateFailed,
		CanClose: c.state != StateProcessing,
		Saved:    c.saved,
	}
	if c.job != nil {
		v.ResultAsset = c.job.ResultAsset
		v.ErrorInfo = c.job.ErrorInfo
	}
	if c.saveErr != nil {
		v.SaveError = c.saveErr.Error()
	}
	return v
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retry detaches the failed job and hands a fresh draft of its kind back to
// the session owner. Resubmission is up to the caller.
func (c *Controller) Retry() (model.JobKind, error) {
	c.mu.Lock()
	if c.jobID == "" {
		c.mu.Unlock()
		return "", model.ErrNoActiveJob
	}
	if c.state != StateFailed {
		c.mu.Unlock()
		return "", model.ErrRetryUnavailable
	}
	kind, jobID := c.kind, c.jobID
	c.resetLocked()
	c.mu.Unlock()

	if c.deps.Sessions != nil {
		c.deps.Sessions.Reset(kind)
		if err := c.deps.Sessions.SetActiveKind(kind); err != nil {
			return kind, err
		}
	}
	c.log.Info().Str("job_id", jobID).Str("kind", string(kind)).Msg("[Result] retry, session reset")
	return kind, nil
}

// Close returns to idle. Refused (false) while the job is processing.
func (c *Controller) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateProcessing {
		c.log.Debug().Str("job_id", c.jobID).Msg("[Result] close ignored while processing")
		return false
	}
	c.resetLocked()
	return true
}

// Release drops jobID if it is the attached job, whatever its state. Used when
// the job itself is gone.
func (c *Controller) Release(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if jobID == "" || c.jobID != jobID {
		return false
	}
	c.resetLocked()
	c.log.Info().Str("job_id", jobID).Msg("[Result] released")
	return true
}

func (c *Controller) resetLocked() {
	if c.sub != nil {
		c.sub.Cancel()
	}
	if c.unwatch != nil {
		c.unwatch()
	}
	c.gen++
	c.jobID = ""
	c.kind = ""
	c.job = nil
	c.sub = nil
	c.unwatch = nil
	c.state = StateIdle
	c.saveFired, c.saved, c.saveErr = false, false, nil
}

func (c *Controller) completedJob() (*model.GenerationJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID == "" {
		return nil, model.ErrNoActiveJob
	}
	if c.state != StateCompleted || c.job == nil || c.job.ResultAsset == "" {
		return nil, model.ErrNoResultAsset
	}
	return c.job.Clone(), nil
}

func (c *Controller) checkPermission(ctx context.Context) error {
	ok, err := c.deps.Downloads.CheckPermission(ctx)
	if err != nil {
		return fmt.Errorf("failed to check download permission: %w", err)
	}
	if !ok {
		return model.ErrPermissionDenied
	}
	return nil
}

// Download resolves where the result can be fetched from and logs the download.
func (c *Controller) Download(ctx context.Context, format string) (*model.DownloadInfo, error) {
	job, err := c.completedJob()
	if err != nil {
		return nil, err
	}
	if err := c.checkPermission(ctx); err != nil {
		return nil, err
	}

	info, err := c.deps.Downloads.GetDownloadInfo(job)
	if err != nil {
		return nil, fmt.Errorf("failed to get download info: %w", err)
	}
	url, err := c.deps.Downloads.GetDownloadURL(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to get download url: %w", err)
	}
	info.URL = url

	if err := c.deps.Downloads.LogDownload(ctx, job, format); err != nil {
		c.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Result] download log failed")
	}
	return info, nil
}

// Export returns the result bytes, re-encoded per opts.
func (c *Controller) Export(ctx context.Context, opts model.ExportOptions) (*model.ExportedAsset, error) {
	job, err := c.completedJob()
	if err != nil {
		return nil, err
	}
	if err := c.checkPermission(ctx); err != nil {
		return nil, err
	}
	asset, err := c.deps.Downloads.Export(ctx, job, opts)
	if err != nil {
		return nil, err
	}
	if err := c.deps.Downloads.LogDownload(ctx, job, asset.ContentType); err != nil {
		c.log.Warn().Err(err).Str("job_id", job.ID).Msg("[Result] download log failed")
	}
	return asset, nil
}

// ToggleFeedback - feedback toggle on the attached job
func (c *Controller) ToggleFeedback(ctx context.Context, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackValue, error) {
	c.mu.Lock()
	jobID, kind := c.jobID, c.kind
	c.mu.Unlock()
	if jobID == "" {
		return nil, model.ErrNoActiveJob
	}
	return c.deps.Feedback.Toggle(ctx, jobID, kind, channel, value)
}
