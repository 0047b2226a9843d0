package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"quel-tryon-client/modules/common/config"
	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
)

const (
	tableJobs      = "tryon_jobs"
	tableFeedback  = "tryon_feedback"
	tableWardrobe  = "tryon_wardrobe"
	tableDownloads = "tryon_downloads"

	listLimit = 50
)

// Client - Supabase tables behind the job repository, feedback and wardrobe,
// plus the Redis queue the generation worker consumes.
type Client struct {
	supabase *supabase.Client
	rdb      *redis.Client
	queue    string
	log      zerolog.Logger
}

// NewClient - Database client from config
func NewClient(cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (*Client, error) {
	sb, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return newClient(sb, rdb, cfg.JobQueue, log), nil
}

func newClient(sb *supabase.Client, rdb *redis.Client, queue string, log zerolog.Logger) *Client {
	return &Client{
		supabase: sb,
		rdb:      rdb,
		queue:    queue,
		log:      logger.Component(log, "database"),
	}
}

// jobRow - tryon_jobs row
type jobRow struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	ResultURL       *string         `json:"result_url,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ClientRequestID string          `json:"client_request_id,omitempty"`
	RetryOf         *string         `json:"retry_of,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (r jobRow) toJob() (*model.GenerationJob, error) {
	kind, err := model.ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	status := model.JobStatus(r.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("job %s has unknown status %q", r.ID, r.Status)
	}

	job := &model.GenerationJob{
		ID:        r.ID,
		Kind:      kind,
		Status:    status,
		CreatedAt: r.CreatedAt,
	}
	if r.ResultURL != nil {
		job.ResultAsset = *r.ResultURL
	}
	if r.ErrorMessage != nil {
		job.ErrorInfo = *r.ErrorMessage
	}
	job.Normalize()
	return job, nil
}

// enqueue hands a job id to the generation worker.
func (c *Client) enqueue(ctx context.Context, jobID string) error {
	if _, err := c.rdb.LPush(ctx, c.queue, jobID).Result(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	position, _ := c.rdb.LLen(ctx, c.queue).Result()
	c.log.Info().Str("job_id", jobID).Str("queue", c.queue).Int64("position", position).Msg("[Database] job enqueued")
	return nil
}

// markEnqueueFailed fails a job whose id never reached the queue so nothing
// waits on it forever.
func (c *Client) markEnqueueFailed(jobID string, cause error) {
	update := map[string]interface{}{
		"status":        string(model.StatusFailed),
		"error_message": "could not queue job: " + cause.Error(),
	}
	if _, _, err := c.supabase.From(tableJobs).Update(update, "", "").Eq("id", jobID).Execute(); err != nil {
		c.log.Error().Err(err).Str("job_id", jobID).Msg("[Database] failed to mark unqueued job as failed")
	}
}
