package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"quel-tryon-client/modules/common/model"
)

// CreateJob - insert a pending job and queue it for generation
func (c *Client) CreateJob(ctx context.Context, kind model.JobKind, input interface{}) (*model.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputData, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job input: %w", err)
	}

	row := jobRow{
		ID:              uuid.NewString(),
		Kind:            string(kind),
		Status:          string(model.StatusPending),
		InputData:       inputData,
		ClientRequestID: uuid.NewString(),
	}
	return c.insertJob(ctx, row)
}

func (c *Client) insertJob(ctx context.Context, row jobRow) (*model.GenerationJob, error) {
	c.log.Info().Str("job_id", row.ID).Str("kind", row.Kind).Msg("[Database] creating job")

	insert := map[string]interface{}{
		"id":                row.ID,
		"kind":              row.Kind,
		"status":            row.Status,
		"input_data":        row.InputData,
		"client_request_id": row.ClientRequestID,
	}
	if row.RetryOf != nil {
		insert["retry_of"] = *row.RetryOf
	}

	var rows []jobRow
	if _, err := c.supabase.From(tableJobs).
		Insert(insert, false, "", "representation", "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no job row returned for %s", row.ID)
	}

	job, err := rows[0].toJob()
	if err != nil {
		return nil, err
	}

	if err := c.enqueue(ctx, job.ID); err != nil {
		c.markEnqueueFailed(job.ID, err)
		return nil, err
	}
	return job, nil
}

func (c *Client) fetchJobRow(ctx context.Context, jobID string) (*jobRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := c.supabase.From(tableJobs).
		Select("*", "", false).
		Eq("id", jobID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}

	var rows []jobRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse job response: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return &rows[0], nil
}

// GetJob - full job by id
func (c *Client) GetJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	row, err := c.fetchJobRow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

// GetJobStatus - status-only read used by polling
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var rows []struct {
		Status string `json:"status"`
	}
	if _, err := c.supabase.From(tableJobs).
		Select("status", "", false).
		Eq("id", jobID).
		ExecuteTo(&rows); err != nil {
		return "", fmt.Errorf("failed to query job status %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return model.JobStatus(rows[0].Status), nil
}

// ListJobs - newest first; empty kind lists every kind
func (c *Client) ListJobs(ctx context.Context, kind model.JobKind) ([]*model.GenerationJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := c.supabase.From(tableJobs).Select("*", "", false)
	if kind != "" {
		q = q.Eq("kind", string(kind))
	}

	var rows []jobRow
	if _, err := q.Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(listLimit, "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*model.GenerationJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			c.log.Warn().Err(err).Str("job_id", r.ID).Msg("[Database] skipping unreadable job row")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryJob creates a new pending job with the failed job's kind and input.
// The failed job keeps its status.
func (c *Client) RetryJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	orig, err := c.fetchJobRow(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if model.JobStatus(orig.Status) != model.StatusFailed {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, orig.Status, model.ErrRetryUnavailable)
	}

	origID := orig.ID
	row := jobRow{
		ID:              uuid.NewString(),
		Kind:            orig.Kind,
		Status:          string(model.StatusPending),
		InputData:       orig.InputData,
		ClientRequestID: uuid.NewString(),
		RetryOf:         &origID,
	}
	return c.insertJob(ctx, row)
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []jobRow
	if _, err := c.supabase.From(tableJobs).
		Delete("representation", "").
		Eq("id", jobID).
		ExecuteTo(&rows); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	c.log.Info().Str("job_id", jobID).Msg("[Database] job deleted")
	return nil
}
