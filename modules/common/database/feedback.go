package database

import (
	"context"
	"fmt"
	"time"

	"quel-tryon-client/modules/common/model"
)

// GetFeedback - record for (job, channel), nil when there is none
func (c *Client) GetFeedback(ctx context.Context, jobID string, channel model.FeedbackChannel) (*model.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []model.FeedbackRecord
	if _, err := c.supabase.From(tableFeedback).
		Select("*", "", false).
		Eq("job_id", jobID).
		Eq("channel", string(channel)).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SetFeedback - upsert on (job_id, channel)
func (c *Client) SetFeedback(ctx context.Context, jobID string, kind model.JobKind, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := model.FeedbackRecord{
		JobID:     jobID,
		JobKind:   kind,
		Channel:   channel,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}

	var rows []model.FeedbackRecord
	if _, err := c.supabase.From(tableFeedback).
		Insert(rec, true, "job_id,channel", "representation", "").
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}
	if len(rows) == 0 {
		return &rec, nil
	}
	return &rows[0], nil
}

func (c *Client) RemoveFeedback(ctx context.Context, jobID string, channel model.FeedbackChannel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := c.supabase.From(tableFeedback).
		Delete("", "").
		Eq("job_id", jobID).
		Eq("channel", string(channel)).
		Execute(); err != nil {
		return fmt.Errorf("failed to remove feedback: %w", err)
	}
	return nil
}
