package database

import (
	"context"
	"fmt"

	"quel-tryon-client/modules/common/model"
)

// SaveToWardrobe - store a completed result in the user's wardrobe.
// Returns model.ErrAlreadySaved when the job is already there.
func (c *Client) SaveToWardrobe(ctx context.Context, job *model.GenerationJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Status != model.StatusCompleted || job.ResultAsset == "" {
		return model.ErrNoResultAsset
	}

	var existing []struct {
		JobID string `json:"job_id"`
	}
	if _, err := c.supabase.From(tableWardrobe).
		Select("job_id", "", false).
		Eq("job_id", job.ID).
		ExecuteTo(&existing); err != nil {
		return fmt.Errorf("failed to query wardrobe: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("job %s: %w", job.ID, model.ErrAlreadySaved)
	}

	insert := map[string]interface{}{
		"job_id":    job.ID,
		"kind":      string(job.Kind),
		"image_url": job.ResultAsset,
	}
	if _, _, err := c.supabase.From(tableWardrobe).
		Insert(insert, false, "", "minimal", "").
		Execute(); err != nil {
		return fmt.Errorf("failed to save to wardrobe: %w", err)
	}

	c.log.Info().Str("job_id", job.ID).Msg("[Database] saved to wardrobe")
	return nil
}

// InsertDownloadLog - one tryon_downloads row per download or export
func (c *Client) InsertDownloadLog(ctx context.Context, jobID, format string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	insert := map[string]interface{}{
		"job_id": jobID,
		"format": format,
	}
	if _, _, err := c.supabase.From(tableDownloads).
		Insert(insert, false, "", "minimal", "").
		Execute(); err != nil {
		return fmt.Errorf("failed to log download: %w", err)
	}
	return nil
}
