package activejobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
	redisutil "quel-tryon-client/modules/common/redis"
)

// DefaultTTL - entries older than this are dropped on read
const DefaultTTL = time.Hour

// Registry - in-flight jobs persisted in a Redis hash (job id -> JSON entry)
// so polling can resume after a restart.
type Registry struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

func NewRegistry(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		rdb: rdb,
		key: redisutil.ActiveJobsHashKey,
		ttl: ttl,
		now: time.Now,
		log: logger.Component(log, "activejobs"),
	}
}

// Add records a job with the current time.
func (r *Registry) Add(ctx context.Context, jobID string, kind model.JobKind, status model.JobStatus) error {
	entry := model.ActiveJobEntry{JobID: jobID, Kind: kind, Status: status, Timestamp: r.now()}
	return r.put(ctx, entry)
}

// UpdateStatus keeps the original timestamp. Unknown ids are ignored.
func (r *Registry) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	raw, err := r.rdb.HGet(ctx, r.key, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read active job %s: %w", jobID, err)
	}

	var entry model.ActiveJobEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("failed to decode active job %s: %w", jobID, err)
	}
	entry.Status = status
	return r.put(ctx, entry)
}

func (r *Registry) put(ctx context.Context, entry model.ActiveJobEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode active job: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.key, entry.JobID, data).Err(); err != nil {
		return fmt.Errorf("failed to save active job %s: %w", entry.JobID, err)
	}
	return nil
}

func (r *Registry) Remove(ctx context.Context, jobID string) error {
	if err := r.rdb.HDel(ctx, r.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to remove active job %s: %w", jobID, err)
	}
	return nil
}

// List returns live entries, oldest first, and prunes expired or unreadable ones.
func (r *Registry) List(ctx context.Context) ([]model.ActiveJobEntry, error) {
	all, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	cutoff := r.now().Add(-r.ttl)
	var (
		live  []model.ActiveJobEntry
		stale []string
	)
	for id, raw := range all {
		var entry model.ActiveJobEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("[ActiveJobs] dropping unreadable entry")
			stale = append(stale, id)
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			stale = append(stale, id)
			continue
		}
		live = append(live, entry)
	}

	if len(stale) > 0 {
		if err := r.rdb.HDel(ctx, r.key, stale...).Err(); err != nil {
			r.log.Warn().Err(err).Int("count", len(stale)).Msg("[ActiveJobs] prune failed")
		} else {
			r.log.Info().Int("count", len(stale)).Msg("[ActiveJobs] pruned expired entries")
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Timestamp.Before(live[j].Timestamp) })
	return live, nil
}
