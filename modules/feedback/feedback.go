package feedback

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"quel-tryon-client/modules/common/logger"
	"quel-tryon-client/modules/common/model"
)

// Collaborator - remote feedback storage, one record per (job, channel)
type Collaborator interface {
	GetFeedback(ctx context.Context, jobID string, channel model.FeedbackChannel) (*model.FeedbackRecord, error)
	SetFeedback(ctx context.Context, jobID string, kind model.JobKind, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackRecord, error)
	RemoveFeedback(ctx context.Context, jobID string, channel model.FeedbackChannel) error
}

type Service struct {
	store Collaborator
	log   zerolog.Logger
}

func NewService(store Collaborator, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   logger.Component(log, "feedback"),
	}
}

// Toggle flips feedback for a job. Sending the stored value again removes the
// record and returns nil; any other value overwrites it and is returned.
func (s *Service) Toggle(ctx context.Context, jobID string, kind model.JobKind, channel model.FeedbackChannel, value model.FeedbackValue) (*model.FeedbackValue, error) {
	if !channel.Accepts(value) {
		return nil, fmt.Errorf("%w: %s on %s", model.ErrInvalidFeedback, value, channel)
	}

	current, err := s.store.GetFeedback(ctx, jobID, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s feedback: %w", channel, err)
	}

	if current != nil && current.Value == value {
		if err := s.store.RemoveFeedback(ctx, jobID, channel); err != nil {
			return nil, fmt.Errorf("failed to remove %s feedback: %w", channel, err)
		}
		s.log.Info().Str("job_id", jobID).Str("channel", string(channel)).Msg("[Feedback] cleared")
		return nil, nil
	}

	rec, err := s.store.SetFeedback(ctx, jobID, kind, channel, value)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s feedback: %w", channel, err)
	}
	v := value
	if rec != nil {
		v = rec.Value
	}
	s.log.Info().Str("job_id", jobID).Str("channel", string(channel)).Str("value", string(v)).Msg("[Feedback] saved")
	return &v, nil
}

// Current - stored value for the channel, nil when none
func (s *Service) Current(ctx context.Context, jobID string, channel model.FeedbackChannel) (*model.FeedbackValue, error) {
	rec, err := s.store.GetFeedback(ctx, jobID, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s feedback: %w", channel, err)
	}
	if rec == nil {
		return nil, nil
	}
	v := rec.Value
	return &v, nil
}
