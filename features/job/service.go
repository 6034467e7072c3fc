package job

import (
	"context"
	"fmt"
	"log/slog"
)

// Service orchestrates job submission and queries on top of the coordinator
// API for the HTTP layer.
type Service struct {
	api    API
	logger *slog.Logger
}

func NewService(api API, logger *slog.Logger) *Service {
	return &Service{api: api, logger: logger}
}

// Submit parses a job payload, registers it and dispatches its first
// runnable tasks. The parsed payload must be unregistered.
func (s *Service) Submit(ctx context.Context, payload []byte) (*Job, error) {
	j, err := FromJSON(payload)
	if err != nil {
		return nil, err
	}
	j.SetAPI(s.api)

	if err := j.Register(ctx); err != nil {
		return nil, err
	}
	if err := j.Run(ctx); err != nil {
		return nil, fmt.Errorf("run job %d: %w", *j.JobID, err)
	}

	s.logger.InfoContext(ctx, "job submitted", "job_id", *j.JobID, "source_id", j.SourceID)
	return j, nil
}

func (s *Service) Get(ctx context.Context, jobID int64) (*Job, error) {
	j, err := s.api.JobFromJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.SetAPI(s.api), nil
}

// Retry re-dispatches the tasks of a job that ended in a transient failure
// state.
func (s *Service) Retry(ctx context.Context, jobID int64) error {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := j.Retry(ctx); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job retried", "job_id", jobID)
	return nil
}

func (s *Service) Search(ctx context.Context, sourceID, sourceSet string) ([]int64, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source_id is required", ErrInvalidJob)
	}
	return s.api.Search(ctx, sourceID, sourceSet)
}

func (s *Service) Unfinished(ctx context.Context) ([]int64, error) {
	return s.api.Unfinished(ctx)
}
