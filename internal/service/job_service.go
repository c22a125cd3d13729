package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"media-pipeline-service/internal/entity"
)

// ErrUnknownCallbackCode rejects a remote-service callback with a
// status code outside the agreed mapping.
var ErrUnknownCallbackCode = errors.New("unknown callback status code")

// JobRepository is the repository port (implementation:
// postgresql.JobRepository).
type JobRepository interface {
	Create(ctx context.Context) (*entity.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context) ([]*entity.Job, error)
	Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type JobService struct {
	repo JobRepository
}

func NewJobService(repo JobRepository) *JobService {
	return &JobService{repo: repo}
}

func (s *JobService) Create(ctx context.Context) (*entity.Job, error) {
	return s.repo.Create(ctx)
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) List(ctx context.Context) ([]*entity.Job, error) {
	return s.repo.List(ctx)
}

func (s *JobService) Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error) {
	return s.repo.Update(ctx, id, status, patch)
}

func (s *JobService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// callbackStatus maps the remote services' numeric status codes.
var callbackStatus = map[int]entity.JobStatus{
	2: entity.StatusPending,
	3: entity.StatusSucceeded,
	4: entity.StatusFailed,
}

// ApplyCallback handles an asynchronous completion report from a
// remote service. Extra body fields (artifact keys, error text) are
// merged into the job's result map.
func (s *JobService) ApplyCallback(ctx context.Context, id uuid.UUID, code int, extra map[string]any) (*entity.Job, error) {
	status, ok := callbackStatus[code]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCallbackCode, code)
	}
	return s.repo.Update(ctx, id, &status, extra)
}
