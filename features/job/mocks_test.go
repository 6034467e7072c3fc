package job_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"annopipe/features/job"
)

// MockAPI implements job.API for unit tests.
type MockAPI struct{ mock.Mock }

func (m *MockAPI) RegisterJob(ctx context.Context, j *job.Job) (int64, error) {
	args := m.Called(ctx, j)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAPI) PropagateTaskIDs(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

func (m *MockAPI) GetDirs(ctx context.Context, j *job.Job) (map[string]string, error) {
	args := m.Called(ctx, j)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockAPI) Register(ctx context.Context, jobID int64, t *job.Task) (int64, error) {
	args := m.Called(ctx, jobID, t)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAPI) TaskState(ctx context.Context, taskID int64) (int, error) {
	args := m.Called(ctx, taskID)
	return args.Int(0), args.Error(1)
}

func (m *MockAPI) TaskKey(ctx context.Context, taskID int64) (string, error) {
	args := m.Called(ctx, taskID)
	return args.String(0), args.Error(1)
}

func (m *MockAPI) JobFromJobID(ctx context.Context, jobID int64) (*job.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockAPI) JobFromTaskID(ctx context.Context, taskID int64) (*job.Job, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *MockAPI) IsDone(ctx context.Context, taskID int64) (bool, error) {
	args := m.Called(ctx, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *MockAPI) Run(ctx context.Context, taskID int64) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

func (m *MockAPI) Retry(ctx context.Context, taskID int64) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

func (m *MockAPI) Callback(ctx context.Context, taskID int64, res job.TaskResult) error {
	args := m.Called(ctx, taskID, res)
	return args.Error(0)
}

func (m *MockAPI) Search(ctx context.Context, sourceID, sourceSet string) ([]int64, error) {
	args := m.Called(ctx, sourceID, sourceSet)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockAPI) Unfinished(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}
