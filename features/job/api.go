package job

import "context"

// API is the single abstraction jobs and tasks use for persistence and
// dispatch. A concrete implementation owns the job/task state machine:
//
//	201 -> 102 (Run)
//	502/503 -> 102 (Retry)
//	102 -> 200 | 400 | 500 | 502 | 503 (Callback)
//
// 200 and 400 are terminal.
type API interface {
	// RegisterJob persists a new job and returns its assigned id.
	RegisterJob(ctx context.Context, j *Job) (int64, error)

	// PropagateTaskIDs persists the job's task tree after registration has
	// assigned ids to the individual tasks.
	PropagateTaskIDs(ctx context.Context, j *Job) error

	// GetDirs returns the working directories for this job, creating them
	// if they do not yet exist. The result carries the TEMP_FOLDER and
	// OUT_FOLDER keys and is stored under the job's SHARED response key.
	GetDirs(ctx context.Context, j *Job) (map[string]string, error)

	// Register persists one task under a job and returns its assigned id.
	Register(ctx context.Context, jobID int64, t *Task) (int64, error)

	// TaskState and TaskKey are point lookups on a persisted task.
	TaskState(ctx context.Context, taskID int64) (int, error)
	TaskKey(ctx context.Context, taskID int64) (string, error)

	// JobFromJobID and JobFromTaskID reconstruct a full job aggregate,
	// including its task tree, from persisted state.
	JobFromJobID(ctx context.Context, jobID int64) (*Job, error)
	JobFromTaskID(ctx context.Context, taskID int64) (*Job, error)

	// IsDone reports whether the task's state is StateDone.
	IsDone(ctx context.Context, taskID int64) (bool, error)

	// Run transitions a queued task to StateRunning and submits it to the
	// worker queue identified by its task key. Valid from StateQueued; the
	// retry states 502/503 may also re-enter through this path.
	Run(ctx context.Context, taskID int64) error

	// Retry re-dispatches a task previously in 502/503.
	Retry(ctx context.Context, taskID int64) error

	// Callback records a worker reply for a task. On success it triggers
	// the job's task tree so dependent tasks can run.
	Callback(ctx context.Context, taskID int64, res TaskResult) error

	// Search returns ids of jobs that exist for this source material. An
	// empty sourceSet matches every collection.
	Search(ctx context.Context, sourceID, sourceSet string) ([]int64, error)

	// Unfinished returns ids of jobs with at least one task that is
	// neither running nor done.
	Unfinished(ctx context.Context) ([]int64, error)
}
