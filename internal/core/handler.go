// Package core implements the coordinator API on Postgres, with task
// dispatch through the AMQP topic exchange.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/lib/pq"

	"annopipe/features/job"
)

// Dispatcher submits a serialized task request to the worker queue matching
// its routing key.
type Dispatcher interface {
	Publish(ctx context.Context, key string, priority int, replyTo, correlationID string, body []byte) error
}

// Handler is the persistent side of the job/task state machine. It enforces
// the allowed transitions; callers go through the job.API interface.
type Handler struct {
	db         *sql.DB
	dispatcher Dispatcher
	dataDir    string
	replyQueue string
}

var _ job.API = (*Handler)(nil)

func NewHandler(db *sql.DB, d Dispatcher, dataDir, replyQueue string) *Handler {
	return &Handler{db: db, dispatcher: d, dataDir: dataDir, replyQueue: replyQueue}
}

func (h *Handler) RegisterJob(ctx context.Context, j *job.Job) (int64, error) {
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return 0, fmt.Errorf("serialize metadata: %w", err)
	}
	response, err := json.Marshal(j.Response)
	if err != nil {
		return 0, fmt.Errorf("serialize response: %w", err)
	}
	tasks, err := j.Tasks.MarshalJSON()
	if err != nil {
		return 0, fmt.Errorf("serialize tasks: %w", err)
	}

	var id int64
	query := `INSERT INTO jobs (source_url, source_id, source_set, priority, metadata, response, tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err = h.db.QueryRowContext(ctx, query,
		j.SourceURL, j.SourceID, j.SourceSet, j.Priority, metadata, response, tasks).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (h *Handler) PropagateTaskIDs(ctx context.Context, j *job.Job) error {
	if j.JobID == nil {
		return fmt.Errorf("%w: cannot propagate task ids", job.ErrNotRegistered)
	}
	tasks, err := j.Tasks.MarshalJSON()
	if err != nil {
		return fmt.Errorf("serialize tasks: %w", err)
	}
	_, err = h.db.ExecContext(ctx, `UPDATE jobs SET tasks = $1 WHERE id = $2`, tasks, *j.JobID)
	return err
}

// GetDirs provisions the TEMP and OUT working directories for a job, keyed
// by its source. Idempotent.
func (h *Handler) GetDirs(ctx context.Context, j *job.Job) (map[string]string, error) {
	base := filepath.Join(h.dataDir, "jobs", j.SourceSet, j.SourceID)
	tmp := filepath.Join(base, "tmp")
	out := filepath.Join(base, "out")
	for _, dir := range []string{tmp, out} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create job dir %q: %w", dir, err)
		}
	}
	return map[string]string{"TEMP_FOLDER": tmp, "OUT_FOLDER": out}, nil
}

func (h *Handler) Register(ctx context.Context, jobID int64, t *job.Task) (int64, error) {
	var id int64
	query := `INSERT INTO tasks (job_id, task_key, task_state) VALUES ($1, $2, $3) RETURNING id`
	err := h.db.QueryRowContext(ctx, query, jobID, t.Key, job.StateQueued).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (h *Handler) TaskState(ctx context.Context, taskID int64) (int, error) {
	var state int
	err := h.db.QueryRowContext(ctx, `SELECT task_state FROM tasks WHERE id = $1`, taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %d: %w", taskID, job.ErrTaskNotFound)
	}
	return state, err
}

func (h *Handler) TaskKey(ctx context.Context, taskID int64) (string, error) {
	var key string
	err := h.db.QueryRowContext(ctx, `SELECT task_key FROM tasks WHERE id = $1`, taskID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %d: %w", taskID, job.ErrTaskNotFound)
	}
	return key, err
}

// JobFromJobID rebuilds the job aggregate: the stored tree carries the task
// ids and keys, the tasks table is authoritative for per-task state.
func (h *Handler) JobFromJobID(ctx context.Context, jobID int64) (*job.Job, error) {
	var (
		sourceURL, sourceID, sourceSet string
		priority                       int
		metadata, response, tasks      []byte
	)
	query := `SELECT source_url, source_id, source_set, priority, metadata, response, tasks
		FROM jobs WHERE id = $1`
	err := h.db.QueryRowContext(ctx, query, jobID).
		Scan(&sourceURL, &sourceID, &sourceSet, &priority, &metadata, &response, &tasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", jobID, job.ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}

	tree, err := job.ParseTree(tasks)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", jobID, err)
	}

	j := job.New(sourceURL, sourceID, sourceSet, tree)
	j.JobID = &jobID
	j.Priority = priority
	if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
		return nil, fmt.Errorf("job %d: decode metadata: %w", jobID, err)
	}
	if err := json.Unmarshal(response, &j.Response); err != nil {
		return nil, fmt.Errorf("job %d: decode response: %w", jobID, err)
	}

	states, err := h.taskStates(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j.Apply(func(t *job.Task) {
		if row, ok := states[t.ID]; ok {
			t.State = row.state
			t.Message = row.msg
		}
	})
	return j, nil
}

type taskRow struct {
	state int
	msg   string
}

func (h *Handler) taskStates(ctx context.Context, jobID int64) (map[int64]taskRow, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT id, task_state, task_msg FROM tasks WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[int64]taskRow)
	for rows.Next() {
		var id int64
		var row taskRow
		if err := rows.Scan(&id, &row.state, &row.msg); err != nil {
			return nil, err
		}
		states[id] = row
	}
	return states, rows.Err()
}

func (h *Handler) JobFromTaskID(ctx context.Context, taskID int64) (*job.Job, error) {
	var jobID int64
	err := h.db.QueryRowContext(ctx, `SELECT job_id FROM tasks WHERE id = $1`, taskID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, job.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return h.JobFromJobID(ctx, jobID)
}

func (h *Handler) IsDone(ctx context.Context, taskID int64) (bool, error) {
	state, err := h.TaskState(ctx, taskID)
	if err != nil {
		return false, err
	}
	return state == job.StateDone, nil
}

func (h *Handler) Run(ctx context.Context, taskID int64) error {
	return h.dispatch(ctx, taskID, []int{job.StateQueued, job.StateBadGateway, job.StateUnavailable})
}

func (h *Handler) Retry(ctx context.Context, taskID int64) error {
	return h.dispatch(ctx, taskID, []int{job.StateBadGateway, job.StateUnavailable})
}

// dispatch moves a task to the running state and publishes it to its worker
// queue. The task id travels as the message correlation id so the reply can
// be routed back through Callback. The state is written before the job is
// serialized, so the published snapshot shows the dispatched task as running.
func (h *Handler) dispatch(ctx context.Context, taskID int64, from []int) error {
	var (
		state int
		key   string
		jobID int64
	)
	err := h.db.QueryRowContext(ctx, `SELECT task_state, task_key, job_id FROM tasks WHERE id = $1`, taskID).
		Scan(&state, &key, &jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", taskID, job.ErrTaskNotFound)
	}
	if err != nil {
		return err
	}
	if !slices.Contains(from, state) {
		return fmt.Errorf("task %d in state %d: %w", taskID, state, job.ErrInvalidTransition)
	}

	// The state guard is repeated in SQL: two concurrent dispatches of the
	// same task can both pass the check above, but only one update lands.
	allowed := make([]int64, len(from))
	for i, s := range from {
		allowed[i] = int64(s)
	}
	res, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET task_state = $1, task_msg = '' WHERE id = $2 AND task_state = ANY($3)`,
		job.StateRunning, taskID, pq.Array(allowed))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("task %d in state %d: %w", taskID, state, job.ErrInvalidTransition)
	}

	j, err := h.JobFromJobID(ctx, jobID)
	if err != nil {
		h.restoreTaskState(ctx, taskID, state)
		return err
	}
	body, err := j.ToJSON()
	if err != nil {
		h.restoreTaskState(ctx, taskID, state)
		return err
	}

	correlationID := strconv.FormatInt(taskID, 10)
	if err := h.dispatcher.Publish(ctx, key, j.Priority, h.replyQueue, correlationID, body); err != nil {
		h.restoreTaskState(ctx, taskID, state)
		return fmt.Errorf("dispatch task %d: %w", taskID, err)
	}

	slog.InfoContext(ctx, "task dispatched", "task_id", taskID, "task_key", key, "job_id", jobID)
	return nil
}

// restoreTaskState puts a task back so it stays eligible for another attempt.
func (h *Handler) restoreTaskState(ctx context.Context, taskID int64, state int) {
	if _, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET task_state = $1 WHERE id = $2`, state, taskID); err != nil {
		slog.ErrorContext(ctx, "failed to restore task state after dispatch failure",
			"task_id", taskID, "error", err)
	}
}

// Callback records a worker reply: it persists the task's new state and
// message, merges any extra response keys into the job response under the
// task key, and on success re-runs the job's tree so dependent tasks
// dispatch.
func (h *Handler) Callback(ctx context.Context, taskID int64, res job.TaskResult) error {
	var (
		key   string
		jobID int64
	)
	err := h.db.QueryRowContext(ctx, `SELECT task_key, job_id FROM tasks WHERE id = $1`, taskID).
		Scan(&key, &jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", taskID, job.ErrTaskNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := h.db.ExecContext(ctx,
		`UPDATE tasks SET task_state = $1, task_msg = $2 WHERE id = $3`,
		res.State, res.Message, taskID); err != nil {
		return err
	}

	if len(res.Extra) > 0 {
		if err := h.mergeResponse(ctx, jobID, key, res.Extra); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "task callback recorded",
		"task_id", taskID, "job_id", jobID, "state", res.State)

	if res.State != job.StateDone {
		return nil
	}

	j, err := h.JobFromJobID(ctx, jobID)
	if err != nil {
		return err
	}
	j.SetAPI(h)
	return j.Run(ctx)
}

func (h *Handler) mergeResponse(ctx context.Context, jobID int64, key string, extra map[string]any) error {
	var raw []byte
	err := h.db.QueryRowContext(ctx, `SELECT response FROM jobs WHERE id = $1`, jobID).Scan(&raw)
	if err != nil {
		return err
	}
	response := map[string]map[string]any{}
	if err := json.Unmarshal(raw, &response); err != nil {
		return fmt.Errorf("job %d: decode response: %w", jobID, err)
	}
	if response[key] == nil {
		response[key] = map[string]any{}
	}
	for k, v := range extra {
		response[key][k] = v
	}
	updated, err := json.Marshal(response)
	if err != nil {
		return err
	}
	_, err = h.db.ExecContext(ctx, `UPDATE jobs SET response = $1 WHERE id = $2`, updated, jobID)
	return err
}

func (h *Handler) Search(ctx context.Context, sourceID, sourceSet string) ([]int64, error) {
	query := `SELECT id FROM jobs WHERE source_id = $1 AND ($2 = '' OR source_set = $2) ORDER BY id`
	rows, err := h.db.QueryContext(ctx, query, sourceID, sourceSet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Unfinished returns jobs with a task that is neither running nor done.
func (h *Handler) Unfinished(ctx context.Context) ([]int64, error) {
	query := `SELECT DISTINCT job_id FROM tasks WHERE task_state NOT IN ($1, $2) ORDER BY job_id`
	rows, err := h.db.QueryContext(ctx, query, job.StateRunning, job.StateDone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobCount, TaskCount and UnfinishedJobCount back the stats endpoint.
func (h *Handler) JobCount(ctx context.Context) (int, error) {
	var count int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	return count, err
}

func (h *Handler) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count)
	return count, err
}

func (h *Handler) UnfinishedJobCount(ctx context.Context) (int, error) {
	var count int
	err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT job_id) FROM tasks WHERE task_state NOT IN ($1, $2)`,
		job.StateRunning, job.StateDone).Scan(&count)
	return count, err
}
