package core

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annopipe/features/job"
)

type publishCall struct {
	key           string
	priority      int
	replyTo       string
	correlationID string
	body          []byte
}

type fakeDispatcher struct {
	mu        sync.Mutex
	published []publishCall
	err       error
}

func (f *fakeDispatcher) Publish(ctx context.Context, key string, priority int, replyTo, correlationID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishCall{
		key: key, priority: priority, replyTo: replyTo, correlationID: correlationID, body: body,
	})
	return nil
}

func newTestHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, *fakeDispatcher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dispatcher := &fakeDispatcher{}
	return NewHandler(db, dispatcher, t.TempDir(), "annopipe.responses"), mock, dispatcher
}

func jobRows(priority int, tasks string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"source_url", "source_id", "source_set", "priority", "metadata", "response", "tasks"}).
		AddRow("http://archive.example/item/42.mp4", "item-42", "broadcast", priority, []byte(`{}`), []byte(`{}`), []byte(tasks))
}

func expectJobLoad(mock sqlmock.Sqlmock, jobID int64, priority int, tasks string, states *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT source_url, source_id, source_set, priority, metadata, response, tasks`).
		WithArgs(jobID).
		WillReturnRows(jobRows(priority, tasks))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, task_state, task_msg FROM tasks WHERE job_id = $1`)).
		WithArgs(jobID).
		WillReturnRows(states)
}

func TestRegisterJob(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	j := job.New("http://x", "item-42", "broadcast", job.NewTask("asr"))
	j.Priority = 5

	mock.ExpectQuery(`INSERT INTO jobs`).
		WithArgs("http://x", "item-42", "broadcast", 5, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	id, err := h.RegisterJob(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPropagateTaskIDsRequiresRegistration(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	j := job.New("http://x", "item-42", "broadcast", job.NewTask("asr"))
	err := h.PropagateTaskIDs(context.Background(), j)
	assert.ErrorIs(t, err, job.ErrNotRegistered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDirs(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler(nil, nil, dir, "annopipe.responses")

	j := job.New("http://x", "item-42", "broadcast", job.NewTask("asr"))
	dirs, err := h.GetDirs(context.Background(), j)
	require.NoError(t, err)

	want := filepath.Join(dir, "jobs", "broadcast", "item-42")
	assert.Equal(t, filepath.Join(want, "tmp"), dirs["TEMP_FOLDER"])
	assert.Equal(t, filepath.Join(want, "out"), dirs["OUT_FOLDER"])

	for _, d := range dirs {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// Provisioning again for the same source is a no-op.
	again, err := h.GetDirs(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, dirs, again)
}

func TestTaskStateNotFound(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_state FROM tasks WHERE id = $1`)).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := h.TaskState(context.Background(), 99)
	assert.ErrorIs(t, err, job.ErrTaskNotFound)
}

func TestRunRejectsFinishedTask(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateDone, "asr", 12))

	err := h.Run(context.Background(), 2)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.Empty(t, dispatcher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryRejectsQueuedTask(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateQueued, "asr", 12))

	err := h.Retry(context.Background(), 2)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.Empty(t, dispatcher.published)
}

func TestRetryDispatchesTransientFailure(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	tasks := `{"Sequence": [{"Task": {"task_id": 2, "task_key": "asr", "task_state": 503}}]}`

	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateUnavailable, "asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = '' WHERE id = $2 AND task_state = ANY($3)`)).
		WithArgs(job.StateRunning, int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectJobLoad(mock, 12, 5, tasks,
		sqlmock.NewRows([]string{"id", "task_state", "task_msg"}).
			AddRow(2, job.StateRunning, ""))

	require.NoError(t, h.Retry(context.Background(), 2))

	require.Len(t, dispatcher.published, 1)
	call := dispatcher.published[0]
	assert.Equal(t, "asr", call.key)
	assert.Equal(t, 5, call.priority)
	assert.Equal(t, "annopipe.responses", call.replyTo)
	assert.Equal(t, "2", call.correlationID)

	body, err := job.FromJSON(call.body)
	require.NoError(t, err)
	assert.Equal(t, "item-42", body.SourceID)
	// The published snapshot already shows the dispatched task as running.
	body.Apply(func(task *job.Task) {
		assert.Equal(t, job.StateRunning, task.State)
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Two concurrent dispatches can both pass the initial state check; the SQL
// guard lets only one through.
func TestDispatchLosesRaceToConcurrentDispatch(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateQueued, "asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = '' WHERE id = $2 AND task_state = ANY($3)`)).
		WithArgs(job.StateRunning, int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := h.Run(context.Background(), 2)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.Empty(t, dispatcher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchRestoresStateOnPublishFailure(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)
	dispatcher.err = assert.AnError

	tasks := `{"Sequence": [{"Task": {"task_id": 2, "task_key": "asr", "task_state": 201}}]}`

	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateQueued, "asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = '' WHERE id = $2 AND task_state = ANY($3)`)).
		WithArgs(job.StateRunning, int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectJobLoad(mock, 12, 1, tasks,
		sqlmock.NewRows([]string{"id", "task_state", "task_msg"}).
			AddRow(2, job.StateRunning, ""))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1 WHERE id = $2`)).
		WithArgs(job.StateQueued, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := h.Run(context.Background(), 2)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackRecordsFailureWithoutAdvancing(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	mock.ExpectQuery(`SELECT task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_key", "job_id"}).AddRow("asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = $2 WHERE id = $3`)).
		WithArgs(job.StateUnavailable, "worker offline", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := job.TaskResult{State: job.StateUnavailable, Message: "worker offline"}
	require.NoError(t, h.Callback(context.Background(), 2, res))
	assert.Empty(t, dispatcher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCallbackMergesExtraIntoResponse(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	mock.ExpectQuery(`SELECT task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_key", "job_id"}).AddRow("asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = $2 WHERE id = $3`)).
		WithArgs(job.StateError, "decode failed", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT response FROM jobs WHERE id = $1`)).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"response"}).
			AddRow([]byte(`{"SHARED": {"TEMP_FOLDER": "/data/tmp"}}`)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET response = $1 WHERE id = $2`)).
		WithArgs([]byte(`{"SHARED":{"TEMP_FOLDER":"/data/tmp"},"asr":{"attempted_codec":"aac"}}`), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := job.TaskResult{
		State:   job.StateError,
		Message: "decode failed",
		Extra:   map[string]any{"attempted_codec": "aac"},
	}
	require.NoError(t, h.Callback(context.Background(), 2, res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A successful callback re-runs the job tree, which dispatches the next
// queued task of the sequence.
func TestCallbackSuccessDispatchesNextTask(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	tasks := `{"Sequence": [
		{"Task": {"task_id": 1, "task_key": "download"}},
		{"Task": {"task_id": 2, "task_key": "asr"}}
	]}`

	mock.ExpectQuery(`SELECT task_key, job_id FROM tasks`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"task_key", "job_id"}).AddRow("download", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = $2 WHERE id = $3`)).
		WithArgs(job.StateDone, "ok", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Re-running the tree: the first task is already done, the second is
	// still queued and gets dispatched.
	expectJobLoad(mock, 12, 1, tasks,
		sqlmock.NewRows([]string{"id", "task_state", "task_msg"}).
			AddRow(1, job.StateDone, "ok").
			AddRow(2, job.StateQueued, ""))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_state FROM tasks WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state"}).AddRow(job.StateQueued))
	mock.ExpectQuery(`SELECT task_state, task_key, job_id FROM tasks`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state", "task_key", "job_id"}).
			AddRow(job.StateQueued, "asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = '' WHERE id = $2 AND task_state = ANY($3)`)).
		WithArgs(job.StateRunning, int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectJobLoad(mock, 12, 1, tasks,
		sqlmock.NewRows([]string{"id", "task_state", "task_msg"}).
			AddRow(1, job.StateDone, "ok").
			AddRow(2, job.StateRunning, ""))

	res := job.TaskResult{State: job.StateDone, Message: "ok"}
	require.NoError(t, h.Callback(context.Background(), 1, res))

	require.Len(t, dispatcher.published, 1)
	assert.Equal(t, "asr", dispatcher.published[0].key)
	assert.Equal(t, "2", dispatcher.published[0].correlationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A task finishing while its parallel siblings are still running or have
// terminally failed must not surface as a callback error: advancement leaves
// those siblings alone.
func TestCallbackSuccessLeavesBusyParallelSiblingsAlone(t *testing.T) {
	h, mock, dispatcher := newTestHandler(t)

	tasks := `{"Parallel": [
		{"Task": {"task_id": 1, "task_key": "asr"}},
		{"Task": {"task_id": 2, "task_key": "ocr"}},
		{"Task": {"task_id": 3, "task_key": "faces"}}
	]}`

	mock.ExpectQuery(`SELECT task_key, job_id FROM tasks`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"task_key", "job_id"}).AddRow("asr", 12))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET task_state = $1, task_msg = $2 WHERE id = $3`)).
		WithArgs(job.StateDone, "ok", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Re-running the tree: task 2 is mid-flight, task 3 failed terminally.
	// Neither may be dispatched again.
	expectJobLoad(mock, 12, 1, tasks,
		sqlmock.NewRows([]string{"id", "task_state", "task_msg"}).
			AddRow(1, job.StateDone, "ok").
			AddRow(2, job.StateRunning, "").
			AddRow(3, job.StateError, "boom"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_state FROM tasks WHERE id = $1`)).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state"}).AddRow(job.StateRunning))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT task_state FROM tasks WHERE id = $1`)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"task_state"}).AddRow(job.StateError))

	res := job.TaskResult{State: job.StateDone, Message: "ok"}
	require.NoError(t, h.Callback(context.Background(), 1, res))
	assert.Empty(t, dispatcher.published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	mock.ExpectQuery(`SELECT id FROM jobs WHERE source_id`).
		WithArgs("item-42", "broadcast").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3).AddRow(9))

	ids, err := h.Search(context.Background(), "item-42", "broadcast")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, ids)
}

func TestUnfinished(t *testing.T) {
	h, mock, _ := newTestHandler(t)

	mock.ExpectQuery(`SELECT DISTINCT job_id FROM tasks`).
		WithArgs(job.StateRunning, job.StateDone).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(12))

	ids, err := h.Unfinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, ids)
}
