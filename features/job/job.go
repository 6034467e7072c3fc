package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// SharedKey is the reserved response key holding resources common to every
// task of a job, notably the TEMP_FOLDER and OUT_FOLDER working directories.
const SharedKey = "SHARED"

// Job is the aggregate root tying source material, a task tree, metadata and
// the accumulated task responses together. The attached API is never part of
// the serialized form.
type Job struct {
	SourceURL string
	SourceID  string
	SourceSet string

	// JobID is assigned once by the coordinator on registration.
	JobID *int64

	Tasks    Tree
	Metadata map[string]string
	Priority int
	Response map[string]map[string]any

	api API
}

// New builds an unregistered job. Each instance gets its own metadata and
// response maps; a bare task is wrapped so Tasks always has container
// semantics.
func New(sourceURL, sourceID, sourceSet string, tasks Tree) *Job {
	return &Job{
		SourceURL: sourceURL,
		SourceID:  sourceID,
		SourceSet: sourceSet,
		Tasks:     asContainer(tasks),
		Metadata:  map[string]string{},
		Priority:  1,
		Response:  map[string]map[string]any{},
	}
}

type jobJSON struct {
	SourceURL string                    `json:"source_url"`
	SourceID  string                    `json:"source_id"`
	SourceSet string                    `json:"source_set"`
	JobID     *int64                    `json:"job_id"`
	Tasks     json.RawMessage           `json:"tasks"`
	Metadata  map[string]string         `json:"metadata"`
	Priority  *int                      `json:"priority"`
	Response  map[string]map[string]any `json:"response"`
}

// ToJSON returns the complete textual representation of the job. The
// attached API is excluded.
func (j *Job) ToJSON() ([]byte, error) {
	tasks, err := j.Tasks.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialize tasks: %w", err)
	}
	priority := j.Priority
	return json.Marshal(jobJSON{
		SourceURL: j.SourceURL,
		SourceID:  j.SourceID,
		SourceSet: j.SourceSet,
		JobID:     j.JobID,
		Tasks:     tasks,
		Metadata:  j.Metadata,
		Priority:  &priority,
		Response:  j.Response,
	})
}

func (j *Job) MarshalJSON() ([]byte, error) { return j.ToJSON() }

// FromJSON parses and validates a serialized job. Unknown fields and missing
// required fields are rejected with ErrInvalidJob rather than coerced.
func FromJSON(data []byte) (*Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw jobJSON
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if raw.SourceURL == "" || raw.SourceID == "" || raw.SourceSet == "" {
		return nil, fmt.Errorf("%w: source_url, source_id and source_set are required", ErrInvalidJob)
	}
	if len(raw.Tasks) == 0 {
		return nil, fmt.Errorf("%w: tasks are required", ErrInvalidJob)
	}

	tree, err := ParseTree(raw.Tasks)
	if err != nil {
		return nil, err
	}

	j := New(raw.SourceURL, raw.SourceID, raw.SourceSet, tree)
	j.JobID = raw.JobID
	if raw.Metadata != nil {
		j.Metadata = raw.Metadata
	}
	if raw.Priority != nil {
		j.Priority = *raw.Priority
	}
	if raw.Response != nil {
		j.Response = raw.Response
	}
	return j, nil
}

// SetAPI installs the coordinator API on the job and every task in its tree.
func (j *Job) SetAPI(api API) *Job {
	j.api = api
	j.Tasks.SetAPI(api)
	return j
}

// Register persists the job with the coordinator: working directories are
// merged into the SHARED response key, a job id is assigned, every task gets
// its own id and the updated tree is propagated back. Registering twice is
// an error, caught before the coordinator is contacted.
func (j *Job) Register(ctx context.Context) error {
	if j.JobID != nil {
		return fmt.Errorf("job %d: %w", *j.JobID, ErrAlreadyRegistered)
	}
	if j.api == nil {
		return fmt.Errorf("%w: cannot register job", ErrNoAPI)
	}

	if j.Response == nil {
		j.Response = map[string]map[string]any{}
	}
	shared := j.Response[SharedKey]
	if shared == nil {
		shared = map[string]any{}
		j.Response[SharedKey] = shared
	}
	dirs, err := j.api.GetDirs(ctx, j)
	if err != nil {
		return fmt.Errorf("provision job dirs: %w", err)
	}
	for k, v := range dirs {
		shared[k] = v
	}

	id, err := j.api.RegisterJob(ctx, j)
	if err != nil {
		return err
	}
	j.JobID = &id

	if err := j.Tasks.Register(ctx, id); err != nil {
		return err
	}
	return j.api.PropagateTaskIDs(ctx, j)
}

// Refresh replaces tasks, response and metadata with the coordinator's
// authoritative copy, discarding local unsynced changes to those fields.
func (j *Job) Refresh(ctx context.Context) error {
	if j.JobID == nil {
		return fmt.Errorf("%w: cannot refresh unregistered job", ErrNotRegistered)
	}
	if j.api == nil {
		return fmt.Errorf("%w: cannot refresh job", ErrNoAPI)
	}

	fresh, err := j.api.JobFromJobID(ctx, *j.JobID)
	if err != nil {
		return err
	}
	j.Tasks = fresh.Tasks
	j.Tasks.SetAPI(j.api)
	j.Response = fresh.Response
	j.Metadata = fresh.Metadata
	return nil
}

// Apply calls fn for every task belonging to this job.
func (j *Job) Apply(fn func(*Task)) *Job {
	j.Tasks.Apply(fn)
	return j
}

// Run dispatches the runnable tasks in this job.
func (j *Job) Run(ctx context.Context) error {
	return j.Tasks.Run(ctx)
}

// Retry re-dispatches tasks that ended in a transient failure state.
func (j *Job) Retry(ctx context.Context) error {
	return j.Tasks.Retry(ctx)
}

// IsDone reports whether every task completed successfully.
func (j *Job) IsDone(ctx context.Context) (bool, error) {
	return j.Tasks.IsDone(ctx)
}
