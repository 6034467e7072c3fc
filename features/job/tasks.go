package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tree is the contract a job's task container exposes. A tree is either a
// single Task leaf or a Sequence/Parallel container of subtrees. A Job never
// holds a bare leaf: construction and parsing wrap one in a single-element
// Sequence.
type Tree interface {
	json.Marshaler

	// Apply calls fn for every task in the tree.
	Apply(fn func(*Task))

	// SetAPI installs the coordinator API on every task.
	SetAPI(api API)

	// Register persists every task under the given job id, assigning ids.
	Register(ctx context.Context, jobID int64) error

	// Run dispatches the next runnable task(s) according to the container's
	// ordering semantics.
	Run(ctx context.Context) error

	// Retry re-dispatches task(s) that ended in a transient failure state.
	Retry(ctx context.Context) error

	// IsDone reports whether every task in the tree completed successfully.
	IsDone(ctx context.Context) (bool, error)
}

// Task is a single unit of dispatchable work. Its Key selects the worker
// queue binding that handles it; ID and State are assigned and owned by the
// coordinator.
type Task struct {
	ID      int64
	Key     string
	State   int
	Message string

	api API
}

func NewTask(key string) *Task {
	return &Task{Key: key}
}

func (t *Task) Apply(fn func(*Task)) { fn(t) }

func (t *Task) SetAPI(api API) { t.api = api }

func (t *Task) Register(ctx context.Context, jobID int64) error {
	if t.api == nil {
		return fmt.Errorf("%w: cannot register task %q", ErrNoAPI, t.Key)
	}
	if t.ID != 0 {
		return fmt.Errorf("task %d: %w", t.ID, ErrAlreadyRegistered)
	}
	id, err := t.api.Register(ctx, jobID, t)
	if err != nil {
		return err
	}
	t.ID = id
	t.State = StateQueued
	return nil
}

// Run dispatches the task if it is in a dispatchable state. Siblings that
// are already running or have terminally failed are left alone, so tree
// advancement after a callback never re-dispatches them.
func (t *Task) Run(ctx context.Context) error {
	if t.api == nil {
		return fmt.Errorf("%w: cannot run task %q", ErrNoAPI, t.Key)
	}
	if t.ID == 0 {
		return fmt.Errorf("task %q: %w", t.Key, ErrNotRegistered)
	}
	if t.State != StateQueued && !Retryable(t.State) {
		return nil
	}
	return t.api.Run(ctx, t.ID)
}

// Retry re-dispatches the task only when it ended in a transient failure
// state; anything else is a no-op.
func (t *Task) Retry(ctx context.Context) error {
	if t.api == nil {
		return fmt.Errorf("%w: cannot retry task %q", ErrNoAPI, t.Key)
	}
	if t.ID == 0 {
		return fmt.Errorf("task %q: %w", t.Key, ErrNotRegistered)
	}
	if !Retryable(t.State) {
		return nil
	}
	return t.api.Retry(ctx, t.ID)
}

// IsDone trusts a locally known terminal success state, and otherwise asks
// the coordinator for the persisted state.
func (t *Task) IsDone(ctx context.Context) (bool, error) {
	if t.State == StateDone {
		return true, nil
	}
	if t.api != nil && t.ID != 0 {
		return t.api.IsDone(ctx, t.ID)
	}
	return false, nil
}

type taskJSON struct {
	ID      int64  `json:"task_id,omitempty"`
	Key     string `json:"task_key"`
	State   int    `json:"task_state,omitempty"`
	Message string `json:"task_msg,omitempty"`
}

func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]taskJSON{
		"Task": {ID: t.ID, Key: t.Key, State: t.State, Message: t.Message},
	})
}

// Sequence runs its children in order: each child only becomes runnable once
// every child before it reports done.
type Sequence struct {
	children []Tree
}

func NewSequence(children ...Tree) *Sequence {
	return &Sequence{children: children}
}

func (s *Sequence) Apply(fn func(*Task)) {
	for _, c := range s.children {
		c.Apply(fn)
	}
}

func (s *Sequence) SetAPI(api API) {
	for _, c := range s.children {
		c.SetAPI(api)
	}
}

func (s *Sequence) Register(ctx context.Context, jobID int64) error {
	for _, c := range s.children {
		if err := c.Register(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequence) Run(ctx context.Context) error {
	for _, c := range s.children {
		done, err := c.IsDone(ctx)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		return c.Run(ctx)
	}
	return nil
}

func (s *Sequence) Retry(ctx context.Context) error {
	for _, c := range s.children {
		done, err := c.IsDone(ctx)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		return c.Retry(ctx)
	}
	return nil
}

func (s *Sequence) IsDone(ctx context.Context) (bool, error) {
	for _, c := range s.children {
		done, err := c.IsDone(ctx)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

func (s *Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Tree{"Sequence": s.children})
}

// Parallel runs all of its unfinished children at once.
type Parallel struct {
	children []Tree
}

func NewParallel(children ...Tree) *Parallel {
	return &Parallel{children: children}
}

func (p *Parallel) Apply(fn func(*Task)) {
	for _, c := range p.children {
		c.Apply(fn)
	}
}

func (p *Parallel) SetAPI(api API) {
	for _, c := range p.children {
		c.SetAPI(api)
	}
}

func (p *Parallel) Register(ctx context.Context, jobID int64) error {
	for _, c := range p.children {
		if err := c.Register(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parallel) Run(ctx context.Context) error {
	var errs []error
	for _, c := range p.children {
		done, err := c.IsDone(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		if err := c.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Parallel) Retry(ctx context.Context) error {
	var errs []error
	for _, c := range p.children {
		done, err := c.IsDone(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			continue
		}
		if err := c.Retry(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Parallel) IsDone(ctx context.Context) (bool, error) {
	for _, c := range p.children {
		done, err := c.IsDone(ctx)
		if err != nil || !done {
			return false, err
		}
	}
	return true, nil
}

func (p *Parallel) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Tree{"Parallel": p.children})
}

// ParseTree decodes the wire form of a task tree: {"Task": {...}},
// {"Sequence": [...]}, {"Parallel": [...]}, or a bare task object carrying a
// task_key. Anything else is rejected with ErrInvalidJob.
func ParseTree(data []byte) (Tree, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: tasks: %v", ErrInvalidJob, err)
	}
	return parseNode(node)
}

func parseNode(node map[string]json.RawMessage) (Tree, error) {
	if raw, ok := node["Task"]; ok {
		return parseTask(raw)
	}
	if raw, ok := node["Sequence"]; ok {
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return NewSequence(children...), nil
	}
	if raw, ok := node["Parallel"]; ok {
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return NewParallel(children...), nil
	}
	if _, ok := node["task_key"]; ok {
		raw, err := json.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("%w: tasks: %v", ErrInvalidJob, err)
		}
		return parseTask(raw)
	}
	return nil, fmt.Errorf("%w: tasks: unknown node shape", ErrInvalidJob)
}

func parseTask(raw json.RawMessage) (*Task, error) {
	var tj taskJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("%w: tasks: %v", ErrInvalidJob, err)
	}
	if tj.Key == "" {
		return nil, fmt.Errorf("%w: tasks: missing task_key", ErrInvalidJob)
	}
	return &Task{ID: tj.ID, Key: tj.Key, State: tj.State, Message: tj.Message}, nil
}

func parseChildren(raw json.RawMessage) ([]Tree, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: tasks: %v", ErrInvalidJob, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: tasks: empty container", ErrInvalidJob)
	}
	children := make([]Tree, 0, len(items))
	for _, item := range items {
		child, err := parseNode(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// asContainer guarantees the tree-shaped invariant: a bare task leaf is
// wrapped in a single-element Sequence.
func asContainer(t Tree) Tree {
	if leaf, ok := t.(*Task); ok {
		return NewSequence(leaf)
	}
	return t
}
