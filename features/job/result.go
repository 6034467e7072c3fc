package job

import (
	"encoding/json"
	"fmt"
)

// TaskResult is the outcome a worker reports for one task. On the wire it is
// a flat JSON object with at least "state" and "message"; any other keys end
// up in Extra and are merged into the job response by the coordinator.
type TaskResult struct {
	State   int
	Message string
	Extra   map[string]any
}

func (r TaskResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+2)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["state"] = r.State
	m["message"] = r.Message
	return json.Marshal(m)
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	state, ok := m["state"].(float64)
	if !ok {
		return fmt.Errorf("%w: missing state", ErrInvalidResult)
	}
	message, ok := m["message"].(string)
	if !ok {
		return fmt.Errorf("%w: missing message", ErrInvalidResult)
	}
	delete(m, "state")
	delete(m, "message")

	r.State = int(state)
	r.Message = message
	r.Extra = nil
	if len(m) > 0 {
		r.Extra = m
	}
	return nil
}
