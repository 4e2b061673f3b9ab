package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SchemaVersion is the wire schema written by Encode.
const SchemaVersion = 1

// ErrUnsupportedVersion is returned when a payload carries an unknown schema version.
var ErrUnsupportedVersion = errors.New("unsupported task schema version")

type envelope struct {
	Version int             `json:"v"`
	Task    json.RawMessage `json:"task"`
}

// Encode serializes a task into the versioned envelope used by queues and the
// persistence store.
func Encode(t *Task) ([]byte, error) {
	if t == nil {
		return nil, errors.New("encode task: nil task")
	}
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	data, err := json.Marshal(envelope{Version: SchemaVersion, Task: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a versioned envelope back into a Task.
func Decode(data []byte) (*Task, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	var t Task
	if err := json.Unmarshal(env.Task, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.Scratch.Fetch == nil {
		t.Scratch.Fetch = map[string]any{}
	}
	if t.Scratch.Schedule == nil {
		t.Scratch.Schedule = map[string]any{}
	}
	if t.Scratch.Parse == nil {
		t.Scratch.Parse = map[string]any{}
	}
	return &t, nil
}
