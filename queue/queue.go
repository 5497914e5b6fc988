package queue

import (
	"context"
	"encoding/json"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/store"
)

// EntryBody is the wire form of one queue entry. It carries enough to
// reconstruct the execution request idempotently on redelivery.
type EntryBody struct {
	TaskID             string          `json:"task_id"`
	Scene              string          `json:"scene"`
	RequestPayload     json.RawMessage `json:"request_payload"`
	TeamScopeID        string          `json:"team_scope_id"`
	NotificationKind   string          `json:"notification_kind,omitempty"`
	NotificationConfig json.RawMessage `json:"notification_config,omitempty"`
}

// RequestPayload is the serialized execution request inside an entry body.
type RequestPayload struct {
	TenantID      string            `json:"tenant_id,omitempty"`
	ConvoID       string            `json:"convo_id,omitempty"`
	Bag           map[string]string `json:"bag,omitempty"`
	ModelConfigID string            `json:"model_config_id"`
	ToolBindingID string            `json:"tool_binding_id,omitempty"`
	AllowedTools  []string          `json:"allowed_tools,omitempty"`
}

// Queue is the producer side: it persists the task row and publishes the log
// entry that workers consume.
type Queue struct {
	log   *Log
	tasks *store.TaskStore
}

// New creates a queue producer.
func New(log *Log, tasks *store.TaskStore) *Queue {
	return &Queue{log: log, tasks: tasks}
}

// Enqueue persists a pending task and appends its queue entry. The task row
// lands first; a crash between the two leaves a pending task with no entry,
// which an operator can re-enqueue, never a dangling entry for a missing
// task.
func (q *Queue) Enqueue(ctx context.Context, task *store.ExecutionTask) error {
	if task.SceneID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "scene is required")
	}

	if err := q.tasks.Create(ctx, task); err != nil {
		return err
	}

	body, err := json.Marshal(EntryBody{
		TaskID:             task.ID,
		Scene:              task.SceneID,
		RequestPayload:     task.Payload,
		TeamScopeID:        task.TeamID,
		NotificationKind:   task.NotifyKind,
		NotificationConfig: task.NotifyConfig,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal entry body")
	}

	if _, err := q.log.Append(ctx, task.ID, body); err != nil {
		return err
	}
	return nil
}
