package models

import "encoding/json"

// Task statuses. Local tasks are applied optimistically and promoted to
// remote; the foreground worker drains remote tasks against the server.
const (
	TaskStatusLocal       = "local"
	TaskStatusRemote      = "remote"
	TaskStatusLocalError  = "local-error"
	TaskStatusRemoteError = "remote-error"
	TaskStatusCancelled   = "cancelled"
	TaskStatusComplete    = "complete"
)

// Task variant names carried in the __cls discriminator.
const (
	TaskMarkUnread         = "MarkUnread"
	TaskChangeStarred      = "ChangeStarred"
	TaskChangeFolder       = "ChangeFolder"
	TaskChangeLabels       = "ChangeLabels"
	TaskSyncbackDraft      = "SyncbackDraft"
	TaskSendDraft          = "SendDraft"
	TaskDestroyDraft       = "DestroyDraft"
	TaskExpungeAllInFolder = "ExpungeAllInFolder"
)

// Task is one client-initiated operation. The variant-specific payload
// keys live flattened alongside the well-known fields, exactly as the
// client frames them.
type Task struct {
	ID           string
	AccountID    string
	Version      int
	Cls          string
	Status       string
	ShouldCancel bool
	Error        map[string]any

	// Payload holds the variant-specific keys.
	Payload map[string]any
}

func (t *Task) TableName() string      { return TableTask }
func (t *Task) ModelID() string        { return t.ID }
func (t *Task) ModelAccountID() string { return t.AccountID }
func (t *Task) ModelVersion() int      { return t.Version }
func (t *Task) SetModelVersion(v int)  { t.Version = v }

func (t *Task) ProjectedColumns() []string { return []string{"status"} }
func (t *Task) ProjectedValues() []any     { return []any{t.Status} }

// MarshalJSON flattens the payload keys beside the fixed fields.
func (t *Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Payload)+6)
	for k, v := range t.Payload {
		out[k] = v
	}
	out["id"] = t.ID
	out["accountId"] = t.AccountID
	out["v"] = t.Version
	out["__cls"] = t.Cls
	out["status"] = t.Status
	if t.ShouldCancel {
		out["should_cancel"] = true
	}
	if t.Error != nil {
		out["error"] = t.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the fixed fields back out of the flattened
// document; every unrecognized key lands in Payload.
func (t *Task) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Payload = map[string]any{}
	for k, v := range raw {
		switch k {
		case "id":
			t.ID, _ = v.(string)
		case "accountId":
			t.AccountID, _ = v.(string)
		case "v":
			if f, ok := v.(float64); ok {
				t.Version = int(f)
			}
		case "__cls":
			t.Cls, _ = v.(string)
		case "status":
			t.Status, _ = v.(string)
		case "should_cancel":
			t.ShouldCancel, _ = v.(bool)
		case "error":
			if m, ok := v.(map[string]any); ok {
				t.Error = m
			}
		default:
			t.Payload[k] = v
		}
	}
	return nil
}

// StringList reads a payload key holding a list of strings.
func (t *Task) StringList(key string) []string {
	raw, ok := t.Payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// String reads a payload key holding a string.
func (t *Task) String(key string) string {
	s, _ := t.Payload[key].(string)
	return s
}

// Bool reads a payload key holding a bool.
func (t *Task) Bool(key string) bool {
	b, _ := t.Payload[key].(bool)
	return b
}

// SetError records a structured error payload on the task.
func (t *Task) SetError(kind, message string) {
	t.Error = map[string]any{"kind": kind, "message": message}
}
