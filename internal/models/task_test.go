package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskJSONFlattensPayload(t *testing.T) {
	frame := []byte(`{
		"id": "task-1",
		"accountId": "acct-1",
		"__cls": "MarkUnread",
		"status": "local",
		"unread": true,
		"messageIds": ["m1", "m2"]
	}`)

	var task Task
	require.NoError(t, json.Unmarshal(frame, &task))

	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "MarkUnread", task.Cls)
	assert.Equal(t, TaskStatusLocal, task.Status)
	assert.True(t, task.Bool("unread"))
	assert.Equal(t, []string{"m1", "m2"}, task.StringList("messageIds"))

	// Round trip keeps payload keys at the top level.
	out, err := json.Marshal(&task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.Equal(t, "MarkUnread", raw["__cls"])
	assert.Equal(t, true, raw["unread"])
	assert.NotContains(t, raw, "Payload")
}

func TestTaskShouldCancelAndError(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":"t","__cls":"SendDraft","status":"remote","should_cancel":true}`), &task))
	assert.True(t, task.ShouldCancel)

	task.SetError("remote", "mailbox does not exist")
	out, err := json.Marshal(&task)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(out, &raw))
	errPayload, ok := raw["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "remote", errPayload["kind"])
}
