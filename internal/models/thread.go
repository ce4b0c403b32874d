package models

import "time"

// Thread aggregates one conversation. A thread exists iff it has at
// least one message; its counters are derived state recomputed whenever
// a member message is saved or removed.
type Thread struct {
	ID        string `json:"id"`
	AccountID string `json:"aid"`
	Version   int    `json:"v"`

	GmailThreadID string `json:"gThrId,omitempty"`
	Subject       string `json:"subject"`
	Snippet       string `json:"snippet"`

	UnreadCount     int `json:"unread"`
	MessageCount    int `json:"total"`
	AttachmentCount int `json:"attachments"`

	Starred bool `json:"starred"`

	// CategoryIDs is the union of member messages' folder/label ids.
	CategoryIDs []string `json:"categoryIds,omitempty"`

	FirstMessageDate time.Time `json:"firstMessageDate"`
	LastMessageDate  time.Time `json:"lastMessageDate"`

	// SearchRowID points at the thread's single FTS row, 0 when the
	// thread has not been indexed yet.
	SearchRowID int64 `json:"searchRowId,omitempty"`
}

// NewThread seeds a conversation from its first message.
func NewThread(id, accountID, subject, gmailThreadID string) *Thread {
	return &Thread{ID: id, AccountID: accountID, Subject: subject, GmailThreadID: gmailThreadID}
}

func (t *Thread) TableName() string      { return TableThread }
func (t *Thread) ModelID() string        { return t.ID }
func (t *Thread) ModelAccountID() string { return t.AccountID }
func (t *Thread) ModelVersion() int      { return t.Version }
func (t *Thread) SetModelVersion(v int)  { t.Version = v }

func (t *Thread) ProjectedColumns() []string {
	return []string{"gThrId", "subject", "unread", "lastMessageDate"}
}

func (t *Thread) ProjectedValues() []any {
	return []any{t.GmailThreadID, t.Subject, t.UnreadCount, t.LastMessageDate.Unix()}
}

// InCategory reports membership in a folder/label category.
func (t *Thread) InCategory(categoryID string) bool {
	for _, id := range t.CategoryIDs {
		if id == categoryID {
			return true
		}
	}
	return false
}

// ThreadReference joins a Message-ID reachable from a thread back to
// the thread, so future messages citing it in References land in the
// same conversation. Unique on (accountId, headerMessageId).
type ThreadReference struct {
	ID              string `json:"id"`
	AccountID       string `json:"aid"`
	Version         int    `json:"v"`
	ThreadID        string `json:"threadId"`
	HeaderMessageID string `json:"headerMessageId"`
}

func (r *ThreadReference) TableName() string      { return TableThreadReference }
func (r *ThreadReference) ModelID() string        { return r.ID }
func (r *ThreadReference) ModelAccountID() string { return r.AccountID }
func (r *ThreadReference) ModelVersion() int      { return r.Version }
func (r *ThreadReference) SetModelVersion(v int)  { r.Version = v }

func (r *ThreadReference) ProjectedColumns() []string {
	return []string{"threadId", "headerMessageId"}
}

func (r *ThreadReference) ProjectedValues() []any {
	return []any{r.ThreadID, r.HeaderMessageID}
}
