package models

import (
	"math"
	"sort"
	"time"
)

// UnlinkedUIDForPhase is the sentinel remote UID marking a message as
// unlinked during the given sweep phase. Any remote UID above
// MaxUint32-5 is a sentinel, never a real server UID.
func UnlinkedUIDForPhase(phase int) uint32 {
	return math.MaxUint32 - uint32(phase)
}

// IsUnlinkedUID reports whether uid is an unlink sentinel.
func IsUnlinkedUID(uid uint32) bool {
	return uid > math.MaxUint32-5
}

// Address is one mailbox participant.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is one mail item in one remote folder. The id derives from
// (accountId, providerMessageId) so the same item observed in a second
// folder resolves to the same row.
type Message struct {
	ID        string `json:"id"`
	AccountID string `json:"aid"`
	Version   int    `json:"v"`

	ThreadID        string `json:"threadId"`
	HeaderMessageID string `json:"hMsgId"`
	GmailMessageID  string `json:"gMsgId,omitempty"`
	GmailThreadID   string `json:"gThrId,omitempty"`

	Subject string    `json:"subject"`
	Snippet string    `json:"snippet"`
	Date    time.Time `json:"date"`

	Unread  bool `json:"unread"`
	Starred bool `json:"starred"`
	Draft   bool `json:"draft"`

	RemoteUID        uint32   `json:"remoteUID"`
	RemoteFolderID   string   `json:"remoteFolderId"`
	RemoteFolderPath string   `json:"remoteFolderPath"`
	ClientFolderID   string   `json:"clientFolderId"`
	RemoteXGMLabels  []string `json:"remoteXGMLabels,omitempty"`

	// CategoryIDs are the folder/label ids this message belongs to,
	// resolved at ingest time; threads aggregate them for counters.
	CategoryIDs []string `json:"categoryIds,omitempty"`

	SyncedAt int64 `json:"syncedAt"`

	To   []Address `json:"to,omitempty"`
	From []Address `json:"from,omitempty"`
	CC   []Address `json:"cc,omitempty"`
	BCC  []Address `json:"bcc,omitempty"`

	Files []*File `json:"files,omitempty"`
}

func (m *Message) TableName() string      { return TableMessage }
func (m *Message) ModelID() string        { return m.ID }
func (m *Message) ModelAccountID() string { return m.AccountID }
func (m *Message) ModelVersion() int      { return m.Version }
func (m *Message) SetModelVersion(v int)  { m.Version = v }

func (m *Message) ProjectedColumns() []string {
	return []string{"threadId", "headerMessageId", "folderId", "folderImapUID", "date", "unread", "starred", "draft"}
}

func (m *Message) ProjectedValues() []any {
	return []any{m.ThreadID, m.HeaderMessageID, m.RemoteFolderID, int64(m.RemoteUID), m.Date.Unix(), m.Unread, m.Starred, m.Draft}
}

// IsUnlinked reports whether the message has been marked gone from its
// folder and is awaiting the delete phase.
func (m *Message) IsUnlinked() bool {
	return IsUnlinkedUID(m.RemoteUID)
}

// IsSentByUser reports whether the message originates from the account
// owner, which drives contact refcounting.
func (m *Message) IsSentByUser(accountEmail string) bool {
	key := ContactKeyForEmail(accountEmail)
	for _, a := range m.From {
		if ContactKeyForEmail(a.Email) == key && key != "" {
			return true
		}
	}
	return false
}

// HasAttachments reports whether any non-inline file is present.
func (m *Message) HasAttachments() bool {
	for _, f := range m.Files {
		if f.ContentID == "" {
			return true
		}
	}
	return false
}

// MessageAttributes is the flag/placement subset of a message compared
// during reconciliation.
type MessageAttributes struct {
	UID      uint32
	Unread   bool
	Starred  bool
	Draft    bool
	Labels   []string
	FolderID string
}

// Attributes extracts the comparable attributes of a local message.
func (m *Message) Attributes() MessageAttributes {
	return MessageAttributes{
		UID:      m.RemoteUID,
		Unread:   m.Unread,
		Starred:  m.Starred,
		Draft:    m.Draft,
		Labels:   m.RemoteXGMLabels,
		FolderID: m.RemoteFolderID,
	}
}

// AttributesMatch reports whether two attribute sets are identical,
// ignoring label ordering.
func AttributesMatch(a, b MessageAttributes) bool {
	if a.UID != b.UID || a.Unread != b.Unread || a.Starred != b.Starred || a.Draft != b.Draft || a.FolderID != b.FolderID {
		return false
	}
	return labelsEqual(a.Labels, b.Labels)
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
