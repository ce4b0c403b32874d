package models

import "strings"

// Mailbox roles, inferred from IMAP special-use attributes and provider
// path hints. RoleNone marks an ordinary folder.
const (
	RoleInbox     = "inbox"
	RoleSent      = "sent"
	RoleDrafts    = "drafts"
	RoleAll       = "all"
	RoleArchive   = "archive"
	RoleTrash     = "trash"
	RoleSpam      = "spam"
	RoleImportant = "important"
	RoleNone      = ""
)

// roleSweepOrder is the priority in which folders are synced.
var roleSweepOrder = []string{RoleInbox, RoleSent, RoleDrafts, RoleAll, RoleArchive, RoleTrash, RoleSpam}

// RoleSweepRank orders folders for the background sweep; folders with
// unknown roles sort last.
func RoleSweepRank(role string) int {
	for i, r := range roleSweepOrder {
		if r == role {
			return i
		}
	}
	return len(roleSweepOrder)
}

// FolderLocalStatus is the per-folder sync cursor persisted inside the
// Folder's data blob.
type FolderLocalStatus struct {
	UIDValidity   uint32 `json:"uidvalidity"`
	UIDNext       uint32 `json:"uidnext"`
	HighestModSeq uint64 `json:"highestmodseq"`
	FullScanHead  uint32 `json:"fullScanHead"`
	FullScanTime  int64  `json:"fullScanTime"`
}

// Seeded reports whether the folder has been seen before. A real
// mailbox never reports UIDVALIDITY 0.
func (s *FolderLocalStatus) Seeded() bool {
	return s.UIDValidity != 0
}

// Folder is a remote mailbox we sync messages for. On Gmail-like
// providers only the all/spam/trash mailboxes are Folders; the rest of
// the label namespace becomes Labels.
type Folder struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"aid"`
	Version     int               `json:"v"`
	Path        string            `json:"path"`
	Role        string            `json:"role"`
	LocalStatus FolderLocalStatus `json:"localStatus"`
}

// NewFolder builds a folder with its deterministic id.
func NewFolder(accountID, path, role string) *Folder {
	return &Folder{ID: IDForFolder(accountID, path), AccountID: accountID, Path: path, Role: role}
}

func (f *Folder) TableName() string      { return TableFolder }
func (f *Folder) ModelID() string        { return f.ID }
func (f *Folder) ModelAccountID() string { return f.AccountID }
func (f *Folder) ModelVersion() int      { return f.Version }
func (f *Folder) SetModelVersion(v int)  { f.Version = v }

func (f *Folder) ProjectedColumns() []string { return []string{"path", "role"} }
func (f *Folder) ProjectedValues() []any     { return []any{f.Path, f.Role} }

// Label is a server-side label on providers that expose labels as
// folders. Identical shape to Folder, separate table.
type Label struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"aid"`
	Version     int               `json:"v"`
	Path        string            `json:"path"`
	Role        string            `json:"role"`
	LocalStatus FolderLocalStatus `json:"localStatus"`
}

// NewLabel builds a label with its deterministic id.
func NewLabel(accountID, path, role string) *Label {
	return &Label{ID: IDForFolder(accountID, path), AccountID: accountID, Path: path, Role: role}
}

func (l *Label) TableName() string      { return TableLabel }
func (l *Label) ModelID() string        { return l.ID }
func (l *Label) ModelAccountID() string { return l.AccountID }
func (l *Label) ModelVersion() int      { return l.Version }
func (l *Label) SetModelVersion(v int)  { l.Version = v }

func (l *Label) ProjectedColumns() []string { return []string{"path", "role"} }
func (l *Label) ProjectedValues() []any     { return []any{l.Path, l.Role} }

// RoleForMailbox infers the canonical role from special-use attributes
// (already normalized, e.g. "\Sent") falling back to well-known path
// names. Providers that advertise no special-use flags still get
// sensible roles for the common English paths.
func RoleForMailbox(path string, attributes []string) string {
	for _, attr := range attributes {
		switch attr {
		case `\Inbox`:
			return RoleInbox
		case `\Sent`:
			return RoleSent
		case `\Drafts`:
			return RoleDrafts
		case `\All`:
			return RoleAll
		case `\Archive`:
			return RoleArchive
		case `\Trash`:
			return RoleTrash
		case `\Junk`:
			return RoleSpam
		case `\Important`:
			return RoleImportant
		}
	}

	name := strings.ToLower(path)
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "inbox":
		return RoleInbox
	case "sent", "sent mail", "sent messages", "sent items":
		return RoleSent
	case "drafts", "draft":
		return RoleDrafts
	case "all mail", "all", "archive":
		if name == "archive" {
			return RoleArchive
		}
		return RoleAll
	case "trash", "deleted messages", "deleted items":
		return RoleTrash
	case "spam", "junk", "junk mail":
		return RoleSpam
	case "important":
		return RoleImportant
	}
	return RoleNone
}
