package imap

import (
	"time"

	"github.com/tuksik/mailsync/internal/models"
)

// Capability names the session cares about.
const (
	CapCondstore = "CONDSTORE"
	CapQResync   = "QRESYNC"
	CapGmail     = "X-GM-EXT-1"
	CapIdle      = "IDLE"
)

// FolderInfo describes one remote mailbox from the folder list.
type FolderInfo struct {
	Path       string
	Role       string
	NoSelect   bool
	Attributes []string
}

// FolderStatus is the server's view of one mailbox.
type FolderStatus struct {
	Path          string
	Messages      uint32
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
}

// RemoteMessage is the header-level view of one message as fetched from
// the server, sufficient for ingestion without the body.
type RemoteMessage struct {
	UID   uint32
	Flags []string

	HeaderMessageID string
	// MessageIDAutoGenerated is set when the server reported no
	// Message-ID and we synthesized one; such ids never join threads
	// by reference.
	MessageIDAutoGenerated bool
	References             []string

	GmailMessageID string
	GmailThreadID  string
	Labels         []string

	Subject string
	Date    time.Time

	From []models.Address
	To   []models.Address
	CC   []models.Address
	BCC  []models.Address
}

// Unread reports the inverse of the \Seen flag.
func (m *RemoteMessage) Unread() bool { return !m.hasFlag(`\Seen`) }

// Starred reports the \Flagged flag.
func (m *RemoteMessage) Starred() bool { return m.hasFlag(`\Flagged`) }

// Draft reports the \Draft flag.
func (m *RemoteMessage) Draft() bool { return m.hasFlag(`\Draft`) }

func (m *RemoteMessage) hasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ProviderMessageID is the stable identity the provider gives this
// message across folders.
func (m *RemoteMessage) ProviderMessageID() string {
	return models.ProviderMessageID(m.GmailMessageID, m.HeaderMessageID, m.Date.UTC().Format("20060102150405"))
}

// SyncResult is the change feed returned for a folder since a modseq.
// Vanished is only populated when the server supports QRESYNC;
// otherwise callers must fall back to a shallow scan to find deletions.
type SyncResult struct {
	ModifiedOrAdded []RemoteMessage
	Vanished        []uint32
	HighestModSeq   uint64
}

// Session is the per-worker IMAP collaborator. Implementations carry
// connection state and are not safe for concurrent use; each worker
// owns exactly one.
type Session interface {
	Connect() error
	Close() error

	HasCapability(name string) bool

	ListFolders() ([]FolderInfo, error)
	Status(path string) (FolderStatus, error)

	// FetchRange fetches header-level records for the UID range,
	// newest first.
	FetchRange(path string, r models.UIDRange) ([]RemoteMessage, error)

	// SyncSince returns messages changed or added since the given
	// modseq, per CONDSTORE/QRESYNC.
	SyncSince(path string, modseq uint64) (*SyncResult, error)

	// FetchMessage fetches the raw RFC 822 bytes of one message.
	FetchMessage(path string, uid uint32) ([]byte, error)

	// Idle blocks on the mailbox until the server reports activity or
	// InterruptIdle is called from another goroutine.
	Idle(path string) error
	InterruptIdle()

	StoreFlags(path string, uids []uint32, add bool, flags []string) error
	StoreLabels(path string, uids []uint32, add bool, labels []string) error
	MoveMessages(path string, uids []uint32, destPath string) error
	AppendMessage(path string, flags []string, date time.Time, raw []byte) error
	DeleteMessages(path string, uids []uint32) error
	ExpungeFolder(path string) error
}
