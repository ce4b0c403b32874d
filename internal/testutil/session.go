package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
)

// FlagOp records one flag/label store call against the fake session.
type FlagOp struct {
	Path   string
	UIDs   []uint32
	Add    bool
	Values []string
}

// MoveOp records one move call.
type MoveOp struct {
	Path string
	UIDs []uint32
	Dest string
}

// AppendOp records one append call.
type AppendOp struct {
	Path  string
	Flags []string
	Raw   []byte
}

// FakeSession is a scripted imap.Session for worker tests. Folder
// contents are plain maps the test mutates between sweeps; every remote
// operation is recorded.
type FakeSession struct {
	mu sync.Mutex

	Caps     map[string]bool
	Folders  []imap.FolderInfo
	Statuses map[string]imap.FolderStatus
	// Messages holds each folder's messages by UID.
	Messages map[string]map[uint32]imap.RemoteMessage
	// SyncFeeds holds the scripted CONDSTORE result per folder; consumed
	// on use.
	SyncFeeds map[string]*imap.SyncResult
	// Raw holds raw message bytes per folder per UID for body fetches.
	Raw map[string]map[uint32][]byte

	FlagOps    []FlagOp
	LabelOps   []FlagOp
	MoveOps    []MoveOp
	AppendOps  []AppendOp
	DeleteOps  []MoveOp
	ExpungeOps []string

	ConnectErr error

	idleMu   sync.Mutex
	idleStop chan struct{}
}

// NewFakeSession builds an empty fake with no capabilities.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		Caps:      map[string]bool{},
		Statuses:  map[string]imap.FolderStatus{},
		Messages:  map[string]map[uint32]imap.RemoteMessage{},
		SyncFeeds: map[string]*imap.SyncResult{},
		Raw:       map[string]map[uint32][]byte{},
	}
}

// AddFolder registers a folder with its status.
func (s *FakeSession) AddFolder(path, role string, status imap.FolderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Folders = append(s.Folders, imap.FolderInfo{Path: path, Role: role})
	status.Path = path
	s.Statuses[path] = status
	if s.Messages[path] == nil {
		s.Messages[path] = map[uint32]imap.RemoteMessage{}
	}
}

// PutMessage places a message in a folder.
func (s *FakeSession) PutMessage(path string, msg imap.RemoteMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Messages[path] == nil {
		s.Messages[path] = map[uint32]imap.RemoteMessage{}
	}
	s.Messages[path][msg.UID] = msg
}

// DropMessage removes a message from a folder.
func (s *FakeSession) DropMessage(path string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Messages[path], uid)
}

// SetStatus replaces a folder's status.
func (s *FakeSession) SetStatus(path string, status imap.FolderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status.Path = path
	s.Statuses[path] = status
}

func (s *FakeSession) Connect() error { return s.ConnectErr }
func (s *FakeSession) Close() error   { return nil }

func (s *FakeSession) HasCapability(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Caps[name]
}

func (s *FakeSession) ListFolders() ([]imap.FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]imap.FolderInfo(nil), s.Folders...), nil
}

func (s *FakeSession) Status(path string) (imap.FolderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.Statuses[path]
	if !ok {
		return imap.FolderStatus{}, fmt.Errorf("no such folder %s", path)
	}
	return status, nil
}

func (s *FakeSession) FetchRange(path string, r models.UIDRange) ([]imap.RemoteMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []imap.RemoteMessage
	for uid, msg := range s.Messages[path] {
		if r.Contains(uid) {
			out = append(out, msg)
		}
	}
	// Newest first, matching the real session.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UID > out[i].UID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *FakeSession) SyncSince(path string, modseq uint64) (*imap.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if feed, ok := s.SyncFeeds[path]; ok {
		delete(s.SyncFeeds, path)
		return feed, nil
	}
	return &imap.SyncResult{}, nil
}

func (s *FakeSession) FetchMessage(path string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.Raw[path][uid]
	if !ok {
		return nil, fmt.Errorf("no raw message at %s/%d", path, uid)
	}
	return raw, nil
}

func (s *FakeSession) Idle(path string) error {
	stop := make(chan struct{})
	s.idleMu.Lock()
	s.idleStop = stop
	s.idleMu.Unlock()
	select {
	case <-stop:
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}

func (s *FakeSession) InterruptIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleStop != nil {
		close(s.idleStop)
		s.idleStop = nil
	}
}

func (s *FakeSession) StoreFlags(path string, uids []uint32, add bool, flags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlagOps = append(s.FlagOps, FlagOp{Path: path, UIDs: uids, Add: add, Values: flags})
	for _, uid := range uids {
		msg, ok := s.Messages[path][uid]
		if !ok {
			continue
		}
		for _, flag := range flags {
			if add {
				msg.Flags = append(msg.Flags, flag)
			} else {
				kept := msg.Flags[:0]
				for _, f := range msg.Flags {
					if f != flag {
						kept = append(kept, f)
					}
				}
				msg.Flags = kept
			}
		}
		s.Messages[path][uid] = msg
	}
	return nil
}

func (s *FakeSession) StoreLabels(path string, uids []uint32, add bool, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LabelOps = append(s.LabelOps, FlagOp{Path: path, UIDs: uids, Add: add, Values: labels})
	return nil
}

func (s *FakeSession) MoveMessages(path string, uids []uint32, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MoveOps = append(s.MoveOps, MoveOp{Path: path, UIDs: uids, Dest: destPath})
	for _, uid := range uids {
		msg, ok := s.Messages[path][uid]
		if !ok {
			continue
		}
		delete(s.Messages[path], uid)
		if s.Messages[destPath] == nil {
			s.Messages[destPath] = map[uint32]imap.RemoteMessage{}
		}
		dest := s.Statuses[destPath]
		msg.UID = dest.UIDNext
		dest.UIDNext++
		s.Statuses[destPath] = dest
		s.Messages[destPath][msg.UID] = msg
	}
	return nil
}

func (s *FakeSession) AppendMessage(path string, flags []string, date time.Time, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendOps = append(s.AppendOps, AppendOp{Path: path, Flags: flags, Raw: raw})
	return nil
}

func (s *FakeSession) DeleteMessages(path string, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteOps = append(s.DeleteOps, MoveOp{Path: path, UIDs: uids})
	for _, uid := range uids {
		delete(s.Messages[path], uid)
	}
	return nil
}

func (s *FakeSession) ExpungeFolder(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpungeOps = append(s.ExpungeOps, path)
	s.Messages[path] = map[uint32]imap.RemoteMessage{}
	return nil
}
