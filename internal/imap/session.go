package imap

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"

	"github.com/tuksik/mailsync/internal/models"
)

// dialTimeout bounds the initial TCP/TLS handshake.
const dialTimeout = 5 * time.Second

// headerItems is the fetch set used for header-level reconciliation.
var headerItems = []imap.FetchItem{
	imap.FetchEnvelope,
	imap.FetchFlags,
	imap.FetchUid,
}

// gmailItems are the provider extension items requested when the server
// advertises X-GM-EXT-1.
var gmailItems = []imap.FetchItem{
	imap.FetchItem("X-GM-LABELS"),
	imap.FetchItem("X-GM-THRID"),
	imap.FetchItem("X-GM-MSGID"),
}

// referencesSection fetches just the References header so threads can be
// joined without pulling bodies.
func referencesSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"References", "In-Reply-To"},
		},
		Peek: true,
	}
}

// ClientSession is the go-imap backed Session. One per worker; state
// (selected mailbox, capabilities, idle stop channel) is confined to
// that worker except for InterruptIdle, which may be called from any
// goroutine.
type ClientSession struct {
	account *models.Account

	client           *imapclient.Client
	caps             map[string]bool
	selected         string
	selectedReadOnly bool

	idleMu   sync.Mutex
	idleStop chan struct{}
}

// NewClientSession builds a disconnected session for the account.
func NewClientSession(account *models.Account) *ClientSession {
	return &ClientSession{account: account}
}

// Connect dials and authenticates, no-op when already connected.
func (s *ClientSession) Connect() error {
	if s.client != nil {
		if err := s.client.Noop(); err == nil {
			return nil
		}
		_ = s.client.Logout()
		s.client = nil
		s.selected = ""
	}

	settings := s.account.Settings
	addr := net.JoinHostPort(settings.IMAPHost, strconv.Itoa(settings.IMAPPort))
	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *imapclient.Client
	var err error
	switch strings.ToUpper(settings.IMAPSecurity) {
	case "STARTTLS":
		c, err = imapclient.DialWithDialer(dialer, addr)
		if err == nil {
			err = c.StartTLS(s.tlsConfig())
		}
	case "NONE", "PLAIN":
		c, err = imapclient.DialWithDialer(dialer, addr)
	default: // SSL / TLS
		c, err = imapclient.DialWithDialerTLS(dialer, addr, s.tlsConfig())
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if err := c.Login(settings.IMAPUsername, settings.IMAPPassword); err != nil {
		_ = c.Logout()
		return &AuthError{Err: err}
	}

	caps, err := c.Capability()
	if err != nil {
		_ = c.Logout()
		return fmt.Errorf("failed to read capabilities: %w", err)
	}

	s.client = c
	s.caps = caps
	return nil
}

func (s *ClientSession) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.account.Settings.IMAPHost,
		InsecureSkipVerify: s.account.Settings.IMAPAllowInsecureSSL,
	}
}

// Close logs out and drops the connection.
func (s *ClientSession) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	s.selected = ""
	return err
}

// HasCapability reports a stored capability from login time.
func (s *ClientSession) HasCapability(name string) bool {
	return s.caps[name]
}

// selectFolder selects the mailbox if it isn't current already.
func (s *ClientSession) selectFolder(path string, readOnly bool) error {
	if s.client == nil {
		return fmt.Errorf("session is not connected")
	}
	if s.selected == path && (readOnly || !s.selectedReadOnly) {
		return nil
	}
	if _, err := s.client.Select(path, readOnly); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", path, err)
	}
	s.selected = path
	s.selectedReadOnly = readOnly
	return nil
}

// ListFolders fetches the full mailbox list with inferred roles.
func (s *ClientSession) ListFolders() ([]FolderInfo, error) {
	if s.client == nil {
		return nil, fmt.Errorf("session is not connected")
	}

	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var out []FolderInfo
	for mbox := range mailboxes {
		noSelect := false
		for _, attr := range mbox.Attributes {
			if attr == imap.NoSelectAttr {
				noSelect = true
			}
		}
		out = append(out, FolderInfo{
			Path:       mbox.Name,
			Role:       models.RoleForMailbox(mbox.Name, mbox.Attributes),
			NoSelect:   noSelect,
			Attributes: mbox.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return out, nil
}

// Status fetches the folder status, including HIGHESTMODSEQ when the
// server knows CONDSTORE.
func (s *ClientSession) Status(path string) (FolderStatus, error) {
	if s.client == nil {
		return FolderStatus{}, fmt.Errorf("session is not connected")
	}

	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext, imap.StatusUidValidity}
	if s.HasCapability(CapCondstore) {
		items = append(items, imap.StatusItem("HIGHESTMODSEQ"))
	}

	mbox, err := s.client.Status(path, items)
	if err != nil {
		return FolderStatus{}, fmt.Errorf("failed to get status of %s: %w", path, err)
	}

	return FolderStatus{
		Path:          path,
		Messages:      mbox.Messages,
		UIDNext:       mbox.UidNext,
		UIDValidity:   mbox.UidValidity,
		HighestModSeq: modSeqFromItems(mbox.Items),
	}, nil
}

// modSeqFromItems digs the HIGHESTMODSEQ value out of a raw status item
// map; servers hand it back as a string or number.
func modSeqFromItems(items map[imap.StatusItem]interface{}) uint64 {
	raw, ok := items[imap.StatusItem("HIGHESTMODSEQ")]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint32:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	}
	return 0
}

// FetchRange fetches header records for the UID range, newest first.
func (s *ClientSession) FetchRange(path string, r models.UIDRange) ([]RemoteMessage, error) {
	if err := s.selectFolder(path, true); err != nil {
		return nil, err
	}
	if r.End < r.Start {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(r.Start, r.End)
	return s.fetchHeaders(seqSet)
}

// fetchHeaders runs the header fetch for an already-selected mailbox.
func (s *ClientSession) fetchHeaders(seqSet *imap.SeqSet) ([]RemoteMessage, error) {
	section := referencesSection()
	items := append([]imap.FetchItem{}, headerItems...)
	items = append(items, section.FetchItem())
	if s.HasCapability(CapGmail) {
		items = append(items, gmailItems...)
	}

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var out []RemoteMessage
	for msg := range messages {
		out = append(out, remoteMessageFromIMAP(msg, section))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch headers: %w", err)
	}

	// Newest first: the reconcile loop walks from the top of the range.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SyncSince implements the CONDSTORE change feed. go-imap exposes no
// native CHANGEDSINCE modifier, so the session fetches flag-level
// records with their MODSEQ and filters client-side; added messages are
// detected the same way. Vanished stays nil - this session never
// advertises QRESYNC - so callers use the shallow-scan fallback for
// deletions.
func (s *ClientSession) SyncSince(path string, modseq uint64) (*SyncResult, error) {
	if err := s.selectFolder(path, true); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0) // 1:* in go-imap terms

	section := referencesSection()
	items := append([]imap.FetchItem{}, headerItems...)
	items = append(items, section.FetchItem(), imap.FetchItem("MODSEQ"))
	if s.HasCapability(CapGmail) {
		items = append(items, gmailItems...)
	}

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	result := &SyncResult{}
	for msg := range messages {
		msgSeq := modSeqFromFetch(msg)
		if msgSeq != 0 && msgSeq <= modseq {
			continue
		}
		result.ModifiedOrAdded = append(result.ModifiedOrAdded, remoteMessageFromIMAP(msg, section))
		if msgSeq > result.HighestModSeq {
			result.HighestModSeq = msgSeq
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to sync since modseq %d: %w", modseq, err)
	}
	return result, nil
}

// modSeqFromFetch reads the per-message MODSEQ fetch item.
func modSeqFromFetch(msg *imap.Message) uint64 {
	raw, ok := msg.Items[imap.FetchItem("MODSEQ")]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case []interface{}:
		if len(v) == 1 {
			return modSeqValue(v[0])
		}
	}
	return modSeqValue(raw)
}

func modSeqValue(raw interface{}) uint64 {
	switch v := raw.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint32:
		return uint64(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	}
	return 0
}

// FetchMessage fetches the raw bytes of one message by UID.
func (s *ClientSession) FetchMessage(path string, uid uint32) ([]byte, error) {
	if err := s.selectFolder(path, true); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err == nil {
				raw = data
			}
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("server did not return message %d", uid)
	}
	return raw, nil
}

// Idle blocks on the mailbox until the server reports activity, the
// connection drops, or InterruptIdle is called.
func (s *ClientSession) Idle(path string) error {
	if err := s.selectFolder(path, true); err != nil {
		return err
	}

	stop := make(chan struct{})
	s.idleMu.Lock()
	s.idleStop = stop
	s.idleMu.Unlock()
	defer func() {
		s.idleMu.Lock()
		if s.idleStop == stop {
			s.idleStop = nil
		}
		s.idleMu.Unlock()
	}()

	updates := make(chan imapclient.Update, 16)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	idleClient := idle.NewClient(s.client)
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, time.Minute)
	}()

	for {
		select {
		case err := <-done:
			return err
		case update := <-updates:
			if update == nil {
				continue
			}
			// Server poke: end the idle so the worker reconciles.
			s.InterruptIdle()
		}
	}
}

// InterruptIdle wakes any in-flight Idle. Safe from any goroutine and
// when no idle is running.
func (s *ClientSession) InterruptIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleStop != nil {
		close(s.idleStop)
		s.idleStop = nil
	}
}

// StoreFlags adds or removes flags on the given UIDs.
func (s *ClientSession) StoreFlags(path string, uids []uint32, add bool, flags []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.selectFolder(path, false); err != nil {
		return err
	}

	op := imap.FlagsOp(imap.AddFlags)
	if !add {
		op = imap.RemoveFlags
	}
	item := imap.FormatFlagsOp(op, true)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := s.client.UidStore(uidSet(uids), item, values, nil); err != nil {
		return fmt.Errorf("failed to store flags on %s: %w", path, err)
	}
	return nil
}

// StoreLabels adds or removes Gmail labels on the given UIDs.
func (s *ClientSession) StoreLabels(path string, uids []uint32, add bool, labels []string) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	if err := s.selectFolder(path, false); err != nil {
		return err
	}

	item := imap.StoreItem("+X-GM-LABELS.SILENT")
	if !add {
		item = imap.StoreItem("-X-GM-LABELS.SILENT")
	}
	values := make([]interface{}, len(labels))
	for i, l := range labels {
		values[i] = l
	}

	if err := s.client.UidStore(uidSet(uids), item, values, nil); err != nil {
		return fmt.Errorf("failed to store labels on %s: %w", path, err)
	}
	return nil
}

// MoveMessages moves the UIDs into destPath.
func (s *ClientSession) MoveMessages(path string, uids []uint32, destPath string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.selectFolder(path, false); err != nil {
		return err
	}
	if err := s.client.UidMove(uidSet(uids), destPath); err != nil {
		return fmt.Errorf("failed to move messages to %s: %w", destPath, err)
	}
	return nil
}

// AppendMessage uploads a full message into the folder.
func (s *ClientSession) AppendMessage(path string, flags []string, date time.Time, raw []byte) error {
	if s.client == nil {
		return fmt.Errorf("session is not connected")
	}
	if err := s.client.Append(path, flags, date, strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("failed to append message to %s: %w", path, err)
	}
	return nil
}

// DeleteMessages flags the UIDs deleted and expunges the folder.
func (s *ClientSession) DeleteMessages(path string, uids []uint32) error {
	if err := s.StoreFlags(path, uids, true, []string{imap.DeletedFlag}); err != nil {
		return err
	}
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge %s: %w", path, err)
	}
	return nil
}

// ExpungeFolder deletes every message in the folder.
func (s *ClientSession) ExpungeFolder(path string) error {
	if err := s.selectFolder(path, false); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.Store(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag %s deleted: %w", path, err)
	}
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge %s: %w", path, err)
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return set
}
