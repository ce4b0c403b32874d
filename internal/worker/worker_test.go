package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/testutil"
)

func newTestWorker(t *testing.T) (*SyncWorker, *testutil.FakeSession, *store.Store) {
	t.Helper()
	st := testutil.NewTestStore(t)
	account := testutil.TestAccount()
	session := testutil.NewFakeSession()
	w := NewSyncWorker("bg", account, st, session, t.TempDir())
	return w, session, st
}

func sweep(t *testing.T, w *SyncWorker) bool {
	t.Helper()
	more, err := w.SyncNow()
	require.NoError(t, err)
	return more
}

// sweepUntilSettled runs SyncNow until it stops asking for an immediate
// re-loop.
func sweepUntilSettled(t *testing.T, w *SyncWorker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		if !sweep(t, w) {
			return
		}
	}
	t.Fatal("sync never settled")
}

func TestFirstSyncOfEmptyAccount(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 0, UIDNext: 1, UIDValidity: 10, HighestModSeq: 5,
	})
	session.AddFolder("Archive", models.RoleArchive, imap.FolderStatus{
		Messages: 0, UIDNext: 1, UIDValidity: 20,
	})

	more := sweep(t, w)
	assert.False(t, more)

	folders, err := store.FindAll[models.Folder](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, folders, 2)

	inbox, err := store.Find[models.Folder](st, store.Q().Eq("role", models.RoleInbox))
	require.NoError(t, err)
	assert.Equal(t, "INBOX", inbox.Path)
	assert.Equal(t, uint32(10), inbox.LocalStatus.UIDValidity, "localStatus seeds on first encounter")
	assert.Equal(t, uint64(5), inbox.LocalStatus.HighestModSeq)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Empty(t, messages)

	threads, err := store.FindAll[models.Thread](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestSweepIngestsAndThreadsMessages(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 2, UIDNext: 3, UIDValidity: 10,
	})
	root := remoteMessage(1, "root@example.com", "Hello")
	reply := remoteMessage(2, "reply@example.com", "Re: Hello", "root@example.com")
	session.PutMessage("INBOX", root)
	session.PutMessage("INBOX", reply)

	sweepUntilSettled(t, w)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, messages[0].ThreadID, messages[1].ThreadID, "reply joins the root's thread")

	threads, err := store.FindAll[models.Thread](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, 2, threads[0].MessageCount)
	assert.Equal(t, 2, threads[0].UnreadCount)
}

func TestShallowScanPicksUpFlagChanges(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 2, UIDValidity: 10,
	})
	rm := remoteMessage(1, "flags@example.com", "Flip me")
	session.PutMessage("INBOX", rm)

	sweepUntilSettled(t, w)

	msg, err := store.Find[models.Message](st, store.Q().Eq("headerMessageId", "flags@example.com"))
	require.NoError(t, err)
	require.True(t, msg.Unread)

	// The server marks it read; the next sweep's shallow scan sees it.
	rm.Flags = []string{`\Seen`}
	session.PutMessage("INBOX", rm)
	sweep(t, w)

	msg, err = store.Find[models.Message](st, store.Q().Eq("headerMessageId", "flags@example.com"))
	require.NoError(t, err)
	assert.False(t, msg.Unread)
}

func TestCrossFolderMoveConverges(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 101, UIDValidity: 10,
	})
	session.AddFolder("Archive", models.RoleArchive, imap.FolderStatus{
		Messages: 0, UIDNext: 1, UIDValidity: 20,
	})

	rm := remoteMessage(100, "moved@example.com", "Moving")
	session.PutMessage("INBOX", rm)
	sweepUntilSettled(t, w)

	// The message moves between sweeps: gone from INBOX, UID 5 in
	// Archive.
	session.DropMessage("INBOX", 100)
	moved := rm
	moved.UID = 5
	session.PutMessage("Archive", moved)
	session.SetStatus("Archive", imap.FolderStatus{
		Path: "Archive", Messages: 1, UIDNext: 6, UIDValidity: 20,
	})

	sweep(t, w)

	archive, err := store.Find[models.Folder](st, store.Q().Eq("role", models.RoleArchive))
	require.NoError(t, err)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, messages, 1, "a move must not duplicate the message")
	assert.Equal(t, archive.ID, messages[0].RemoteFolderID)
	assert.Equal(t, uint32(5), messages[0].RemoteUID)
	assert.False(t, messages[0].IsUnlinked())

	// Subsequent delete phases must never collect it.
	sweep(t, w)
	sweep(t, w)
	messages, err = store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestVanishedMessagesDeleteAfterPhaseToggle(t *testing.T) {
	w, session, st := newTestWorker(t)
	session.Caps[imap.CapCondstore] = true
	session.Caps[imap.CapQResync] = true

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 78, UIDValidity: 10, HighestModSeq: 5,
	})
	rm := remoteMessage(77, "vanish@example.com", "Doomed")
	session.PutMessage("INBOX", rm)
	sweepUntilSettled(t, w)

	msg, err := store.Find[models.Message](st, store.Q().Eq("headerMessageId", "vanish@example.com"))
	require.NoError(t, err)
	require.False(t, msg.IsUnlinked())

	recorder := &testutil.DeltaRecorder{}
	st.AddObserver(recorder)

	// The server reports UID 77 vanished via QRESYNC.
	session.DropMessage("INBOX", 77)
	session.SetStatus("INBOX", imap.FolderStatus{
		Path: "INBOX", Messages: 0, UIDNext: 78, UIDValidity: 10, HighestModSeq: 6,
	})
	session.SyncFeeds["INBOX"] = &imap.SyncResult{Vanished: []uint32{77}, HighestModSeq: 6}

	sweep(t, w)

	// Unlinked at the sweep's phase, still present (grace cycle).
	msg, err = store.Find[models.Message](st, store.Q().Eq("headerMessageId", "vanish@example.com"))
	require.NoError(t, err)
	assert.True(t, msg.IsUnlinked())

	// The next sweep's phase toggle collects it.
	sweep(t, w)
	_, err = store.Find[models.Message](st, store.Q().Eq("headerMessageId", "vanish@example.com"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, recorder.OpsFor("Message"), store.OpUnpersist)
}

func TestCondstoreSkipsWhenModseqMatches(t *testing.T) {
	w, session, st := newTestWorker(t)
	session.Caps[imap.CapCondstore] = true

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 2, UIDValidity: 10, HighestModSeq: 5,
	})
	session.PutMessage("INBOX", remoteMessage(1, "still@example.com", "Here"))
	sweepUntilSettled(t, w)

	// Nothing changed server-side; a scripted feed must NOT be consumed.
	session.SyncFeeds["INBOX"] = &imap.SyncResult{
		ModifiedOrAdded: []imap.RemoteMessage{remoteMessage(9, "should-not-appear@example.com", "Nope")},
	}
	sweep(t, w)

	_, err := store.Find[models.Message](st, store.Q().Eq("headerMessageId", "should-not-appear@example.com"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUIDValidityChangeForcesResync(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 43, UIDValidity: 10,
	})
	rm := remoteMessage(42, "stable@example.com", "Survivor")
	session.PutMessage("INBOX", rm)
	sweepUntilSettled(t, w)

	// The server invalidates the folder's UID space; the same message
	// now has a fresh UID.
	session.DropMessage("INBOX", 42)
	renumbered := rm
	renumbered.UID = 7
	session.PutMessage("INBOX", renumbered)
	session.SetStatus("INBOX", imap.FolderStatus{
		Path: "INBOX", Messages: 1, UIDNext: 8, UIDValidity: 11,
	})

	// The reset sweep drops localStatus; the following sweeps
	// repopulate from scratch.
	sweep(t, w)
	inbox, err := store.Find[models.Folder](st, store.Q().Eq("role", models.RoleInbox))
	require.NoError(t, err)
	assert.False(t, inbox.LocalStatus.Seeded(), "localStatus resets after UIDVALIDITY change")

	sweepUntilSettled(t, w)

	inbox, err = store.Find[models.Folder](st, store.Q().Eq("role", models.RoleInbox))
	require.NoError(t, err)
	assert.Equal(t, uint32(11), inbox.LocalStatus.UIDValidity)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, messages, 1, "re-sync must not duplicate the message")
	assert.Equal(t, uint32(7), messages[0].RemoteUID)
	assert.False(t, messages[0].IsUnlinked())

	threads, err := store.FindAll[models.Thread](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Len(t, threads, 1, "threads with matching references must not duplicate")
}

func TestGmailLabelsBecomeLabelsNotFolders(t *testing.T) {
	st := testutil.NewTestStore(t)
	account := testutil.GmailTestAccount()
	session := testutil.NewFakeSession()
	session.Caps[imap.CapGmail] = true
	w := NewSyncWorker("bg", account, st, session, t.TempDir())

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{UIDNext: 1, UIDValidity: 1})
	session.AddFolder("[Gmail]/All Mail", models.RoleAll, imap.FolderStatus{UIDNext: 1, UIDValidity: 2})
	session.AddFolder("[Gmail]/Spam", models.RoleSpam, imap.FolderStatus{UIDNext: 1, UIDValidity: 3})
	session.AddFolder("[Gmail]/Trash", models.RoleTrash, imap.FolderStatus{UIDNext: 1, UIDValidity: 4})
	session.AddFolder("Work", models.RoleNone, imap.FolderStatus{UIDNext: 1, UIDValidity: 5})

	folders, err := w.SyncFoldersAndLabels()
	require.NoError(t, err)

	paths := make([]string, len(folders))
	for i, f := range folders {
		paths[i] = f.Path
	}
	assert.ElementsMatch(t, []string{"[Gmail]/All Mail", "[Gmail]/Spam", "[Gmail]/Trash"}, paths)

	labels, err := store.FindAll[models.Label](st, store.Q().Eq("accountId", account.ID))
	require.NoError(t, err)
	labelPaths := make([]string, len(labels))
	for i, l := range labels {
		labelPaths[i] = l.Path
	}
	assert.ElementsMatch(t, []string{"INBOX", "Work"}, labelPaths)
}

func TestOrphanedFoldersAreDeleted(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{UIDNext: 1, UIDValidity: 1})
	session.AddFolder("Old", models.RoleNone, imap.FolderStatus{UIDNext: 1, UIDValidity: 2})
	_, err := w.SyncFoldersAndLabels()
	require.NoError(t, err)

	// "Old" disappears from the server.
	session.Folders = session.Folders[:1]
	_, err = w.SyncFoldersAndLabels()
	require.NoError(t, err)

	_, err = store.Find[models.Folder](st, store.Q().Eq("path", "Old"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBodyBackfillSkipsSpamAndTrash(t *testing.T) {
	w, _, _ := newTestWorker(t)

	spam := models.NewFolder("acct-1", "Spam", models.RoleSpam)
	trash := models.NewFolder("acct-1", "Trash", models.RoleTrash)
	assert.False(t, w.SyncMessageBodies(spam))
	assert.False(t, w.SyncMessageBodies(trash))
}

func TestBodyBackfillFetchesAndStores(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 2, UIDValidity: 10,
	})
	rm := remoteMessage(1, "body@example.com", "Hi")
	rm.Date = time.Now().Add(-time.Hour)
	session.PutMessage("INBOX", rm)
	session.Raw["INBOX"] = map[uint32][]byte{
		1: []byte("Subject: Hi\r\nContent-Type: text/plain\r\n\r\nplain text body\r\n"),
	}

	sweepUntilSettled(t, w)

	msg, err := store.Find[models.Message](st, store.Q().Eq("headerMessageId", "body@example.com"))
	require.NoError(t, err)

	hasBody, err := st.HasMessageBody(msg.ID)
	require.NoError(t, err)
	assert.True(t, hasBody)
	assert.Contains(t, msg.Snippet, "plain text body")
}

func TestIdleCycleServicesEvents(t *testing.T) {
	w, session, st := newTestWorker(t)

	session.AddFolder("INBOX", models.RoleInbox, imap.FolderStatus{
		Messages: 1, UIDNext: 2, UIDValidity: 10,
	})
	session.PutMessage("INBOX", remoteMessage(1, "idle@example.com", "Idle test"))
	session.Raw["INBOX"] = map[uint32][]byte{
		1: []byte("Subject: Idle test\r\nContent-Type: text/plain\r\n\r\nfetched on demand\r\n"),
	}
	sweepUntilSettled(t, w)

	msg, err := store.Find[models.Message](st, store.Q().Eq("headerMessageId", "idle@example.com"))
	require.NoError(t, err)

	go func() { _ = w.IdleCycle() }()

	w.IdleQueueBodiesToSync([]string{msg.ID})

	require.Eventually(t, func() bool {
		has, err := st.HasMessageBody(msg.ID)
		return err == nil && has
	}, 5*time.Second, 20*time.Millisecond, "the foreground worker fetches requested bodies")
}
