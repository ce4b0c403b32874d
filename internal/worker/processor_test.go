package worker

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/testutil"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store, *models.Account) {
	t.Helper()
	st := testutil.NewTestStore(t)
	account := testutil.TestAccount()
	processor := NewProcessor("test_p", account, st, t.TempDir())
	return processor, st, account
}

func inboxFolder(accountID string) *models.Folder {
	f := models.NewFolder(accountID, "INBOX", models.RoleInbox)
	f.Version = 1
	return f
}

func remoteMessage(uid uint32, messageID, subject string, refs ...string) imap.RemoteMessage {
	return imap.RemoteMessage{
		UID:             uid,
		HeaderMessageID: messageID,
		References:      refs,
		Subject:         subject,
		Date:            time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		From:            []models.Address{{Name: "Alice", Email: "alice@example.com"}},
		To:              []models.Address{{Name: "Bob", Email: "bob@example.com"}},
	}
}

func TestInsertMessageCreatesThreadAndReferences(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "root@example.com", "Hello")
	msg, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	thread, err := store.Find[models.Thread](st, store.Q().Eq("id", msg.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, "Hello", thread.Subject)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)

	// The message's own Message-ID is reachable.
	ref, err := store.Find[models.ThreadReference](st,
		store.Q().Eq("accountId", "acct-1").Eq("headerMessageId", "root@example.com"))
	require.NoError(t, err)
	assert.Equal(t, thread.ID, ref.ThreadID)
}

func TestInsertMessageJoinsThreadByReferences(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	first := remoteMessage(1, "root@example.com", "Hello")
	rootMsg, err := processor.InsertMessage(&first, folder, time.Now().Unix())
	require.NoError(t, err)

	// A reply whose References cite the root joins the same thread.
	reply := remoteMessage(42, "reply@example.com", "Re: Hello", "root@example.com")
	replyMsg, err := processor.InsertMessage(&reply, folder, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, rootMsg.ThreadID, replyMsg.ThreadID)

	thread, err := store.Find[models.Thread](st, store.Q().Eq("id", rootMsg.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 2, thread.UnreadCount)

	// The reply's Message-ID now also resolves to the thread.
	ref, err := store.Find[models.ThreadReference](st,
		store.Q().Eq("accountId", "acct-1").Eq("headerMessageId", "reply@example.com"))
	require.NoError(t, err)
	assert.Equal(t, thread.ID, ref.ThreadID)
}

func TestInsertMessageJoinsThreadByGmailThreadID(t *testing.T) {
	st := testutil.NewTestStore(t)
	account := testutil.GmailTestAccount()
	processor := NewProcessor("test_p", account, st, t.TempDir())
	folder := models.NewFolder(account.ID, "[Gmail]/All Mail", models.RoleAll)
	folder.Version = 1

	first := remoteMessage(1, "a@example.com", "Hi")
	first.GmailThreadID = "777"
	a, err := processor.InsertMessage(&first, folder, time.Now().Unix())
	require.NoError(t, err)

	// No References at all, but the provider thread id matches.
	second := remoteMessage(2, "b@example.com", "Re: Hi")
	second.GmailThreadID = "777"
	b, err := processor.InsertMessage(&second, folder, time.Now().Unix())
	require.NoError(t, err)
	assert.Equal(t, a.ThreadID, b.ThreadID)
}

func TestAutoGeneratedMessageIDNeverJoinsByReference(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	first := remoteMessage(1, "shared@example.com", "Hello")
	a, err := processor.InsertMessage(&first, folder, time.Now().Unix())
	require.NoError(t, err)

	second := remoteMessage(2, "shared2@example.com", "Hello")
	second.MessageIDAutoGenerated = true
	second.References = []string{"shared@example.com"}
	b, err := processor.InsertMessage(&second, folder, time.Now().Unix())
	require.NoError(t, err)
	assert.NotEqual(t, a.ThreadID, b.ThreadID)
}

func TestInsertFallbackToUpdateIsIdempotent(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "root@example.com", "Hello")
	first, err := processor.InsertFallbackToUpdateMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	// The same remote record again: same row, no duplicates.
	again, err := processor.InsertFallbackToUpdateMessage(&rm, folder, time.Now().Unix()+1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	threads, err := store.FindAll[models.Thread](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].MessageCount)
}

func TestInsertFallbackConvergesCrossFolderMove(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	inbox := inboxFolder("acct-1")
	archive := models.NewFolder("acct-1", "Archive", models.RoleArchive)
	archive.Version = 1

	rm := remoteMessage(100, "moved@example.com", "Moving")
	_, err := processor.InsertMessage(&rm, inbox, time.Now().Unix())
	require.NoError(t, err)

	// The same provider identity appears in Archive with a new UID.
	moved := remoteMessage(5, "moved@example.com", "Moving")
	moved.Date = rm.Date
	after, err := processor.InsertFallbackToUpdateMessage(&moved, archive, time.Now().Unix()+10)
	require.NoError(t, err)

	messages, err := store.FindAll[models.Message](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	require.Len(t, messages, 1, "a move must not duplicate the message")
	assert.Equal(t, archive.ID, after.RemoteFolderID)
	assert.Equal(t, uint32(5), after.RemoteUID)
	assert.False(t, after.IsUnlinked())
}

func TestUpdateMessageIsMonotonicOnSyncedAt(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "root@example.com", "Hello")
	msg, err := processor.InsertMessage(&rm, folder, 100)
	require.NoError(t, err)
	require.True(t, msg.Unread)

	// An older record with different flags must be ignored.
	stale := rm
	stale.Flags = []string{`\Seen`}
	require.NoError(t, processor.UpdateMessage(msg, &stale, folder, 50))

	loaded, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.True(t, loaded.Unread, "stale updates must not apply")

	// A newer record applies.
	fresh := rm
	fresh.Flags = []string{`\Seen`}
	require.NoError(t, processor.UpdateMessage(msg, &fresh, folder, 200))

	loaded, err = store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.False(t, loaded.Unread)
	assert.Equal(t, int64(200), loaded.SyncedAt)
}

func TestUpdateMessageNoChangeDoesNotBumpVersion(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "root@example.com", "Hello")
	msg, err := processor.InsertMessage(&rm, folder, 100)
	require.NoError(t, err)

	before, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)

	require.NoError(t, processor.UpdateMessage(msg, &rm, folder, 200))

	after, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestTwoPhaseUnlinkAndDelete(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "gone@example.com", "Doomed")
	msg, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	recorder := &testutil.DeltaRecorder{}
	st.AddObserver(recorder)

	q := store.Q().Eq("folderId", folder.ID).Eq("folderImapUID", int64(42))
	require.NoError(t, processor.UnlinkMessagesMatchingQuery(q, 1))

	// Unlinked but not deleted; no delta emitted for the sentinel write.
	loaded, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.True(t, loaded.IsUnlinked())
	assert.Empty(t, recorder.OpsFor("Message"))

	// Deleting the other phase leaves it alone (the grace cycle).
	require.NoError(t, processor.DeleteMessagesStillUnlinkedFromPhase(2))
	_, err = store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)

	// Deleting its own phase removes it and emits unpersist.
	require.NoError(t, processor.DeleteMessagesStillUnlinkedFromPhase(1))
	_, err = store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, recorder.OpsFor("Message"), store.OpUnpersist)
}

func TestUnlinkSkipsAlreadyUnlinkedMessages(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(42, "gone@example.com", "Doomed")
	msg, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	q := store.Q().Eq("folderId", folder.ID)
	require.NoError(t, processor.UnlinkMessagesMatchingQuery(q, 1))
	require.NoError(t, processor.UnlinkMessagesMatchingQuery(q, 2))

	// The phase-2 pass must not re-stamp the phase-1 sentinel.
	loaded, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.Equal(t, models.UnlinkedUIDForPhase(1), loaded.RemoteUID)
}

func TestContactsUpsert(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(1, "m1@example.com", "Hi")
	rm.To = []models.Address{
		{Name: "Bob", Email: "bob@example.com"},
		{Email: ""},
		{Email: "noreply@spam.example.com"},
	}
	_, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	contacts, err := store.FindAll[models.Contact](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)

	emails := map[string]int{}
	for _, c := range contacts {
		require.NotEmpty(t, c.Email, "the empty contact key must never be stored")
		emails[c.Email] = c.Refs
	}
	assert.Contains(t, emails, "bob@example.com")
	assert.Contains(t, emails, "alice@example.com")
	assert.NotContains(t, emails, "noreply@spam.example.com")
	// Received mail does not bump refcounts.
	assert.Equal(t, 0, emails["bob@example.com"])
}

func TestContactsRefcountOnSentMail(t *testing.T) {
	processor, st, account := newTestProcessor(t)
	folder := models.NewFolder(account.ID, "Sent", models.RoleSent)
	folder.Version = 1

	rm := remoteMessage(1, "sent1@example.com", "Hi")
	rm.From = []models.Address{{Email: account.EmailAddress}}
	rm.To = []models.Address{{Name: "Bob", Email: "bob@example.com"}}
	_, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	rm2 := remoteMessage(2, "sent2@example.com", "Hi again")
	rm2.From = []models.Address{{Email: account.EmailAddress}}
	rm2.To = []models.Address{{Name: "Bob", Email: "bob@example.com"}}
	_, err = processor.InsertMessage(&rm2, folder, time.Now().Unix())
	require.NoError(t, err)

	bob, err := store.Find[models.Contact](st, store.Q().Eq("email", "bob@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 2, bob.Refs)
}

func TestContactsSkipMassMail(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(1, "mass@example.com", "Announcement")
	rm.To = nil
	for i := 0; i < 30; i++ {
		rm.To = append(rm.To, models.Address{Email: fmt.Sprintf("person%d@example.com", i)})
	}
	_, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	contacts, err := store.FindAll[models.Contact](st, store.Q().Eq("accountId", "acct-1"))
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestRetrievedMessageBody(t *testing.T) {
	st := testutil.NewTestStore(t)
	account := testutil.TestAccount()
	filesRoot := t.TempDir()
	processor := NewProcessor("test_p", account, st, filesRoot)
	folder := inboxFolder(account.ID)

	rm := remoteMessage(42, "body@example.com", "With body")
	msg, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	parsed := &imap.ParsedBody{
		HTML: `<p>Hello <b>world</b>, this is the body.</p><img src="cid:logo.png"><script>alert(1)</script>`,
		Text: "Hello world, this is the body.",
		Attachments: []imap.ParsedAttachment{
			{PartID: "2", Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-fake")},
			{PartID: "2", Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-fake")},
			{PartID: "3", Filename: "logo.png", ContentType: "image/png", Content: []byte("PNG")},
		},
	}
	require.NoError(t, processor.RetrievedMessageBody(msg, parsed))

	// Body stored, scripts sanitized away.
	body, err := st.MessageBodyValue(msg.ID)
	require.NoError(t, err)
	assert.Contains(t, body, "Hello")
	assert.NotContains(t, body, "<script>")

	// Snippet from the flattened text.
	loaded, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.Equal(t, "Hello world, this is the body.", loaded.Snippet)

	// Duplicate part ids collapse; the inline image got its contentId
	// recovered from the cid: reference.
	require.Len(t, loaded.Files, 2)
	byPart := map[string]*models.File{}
	for _, f := range loaded.Files {
		byPart[f.PartID] = f
	}
	assert.Equal(t, "", byPart["2"].ContentID)
	assert.Equal(t, "logo.png", byPart["3"].ContentID)

	// Attachment bytes land at the sharded path.
	data, err := os.ReadFile(byPart["2"].DiskPath(filesRoot))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-fake", string(data))

	// Thread counters see the attachment.
	thread, err := store.Find[models.Thread](st, store.Q().Eq("id", msg.ThreadID))
	require.NoError(t, err)
	assert.Equal(t, 1, thread.AttachmentCount)
	assert.NotZero(t, thread.SearchRowID)

	// Fetching the same body again must not blow up on existing files.
	require.NoError(t, processor.RetrievedMessageBody(loaded, parsed))
}

func TestSnippetIsCapped(t *testing.T) {
	processor, st, _ := newTestProcessor(t)
	folder := inboxFolder("acct-1")

	rm := remoteMessage(1, "long@example.com", "Long")
	msg, err := processor.InsertMessage(&rm, folder, time.Now().Unix())
	require.NoError(t, err)

	long := make([]byte, 0, 2000)
	for i := 0; i < 2000; i++ {
		long = append(long, 'x')
	}
	parsed := &imap.ParsedBody{HTML: "<p>" + string(long) + "</p>", Text: string(long)}
	require.NoError(t, processor.RetrievedMessageBody(msg, parsed))

	loaded, err := store.Find[models.Message](st, store.Q().Eq("id", msg.ID))
	require.NoError(t, err)
	assert.Len(t, loaded.Snippet, 400)
}
