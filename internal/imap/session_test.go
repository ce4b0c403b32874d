package imap_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/testutil"
)

func newConnectedSession(t *testing.T, server *testutil.TestIMAPServer) *imap.ClientSession {
	t.Helper()

	account := testutil.TestAccount()
	account.Settings.IMAPHost = server.Host
	account.Settings.IMAPPort = server.Port
	account.Settings.IMAPSecurity = "NONE"
	account.Settings.IMAPUsername = server.Username()
	account.Settings.IMAPPassword = server.Password()

	session := imap.NewClientSession(account)
	require.NoError(t, session.Connect())
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestSessionConnectAndListFolders(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := newConnectedSession(t, server)

	folders, err := session.ListFolders()
	require.NoError(t, err)

	var inbox *imap.FolderInfo
	for i := range folders {
		if folders[i].Path == "INBOX" {
			inbox = &folders[i]
		}
	}
	require.NotNil(t, inbox, "the memory backend always has an INBOX")
	assert.Equal(t, models.RoleInbox, inbox.Role)
}

func TestSessionConnectRejectsBadCredentials(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)

	account := testutil.TestAccount()
	account.Settings.IMAPHost = server.Host
	account.Settings.IMAPPort = server.Port
	account.Settings.IMAPSecurity = "NONE"
	account.Settings.IMAPUsername = "wrong"
	account.Settings.IMAPPassword = "wrong"

	session := imap.NewClientSession(account)
	err := session.Connect()
	require.Error(t, err)

	var authErr *imap.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.False(t, imap.IsRetryable(err), "auth failures never retry")
}

func TestSessionStatusAndFetch(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := newConnectedSession(t, server)

	sentAt := time.Now().Add(-time.Hour)
	uid := server.AddMessage(t, "INBOX", "fetch-me@example.com", "Fetch subject",
		"alice@example.com", "bob@example.com", sentAt)

	status, err := session.Status("INBOX")
	require.NoError(t, err)
	// The memory backend seeds INBOX with one message of its own.
	assert.Equal(t, uint32(2), status.Messages)
	assert.NotZero(t, status.UIDValidity)
	assert.Greater(t, status.UIDNext, uid)

	remote, err := session.FetchRange("INBOX", models.UIDRange{Start: 1, End: status.UIDNext})
	require.NoError(t, err)
	require.Len(t, remote, 2)
	// Newest first: the appended message comes before the seeded one.
	assert.Equal(t, uid, remote[0].UID)
	assert.Equal(t, "Fetch subject", remote[0].Subject)
	assert.Equal(t, "fetch-me@example.com", remote[0].HeaderMessageID)
	require.Len(t, remote[0].From, 1)
	assert.Equal(t, "alice@example.com", remote[0].From[0].Email)
}

func TestSessionFetchMessageRawBytes(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := newConnectedSession(t, server)

	uid := server.AddMessage(t, "INBOX", "raw@example.com", "Raw subject",
		"alice@example.com", "bob@example.com", time.Now())

	raw, err := session.FetchMessage("INBOX", uid)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Raw subject")
	assert.Contains(t, string(raw), "Test message body.")
}

func TestSessionInterruptIdleIsSafeWithoutIdle(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	session := newConnectedSession(t, server)

	// Must not panic or wedge when nothing is idling.
	session.InterruptIdle()
	session.InterruptIdle()
}
