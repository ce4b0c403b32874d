package smtp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuksik/mailsync/internal/smtp"
	"github.com/tuksik/mailsync/internal/testutil"
)

func TestSendDeliversMessage(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)

	account := testutil.TestAccount()
	account.Settings.SMTPHost = server.Host
	account.Settings.SMTPPort = server.Port
	account.Settings.SMTPSecurity = "NONE"

	raw := []byte("Subject: Hello\r\n\r\nbody\r\n")
	err := smtp.Send(account, "user@example.com", []string{"bob@example.com"}, raw)
	require.NoError(t, err)

	messages := server.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "user@example.com", messages[0].From)
	assert.Equal(t, []string{"bob@example.com"}, messages[0].To)
	assert.Contains(t, string(messages[0].Data), "Subject: Hello")
}

func TestSendRequiresRecipients(t *testing.T) {
	account := testutil.TestAccount()
	err := smtp.Send(account, "user@example.com", nil, []byte("x"))
	assert.Error(t, err)
}

func TestVerifyConnects(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)

	account := testutil.TestAccount()
	account.Settings.SMTPHost = server.Host
	account.Settings.SMTPPort = server.Port
	account.Settings.SMTPSecurity = "NONE"

	assert.NoError(t, smtp.Verify(account))
}

func TestVerifyFailsOnDeadServer(t *testing.T) {
	account := testutil.TestAccount()
	account.Settings.SMTPHost = "127.0.0.1"
	account.Settings.SMTPPort = 1 // nothing listens here
	account.Settings.SMTPSecurity = "NONE"

	assert.Error(t, smtp.Verify(account))
}
