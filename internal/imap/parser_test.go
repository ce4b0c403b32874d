package imap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageBodyPlainText(t *testing.T) {
	raw := []byte("Subject: Hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"just some text\r\n")

	body, err := ParseMessageBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body.Text, "just some text")
	// Plain text gets wrapped so the client always has HTML.
	assert.Contains(t, body.HTML, "just some text")
	assert.Empty(t, body.Attachments)
}

func TestParseMessageBodyMultipartWithAttachment(t *testing.T) {
	raw := []byte("Subject: Report\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>see attached</p>\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi1mYWtl\r\n" +
		"--BOUND--\r\n")

	body, err := ParseMessageBody(raw)
	require.NoError(t, err)
	assert.Contains(t, body.HTML, "see attached")
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, "report.pdf", body.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", body.Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-fake"), body.Attachments[0].Content)
	assert.False(t, body.Attachments[0].Inline)
}

func TestParseMessageBodyInlineImage(t *testing.T) {
	raw := []byte("Subject: Logo\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/related; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<img src=\"cid:logo123\">\r\n" +
		"--BOUND\r\n" +
		"Content-Type: image/png; name=\"logo.png\"\r\n" +
		"Content-Disposition: inline; filename=\"logo.png\"\r\n" +
		"Content-ID: <logo123>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"UE5H\r\n" +
		"--BOUND--\r\n")

	body, err := ParseMessageBody(raw)
	require.NoError(t, err)
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, "logo123", body.Attachments[0].ContentID, "angle brackets strip from Content-ID")
	assert.True(t, body.Attachments[0].Inline)
}

func TestParseMessageBodyGarbage(t *testing.T) {
	// enmime is forgiving; even noise parses into an empty envelope
	// rather than failing the sweep.
	body, err := ParseMessageBody([]byte("complete nonsense"))
	if err != nil {
		return
	}
	assert.NotNil(t, body)
}
