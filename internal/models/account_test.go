package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccount(t *testing.T) {
	doc := []byte(`{
		"id": "acct-1",
		"provider": "gmail",
		"emailAddress": "user@gmail.com",
		"settings": {
			"imap_host": "imap.gmail.com",
			"imap_port": 993,
			"imap_username": "user@gmail.com",
			"imap_password": "secret",
			"imap_security": "SSL",
			"smtp_host": "smtp.gmail.com",
			"smtp_port": 587,
			"smtp_username": "user@gmail.com",
			"smtp_password": "secret",
			"smtp_security": "STARTTLS",
			"refresh_token": "tok"
		},
		"cloudToken": "cloud"
	}`)

	account, err := ParseAccount(doc)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account.ID)
	assert.True(t, account.IsGmail())
	assert.True(t, account.HasCloudToken())
	assert.Equal(t, "imap.gmail.com", account.Settings.IMAPHost)
	assert.Equal(t, 993, account.Settings.IMAPPort)
	assert.Equal(t, "tok", account.Settings.RefreshToken)
}

func TestParseAccountRejectsIncompleteDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "not json at all"},
		{"missing id", `{"settings": {"imap_host": "h", "imap_username": "u"}}`},
		{"missing imap settings", `{"id": "a", "settings": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccount([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
