package models

import (
	"encoding/json"
	"fmt"
)

// AccountSettings carries the connection credentials for one account,
// matching the account JSON contract the client sends on startup.
type AccountSettings struct {
	IMAPHost             string `json:"imap_host"`
	IMAPPort             int    `json:"imap_port"`
	IMAPUsername         string `json:"imap_username"`
	IMAPPassword         string `json:"imap_password"`
	IMAPSecurity         string `json:"imap_security"`
	IMAPAllowInsecureSSL bool   `json:"imap_allow_insecure_ssl"`
	SMTPHost             string `json:"smtp_host"`
	SMTPPort             int    `json:"smtp_port"`
	SMTPUsername         string `json:"smtp_username"`
	SMTPPassword         string `json:"smtp_password"`
	SMTPSecurity         string `json:"smtp_security"`
	SMTPAllowInsecureSSL bool   `json:"smtp_allow_insecure_ssl"`
	RefreshToken         string `json:"refresh_token,omitempty"`
}

// Account identifies one mailbox provider login. The supervisor builds
// it from JSON on startup; workers consume it read-only and the core
// never persists the credentials in plaintext.
type Account struct {
	ID           string          `json:"id"`
	Version      int             `json:"v"`
	Provider     string          `json:"provider"`
	EmailAddress string          `json:"emailAddress"`
	Settings     AccountSettings `json:"settings"`
	CloudToken   string          `json:"cloudToken,omitempty"`
}

// ParseAccount decodes and validates the account JSON document.
func ParseAccount(data []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse account JSON: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("account JSON is missing an id")
	}
	if a.Settings.IMAPHost == "" || a.Settings.IMAPUsername == "" {
		return nil, fmt.Errorf("account %s is missing IMAP settings", a.ID)
	}
	return &a, nil
}

// IsGmail reports whether the provider exposes labels-as-folders.
func (a *Account) IsGmail() bool {
	return a.Provider == "gmail"
}

// HasCloudToken reports whether the account is linked to cloud features.
func (a *Account) HasCloudToken() bool {
	return a.CloudToken != ""
}

func (a *Account) TableName() string        { return TableAccount }
func (a *Account) ModelID() string          { return a.ID }
func (a *Account) ModelAccountID() string   { return a.ID }
func (a *Account) ModelVersion() int        { return a.Version }
func (a *Account) SetModelVersion(v int)    { a.Version = v }
func (a *Account) ProjectedColumns() []string { return []string{"emailAddress"} }
func (a *Account) ProjectedValues() []any     { return []any{a.EmailAddress} }
