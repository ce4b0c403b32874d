package testutil

import (
	"path/filepath"
	"testing"

	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

// NewTestStore opens a fresh SQLite store under the test's temp dir.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// TestAccount returns a minimal account document for tests.
func TestAccount() *models.Account {
	return &models.Account{
		ID:           "acct-1",
		Provider:     "generic",
		EmailAddress: "user@example.com",
		Settings: models.AccountSettings{
			IMAPHost:     "localhost",
			IMAPPort:     143,
			IMAPUsername: "user@example.com",
			IMAPPassword: "password",
			IMAPSecurity: "NONE",
			SMTPHost:     "localhost",
			SMTPPort:     25,
			SMTPUsername: "user@example.com",
			SMTPPassword: "password",
			SMTPSecurity: "NONE",
		},
	}
}

// GmailTestAccount returns an account whose provider exposes labels.
func GmailTestAccount() *models.Account {
	account := TestAccount()
	account.ID = "acct-gmail"
	account.Provider = "gmail"
	return account
}

// DeltaRecorder captures committed store deltas for assertions.
type DeltaRecorder struct {
	Deltas []store.Delta
}

// PublishDeltas implements store.Observer.
func (r *DeltaRecorder) PublishDeltas(deltas []store.Delta) {
	r.Deltas = append(r.Deltas, deltas...)
}

// OpsFor returns the delta ops recorded for an object class, in order.
func (r *DeltaRecorder) OpsFor(objectClass string) []string {
	var out []string
	for _, d := range r.Deltas {
		if d.ObjectClass == objectClass {
			out = append(out, d.Op)
		}
	}
	return out
}
