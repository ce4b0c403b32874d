package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// deterministicID hashes the given parts into a stable 40-character id.
func deterministicID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])[:40]
}

// IDForFolder returns the stable id for a mailbox path. One Folder (or
// Label) exists per (accountId, path).
func IDForFolder(accountID, path string) string {
	return deterministicID("folder", accountID, path)
}

// IDForMessage returns the stable id for a message. The id is derived
// from the account and the provider message id only - the folder path is
// deliberately excluded so that a message moved between folders collides
// with its existing row on insert and falls through to an update.
func IDForMessage(accountID, providerMessageID string) string {
	return deterministicID("message", accountID, providerMessageID)
}

// ProviderMessageID picks the identity the server gives a message: the
// Gmail message id when present, otherwise the Message-ID header joined
// with the date so that synthesized Message-IDs still produce a stable
// value.
func ProviderMessageID(gmailMessageID, headerMessageID, dateUnix string) string {
	if gmailMessageID != "" {
		return gmailMessageID
	}
	return headerMessageID + ":" + dateUnix
}

// ContactKeyForEmail normalizes an email address into a contact key.
// Returns "" for addresses that should never become contacts; callers
// must drop the empty key.
func ContactKeyForEmail(email string) string {
	key := strings.ToLower(strings.TrimSpace(email))
	if key == "" || !strings.Contains(key, "@") || len(key) > 80 {
		return ""
	}
	for _, junk := range []string{"noreply", "no-reply", "donotreply", "mailer-daemon", "notifications@"} {
		if strings.Contains(key, junk) {
			return ""
		}
	}
	return key
}
