package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tuksik/mailsync/internal/models"
)

// FetchMessageUIDAtDepth returns the known UID in the folder at or below
// the ceiling at the given zero-based depth (0 is the most recent), or 1
// when no more than depth such messages are known. The shallow scan uses
// it to find its bottom bound.
func (s *Store) FetchMessageUIDAtDepth(folder *models.Folder, depth int, ceiling uint32) (uint32, error) {
	var uid int64
	err := s.db.Get(&uid, `
		SELECT folderImapUID FROM Message
		WHERE folderId = ? AND folderImapUID <= ?
		ORDER BY folderImapUID DESC
		LIMIT 1 OFFSET ?
	`, folder.ID, int64(ceiling), depth)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch UID at depth: %w", err)
	}
	return uint32(uid), nil
}

// FetchMessagesAttributesInRange returns the local flag/placement
// attributes of every known message in the folder's UID range, keyed by
// UID, for diffing against the server's view.
func (s *Store) FetchMessagesAttributesInRange(r models.UIDRange, folder *models.Folder) (map[uint32]models.MessageAttributes, error) {
	rows, err := s.db.Queryx(`
		SELECT data FROM Message
		WHERE folderId = ? AND folderImapUID >= ? AND folderImapUID <= ?
	`, folder.ID, int64(r.Start), int64(r.End))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message attributes: %w", err)
	}
	defer rows.Close()

	out := map[uint32]models.MessageAttributes{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to load message row: %w", err)
		}
		out[msg.RemoteUID] = msg.Attributes()
	}
	return out, rows.Err()
}

// FindMessagesNeedingBodies selects up to limit messages in the folder
// with no body row yet, restricted to drafts or messages dated after
// since, newest first.
func (s *Store) FindMessagesNeedingBodies(folderID string, since time.Time, limit int) ([]*models.Message, error) {
	rows, err := s.db.Queryx(`
		SELECT Message.data FROM Message
		LEFT JOIN MessageBody ON MessageBody.id = Message.id
		WHERE Message.folderId = ? AND (Message.date > ? OR Message.draft = 1)
			AND MessageBody.value IS NULL
		ORDER BY Message.date DESC
		LIMIT ?
	`, folderID, since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find messages needing bodies: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to load message row: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// SaveMessageBody upserts the rendered body HTML for a message.
func (t *Tx) SaveMessageBody(messageID, value string) error {
	return t.Exec(
		"REPLACE INTO MessageBody (id, value, fetchedAt) VALUES (?, ?, datetime('now'))",
		messageID, value,
	)
}

// MessageBodyValue reads the stored body HTML for a message, or "" when
// no body has been fetched yet.
func (s *Store) MessageBodyValue(messageID string) (string, error) {
	var value sql.NullString
	err := s.db.Get(&value, "SELECT value FROM MessageBody WHERE id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	return value.String, nil
}

// HasMessageBody reports whether a body row exists for the message.
func (s *Store) HasMessageBody(messageID string) (bool, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM MessageBody WHERE id = ? AND value IS NOT NULL", messageID); err != nil {
		return false, fmt.Errorf("failed to check message body: %w", err)
	}
	return count > 0, nil
}

// UpsertThreadReference records that headerMessageId resolves to the
// thread. Each tuple inserts or is ignored independently; the unique
// index on (accountId, headerMessageId) keeps first-writer-wins
// semantics.
func (t *Tx) UpsertThreadReference(threadID, accountID, headerMessageID string) error {
	if headerMessageID == "" {
		return nil
	}
	ref := &models.ThreadReference{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		ThreadID:        threadID,
		HeaderMessageID: headerMessageID,
		Version:         1,
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal thread reference: %w", err)
	}
	return t.Exec(`
		INSERT OR IGNORE INTO ThreadReference (id, accountId, version, data, threadId, headerMessageId)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ref.ID, ref.AccountID, ref.Version, string(data), ref.ThreadID, ref.HeaderMessageID)
}

// ThreadSearchRow is the FTS document backing one thread.
type ThreadSearchRow struct {
	To         string
	From       string
	Body       string
	Categories string
}

// ReadThreadSearch loads the current FTS row for a thread, if any.
func (t *Tx) ReadThreadSearch(rowID int64) (*ThreadSearchRow, error) {
	var row ThreadSearchRow
	err := t.tx.QueryRowx(
		"SELECT to_, from_, body, categories FROM ThreadSearch WHERE rowid = ?", rowID,
	).Scan(&row.To, &row.From, &row.Body, &row.Categories)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread search row: %w", err)
	}
	return &row, nil
}

// WriteThreadSearch updates the thread's FTS row or inserts a fresh one,
// returning the rowid for the thread to remember.
func (t *Tx) WriteThreadSearch(thread *models.Thread, row ThreadSearchRow) (int64, error) {
	if thread.SearchRowID != 0 {
		err := t.Exec(
			"UPDATE ThreadSearch SET to_ = ?, from_ = ?, body = ?, categories = ? WHERE rowid = ?",
			row.To, row.From, row.Body, row.Categories, thread.SearchRowID,
		)
		return thread.SearchRowID, err
	}

	res, err := t.tx.Exec(
		"INSERT INTO ThreadSearch (to_, from_, body, categories, content_id) VALUES (?, ?, ?, ?, ?)",
		row.To, row.From, row.Body, row.Categories, thread.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert thread search row: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read thread search rowid: %w", err)
	}
	return rowID, nil
}

// InsertContactSearch indexes one contact for autocomplete.
func (t *Tx) InsertContactSearch(contact *models.Contact) error {
	return t.Exec(
		"INSERT INTO ContactSearch (content_id, content) VALUES (?, ?)",
		contact.ID, contact.SearchContent(),
	)
}

// SeedThreadCount ensures a ThreadCounts row exists for a category.
func (t *Tx) SeedThreadCount(categoryID string) error {
	return t.Exec(
		"INSERT OR IGNORE INTO ThreadCounts (categoryId, unread, total) VALUES (?, 0, 0)",
		categoryID,
	)
}

// DeleteThreadCount removes the ThreadCounts row for a category that no
// longer exists on the remote.
func (t *Tx) DeleteThreadCount(categoryID string) error {
	return t.Exec("DELETE FROM ThreadCounts WHERE categoryId = ?", categoryID)
}

// ThreadCount reads one category's counters.
func (s *Store) ThreadCount(categoryID string) (unread, total int, err error) {
	err = s.db.QueryRowx(
		"SELECT unread, total FROM ThreadCounts WHERE categoryId = ?", categoryID,
	).Scan(&unread, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read thread counts: %w", err)
	}
	return unread, total, nil
}
