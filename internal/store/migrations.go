package store

import "fmt"

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Model tables all
// share the (id, accountId, version, data) core plus projected index
// columns; search lives in FTS5 virtual tables.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Account (
	id           TEXT PRIMARY KEY,
	accountId    TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	data         TEXT NOT NULL,
	emailAddress TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS Folder (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	data      TEXT NOT NULL,
	path      TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT '',
	UNIQUE (accountId, path)
);

CREATE TABLE IF NOT EXISTS Label (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	data      TEXT NOT NULL,
	path      TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT '',
	UNIQUE (accountId, path)
);

CREATE TABLE IF NOT EXISTS Thread (
	id              TEXT PRIMARY KEY,
	accountId       TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	data            TEXT NOT NULL,
	gThrId          TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	unread          INTEGER NOT NULL DEFAULT 0,
	lastMessageDate INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_thread_gthrid ON Thread(accountId, gThrId);
CREATE INDEX IF NOT EXISTS idx_thread_date ON Thread(lastMessageDate);

CREATE TABLE IF NOT EXISTS ThreadReference (
	id              TEXT PRIMARY KEY,
	accountId       TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	data            TEXT NOT NULL,
	threadId        TEXT NOT NULL,
	headerMessageId TEXT NOT NULL,
	UNIQUE (accountId, headerMessageId)
);

CREATE INDEX IF NOT EXISTS idx_threadref_thread ON ThreadReference(threadId);

CREATE TABLE IF NOT EXISTS ThreadCounts (
	categoryId TEXT PRIMARY KEY,
	unread     INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS Message (
	id              TEXT PRIMARY KEY,
	accountId       TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	data            TEXT NOT NULL,
	threadId        TEXT NOT NULL,
	headerMessageId TEXT NOT NULL DEFAULT '',
	folderId        TEXT NOT NULL,
	folderImapUID   INTEGER NOT NULL DEFAULT 0,
	date            INTEGER NOT NULL DEFAULT 0,
	unread          INTEGER NOT NULL DEFAULT 0,
	starred         INTEGER NOT NULL DEFAULT 0,
	draft           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_message_thread ON Message(threadId);
CREATE INDEX IF NOT EXISTS idx_message_folder_uid ON Message(folderId, folderImapUID);
CREATE INDEX IF NOT EXISTS idx_message_date ON Message(date);

CREATE TABLE IF NOT EXISTS MessageBody (
	id        TEXT PRIMARY KEY,
	value     TEXT,
	fetchedAt DATETIME
);

CREATE TABLE IF NOT EXISTS File (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	data      TEXT NOT NULL,
	messageId TEXT NOT NULL,
	filename  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_file_message ON File(messageId);

CREATE TABLE IF NOT EXISTS Contact (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	data      TEXT NOT NULL,
	email     TEXT NOT NULL,
	refs      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (accountId, email)
);

CREATE TABLE IF NOT EXISTS Task (
	id        TEXT PRIMARY KEY,
	accountId TEXT NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	data      TEXT NOT NULL,
	status    TEXT NOT NULL DEFAULT 'local'
);

CREATE INDEX IF NOT EXISTS idx_task_status ON Task(status);

CREATE VIRTUAL TABLE IF NOT EXISTS ThreadSearch USING fts5(
	to_, from_, body, categories, content_id UNINDEXED
);

CREATE VIRTUAL TABLE IF NOT EXISTS ContactSearch USING fts5(
	content, content_id UNINDEXED
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Migrate checks the current schema version and applies any outstanding
// migrations in order.
func (s *Store) Migrate() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
	}

	return nil
}
