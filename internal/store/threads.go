package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tuksik/mailsync/internal/models"
)

// FindThreadByReferences resolves the thread any of the given
// Message-IDs is reachable from, or ErrNotFound.
func FindThreadByReferences(src Source, accountID string, headerMessageIDs []string) (*models.Thread, error) {
	if len(headerMessageIDs) == 0 {
		return nil, ErrNotFound
	}

	args := make([]any, 0, len(headerMessageIDs)+1)
	args = append(args, accountID)
	for _, id := range headerMessageIDs {
		args = append(args, id)
	}

	query := `
		SELECT Thread.data FROM Thread
		INNER JOIN ThreadReference ON ThreadReference.threadId = Thread.id
		WHERE ThreadReference.accountId = ?
			AND ThreadReference.headerMessageId IN (?` + strings.Repeat(", ?", len(headerMessageIDs)-1) + `)
		LIMIT 1
	`

	var data string
	err := src.Reader().QueryRowx(query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread by references: %w", err)
	}

	var thread models.Thread
	if err := json.Unmarshal([]byte(data), &thread); err != nil {
		return nil, fmt.Errorf("failed to load thread row: %w", err)
	}
	return &thread, nil
}
