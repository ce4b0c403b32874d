package store

import (
	"errors"
	"fmt"

	"github.com/tuksik/mailsync/internal/models"
)

// afterSave runs model-kind specific hooks inside the transaction.
// Saving a Message keeps its Thread's derived counters exact.
func (t *Tx) afterSave(m models.Model, emit bool) error {
	switch v := m.(type) {
	case *models.Message:
		return t.refreshThreadCounters(v.ThreadID, emit)
	}
	return nil
}

// afterRemove mirrors afterSave for deletions. Removing a Message drops
// its body and file rows and re-derives the thread, deleting the thread
// once its last message is gone.
func (t *Tx) afterRemove(m models.Model) error {
	switch v := m.(type) {
	case *models.Message:
		if err := t.Exec("DELETE FROM MessageBody WHERE id = ?", v.ID); err != nil {
			return err
		}
		if err := t.Exec("DELETE FROM File WHERE messageId = ?", v.ID); err != nil {
			return err
		}
		return t.refreshThreadCounters(v.ThreadID, true)
	case *models.Thread:
		if err := t.Exec("DELETE FROM ThreadReference WHERE threadId = ?", v.ID); err != nil {
			return err
		}
		if v.SearchRowID != 0 {
			if err := t.Exec("DELETE FROM ThreadSearch WHERE rowid = ?", v.SearchRowID); err != nil {
				return err
			}
		}
	}
	return nil
}

// threadContribution is what one thread adds to a category's counts.
func threadContribution(t *models.Thread) (unread int) {
	if t.UnreadCount > 0 {
		return 1
	}
	return 0
}

// refreshThreadCounters recomputes the thread's derived state (counts,
// categories, dates) from its member messages and adjusts the
// ThreadCounts rows by the difference. A thread whose last message is
// gone is removed entirely.
func (t *Tx) refreshThreadCounters(threadID string, emit bool) error {
	if threadID == "" {
		return nil
	}

	thread, err := Find[models.Thread](t, Q().Eq("id", threadID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	messages, err := FindAll[models.Message](t, Q().Eq("threadId", threadID))
	if err != nil {
		return err
	}

	oldCategories := append([]string(nil), thread.CategoryIDs...)
	oldUnreadContribution := threadContribution(thread)

	if len(messages) == 0 {
		for _, cat := range oldCategories {
			if err := t.adjustThreadCount(cat, -1, -oldUnreadContribution); err != nil {
				return err
			}
		}
		return t.Remove(thread)
	}

	unread, attachments := 0, 0
	categories := map[string]bool{}
	first, last := messages[0].Date, messages[0].Date
	starred := false
	for _, msg := range messages {
		if msg.Unread {
			unread++
		}
		if msg.HasAttachments() {
			attachments++
		}
		if msg.Starred {
			starred = true
		}
		for _, cat := range msg.CategoryIDs {
			categories[cat] = true
		}
		if msg.Date.Before(first) {
			first = msg.Date
		}
		if msg.Date.After(last) {
			last = msg.Date
		}
	}

	newCategories := make([]string, 0, len(categories))
	for cat := range categories {
		newCategories = append(newCategories, cat)
	}

	changed := thread.MessageCount != len(messages) ||
		thread.UnreadCount != unread ||
		thread.AttachmentCount != attachments ||
		thread.Starred != starred ||
		!thread.FirstMessageDate.Equal(first) ||
		!thread.LastMessageDate.Equal(last) ||
		!sameStringSet(oldCategories, newCategories)
	if !changed {
		return nil
	}

	thread.MessageCount = len(messages)
	thread.UnreadCount = unread
	thread.AttachmentCount = attachments
	thread.Starred = starred
	thread.FirstMessageDate = first
	thread.LastMessageDate = last
	thread.CategoryIDs = newCategories

	newUnreadContribution := threadContribution(thread)

	was := map[string]bool{}
	for _, cat := range oldCategories {
		was[cat] = true
	}
	for _, cat := range newCategories {
		if was[cat] {
			delete(was, cat)
			if d := newUnreadContribution - oldUnreadContribution; d != 0 {
				if err := t.adjustThreadCount(cat, 0, d); err != nil {
					return err
				}
			}
			continue
		}
		if err := t.adjustThreadCount(cat, 1, newUnreadContribution); err != nil {
			return err
		}
	}
	for cat := range was {
		if err := t.adjustThreadCount(cat, -1, -oldUnreadContribution); err != nil {
			return err
		}
	}

	return t.Save(thread, emit)
}

// adjustThreadCount applies a delta to one category's ThreadCounts row,
// creating it on first sight.
func (t *Tx) adjustThreadCount(categoryID string, totalDelta, unreadDelta int) error {
	if _, err := t.tx.Exec(
		"INSERT OR IGNORE INTO ThreadCounts (categoryId, unread, total) VALUES (?, 0, 0)",
		categoryID,
	); err != nil {
		return fmt.Errorf("failed to seed thread counts for %s: %w", categoryID, err)
	}
	if _, err := t.tx.Exec(
		"UPDATE ThreadCounts SET unread = MAX(0, unread + ?), total = MAX(0, total + ?) WHERE categoryId = ?",
		unreadDelta, totalDelta, categoryID,
	); err != nil {
		return fmt.Errorf("failed to adjust thread counts for %s: %w", categoryID, err)
	}
	return nil
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}
