package worker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

const (
	// threadLookupRefs caps how many References we consult when joining
	// a message to an existing thread.
	threadLookupRefs = 50
	// threadUpsertRefs caps how many References we record as
	// ThreadReference rows.
	threadUpsertRefs = 100
	// contactMassMailCutoff: a single message addressed to more unique
	// participants than this creates no contacts.
	contactMassMailCutoff = 25
	// searchBodyCap bounds each body append into the thread FTS row.
	searchBodyCap = 5000
	// snippetCap bounds the stored message snippet.
	snippetCap = 400
	// deleteChunkSize bounds each unlinked-delete transaction.
	deleteChunkSize = 100
)

// Processor is the ingestion engine: it inserts and updates messages,
// maintains threads, references, contacts and the search index. Every
// public operation runs under a single store transaction.
type Processor struct {
	name      string
	account   *models.Account
	store     *store.Store
	filesRoot string
	sanitizer *bluemonday.Policy
}

// NewProcessor builds a processor for one account.
func NewProcessor(name string, account *models.Account, st *store.Store, filesRoot string) *Processor {
	return &Processor{
		name:      name,
		account:   account,
		store:     st,
		filesRoot: filesRoot,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// InsertFallbackToUpdateMessage attempts an insert; when the message
// already exists (same provider identity, possibly in another folder)
// the unique-constraint failure routes into an update with the same
// attributes.
func (p *Processor) InsertFallbackToUpdateMessage(remote *imap.RemoteMessage, folder *models.Folder, syncedAt int64) (*models.Message, error) {
	msg, err := p.InsertMessage(remote, folder, syncedAt)
	if err == nil {
		return msg, nil
	}
	if !store.IsConstraintError(err) {
		return nil, err
	}

	id := models.IDForMessage(p.account.ID, remote.ProviderMessageID())
	local, findErr := store.Find[models.Message](p.store, store.Q().Eq("id", id))
	if errors.Is(findErr, store.ErrNotFound) {
		// A different constraint blew up; surface the original failure.
		return nil, err
	}
	if findErr != nil {
		return nil, findErr
	}

	if err := p.UpdateMessage(local, remote, folder, syncedAt); err != nil {
		return nil, err
	}
	return local, nil
}

// InsertMessage ingests a new message, resolving its owning thread via
// the provider thread id or the References chain, and indexing it for
// search.
func (p *Processor) InsertMessage(remote *imap.RemoteMessage, folder *models.Folder, syncedAt int64) (*models.Message, error) {
	msg := p.messageFromRemote(remote, folder, syncedAt)

	tx, err := p.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Release()

	var thread *models.Thread
	if remote.GmailThreadID != "" {
		thread, err = store.Find[models.Thread](tx, store.Q().Eq("accountId", p.account.ID).Eq("gThrId", remote.GmailThreadID))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else if !remote.MessageIDAutoGenerated {
		lookup := append([]string{msg.HeaderMessageID}, firstN(remote.References, threadLookupRefs)...)
		thread, err = store.FindThreadByReferences(tx, p.account.ID, lookup)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if thread == nil {
		thread = models.NewThread(msg.ID, p.account.ID, msg.Subject, remote.GmailThreadID)
	}

	msg.ThreadID = thread.ID
	msg.CategoryIDs = p.resolveCategories(tx, remote.Labels, folder)

	// Index the thread metadata for search once, at ingest.
	if err := p.appendToThreadSearchContent(tx, thread, msg, ""); err != nil {
		return nil, err
	}
	if err := tx.Save(thread, true); err != nil {
		return nil, err
	}

	// Saving the message recomputes the thread counters.
	if err := tx.Save(msg, true); err != nil {
		return nil, err
	}

	// Make the thread reachable from every reference. Each tuple is
	// inserted or ignored independently.
	if err := tx.UpsertThreadReference(thread.ID, p.account.ID, msg.HeaderMessageID); err != nil {
		return nil, err
	}
	for _, ref := range firstN(remote.References, threadUpsertRefs) {
		if err := tx.UpsertThreadReference(thread.ID, p.account.ID, ref); err != nil {
			return nil, err
		}
	}

	if err := p.upsertContacts(tx, msg); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage applies remote attribute changes to a local message.
// Records older than what we already applied are dropped (syncedAt
// monotonicity); identical attributes are a no-op.
func (p *Processor) UpdateMessage(local *models.Message, remote *imap.RemoteMessage, folder *models.Folder, syncedAt int64) error {
	if local.SyncedAt > syncedAt {
		log.Printf("%s: ignoring stale changes to %q, local data is newer", p.name, local.Subject)
		return nil
	}

	updated := models.MessageAttributes{
		UID:      remote.UID,
		Unread:   remote.Unread(),
		Starred:  remote.Starred(),
		Draft:    remote.Draft() || folder.Role == models.RoleDrafts,
		Labels:   remote.Labels,
		FolderID: folder.ID,
	}
	if models.AttributesMatch(local.Attributes(), updated) {
		return nil
	}

	return p.store.InTransaction(func(tx *store.Tx) error {
		local.Unread = updated.Unread
		local.Starred = updated.Starred
		local.Draft = updated.Draft
		local.RemoteUID = updated.UID
		local.RemoteFolderID = folder.ID
		local.RemoteFolderPath = folder.Path
		local.ClientFolderID = folder.ID
		local.RemoteXGMLabels = remote.Labels
		local.CategoryIDs = p.resolveCategories(tx, remote.Labels, folder)
		local.SyncedAt = syncedAt
		return tx.Save(local, true)
	})
}

// RetrievedMessageBody ingests a fetched body: sanitized HTML, text
// flattening, attachment extraction and disk persistence, search
// indexing and the snippet.
func (p *Processor) RetrievedMessageBody(msg *models.Message, parsed *imap.ParsedBody) error {
	html := p.sanitizer.Sanitize(parsed.HTML)
	text := parsed.Text
	if text == "" && html != "" {
		flattened, err := html2text.FromString(html, html2text.Options{TextOnly: true})
		if err == nil {
			text = flattened
		}
	}
	text = strings.TrimSpace(text)

	var files []*models.File
	for _, att := range parsed.Attachments {
		f := models.NewFile(msg, att.PartID, att.Filename, att.ContentType, att.ContentID, len(att.Content))

		duplicate := false
		for _, other := range files {
			if other.PartID == f.PartID {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		// Some senders reference inline images as cid:<filename> without
		// giving the part a Content-ID; recover the association from the
		// body. Check the unsanitized HTML - the sanitizer may strip
		// cid: srcs.
		if f.ContentID == "" && f.Filename != "" && strings.Contains(parsed.HTML, "cid:"+f.Filename) {
			f.ContentID = f.Filename
		}

		if err := p.writeFileData(f, att.Content); err != nil {
			log.Printf("%s: Warning: failed to write attachment %s: %v", p.name, f.ID, err)
			continue
		}
		files = append(files, f)
	}

	return p.store.InTransaction(func(tx *store.Tx) error {
		if err := tx.SaveMessageBody(msg.ID, html); err != nil {
			return err
		}

		for _, f := range files {
			if err := tx.Save(f, true); err != nil {
				if store.IsConstraintError(err) {
					// Already present from a previous fetch of this body.
					continue
				}
				return err
			}
		}

		thread, err := store.Find[models.Thread](tx, store.Q().Eq("id", msg.ThreadID))
		if err == nil {
			if err := p.appendToThreadSearchContent(tx, thread, nil, text); err != nil {
				return err
			}
			if err := tx.Save(thread, false); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		msg.Snippet = truncate(text, snippetCap)
		msg.Files = files
		return tx.Save(msg, true)
	})
}

// writeFileData persists attachment bytes at the file's sharded path.
// Writes are idempotent per file id.
func (p *Processor) writeFileData(f *models.File, content []byte) error {
	path := f.DiskPath(p.filesRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create attachment dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	return nil
}

// UnlinkMessagesMatchingQuery marks every matched message as gone from
// its folder in this sweep phase without deleting it yet, giving
// cross-folder moves one cycle to reconcile. Changes are not emitted;
// the client cannot observe remote UIDs.
func (p *Processor) UnlinkMessagesMatchingQuery(q store.Query, phase int) error {
	return p.store.InTransaction(func(tx *store.Tx) error {
		messages, err := store.FindAll[models.Message](tx, q)
		if err != nil {
			return err
		}

		logSubjects := len(messages) < 40
		for _, msg := range messages {
			if msg.IsUnlinked() {
				// Unlinked in a previous cycle; deletion is imminent.
				continue
			}
			if logSubjects {
				log.Printf("%s: unlinking %q (%s)", p.name, msg.Subject, msg.ID)
			}
			msg.RemoteUID = models.UnlinkedUIDForPhase(phase)
			if err := tx.Save(msg, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMessagesStillUnlinkedFromPhase deletes, in bounded chunks, all
// messages still carrying the unlink sentinel for the phase. Each chunk
// commits separately so a huge purge cannot monopolize the database.
func (p *Processor) DeleteMessagesStillUnlinkedFromPhase(phase int) error {
	sentinel := int64(models.UnlinkedUIDForPhase(phase))
	for {
		count := 0
		err := p.store.InTransaction(func(tx *store.Tx) error {
			messages, err := store.FindAll[models.Message](tx,
				store.Q().Eq("accountId", p.account.ID).Eq("folderImapUID", sentinel).Limit(deleteChunkSize))
			if err != nil {
				return err
			}
			count = len(messages)
			for _, msg := range messages {
				log.Printf("%s: removing %q (%s)", p.name, msg.Subject, msg.ID)
				if err := tx.Remove(msg); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if count < deleteChunkSize {
			return nil
		}
	}
}

// messageFromRemote builds the local model for a remote header record.
func (p *Processor) messageFromRemote(remote *imap.RemoteMessage, folder *models.Folder, syncedAt int64) *models.Message {
	return &models.Message{
		ID:               models.IDForMessage(p.account.ID, remote.ProviderMessageID()),
		AccountID:        p.account.ID,
		HeaderMessageID:  remote.HeaderMessageID,
		GmailMessageID:   remote.GmailMessageID,
		GmailThreadID:    remote.GmailThreadID,
		Subject:          remote.Subject,
		Date:             remote.Date,
		Unread:           remote.Unread(),
		Starred:          remote.Starred(),
		Draft:            remote.Draft() || folder.Role == models.RoleDrafts,
		RemoteUID:        remote.UID,
		RemoteFolderID:   folder.ID,
		RemoteFolderPath: folder.Path,
		ClientFolderID:   folder.ID,
		RemoteXGMLabels:  remote.Labels,
		SyncedAt:         syncedAt,
		To:               remote.To,
		From:             remote.From,
		CC:               remote.CC,
		BCC:              remote.BCC,
	}
}

// resolveCategories maps a message's placement (folder plus provider
// labels) onto folder/label category ids.
func (p *Processor) resolveCategories(tx *store.Tx, xgmLabels []string, folder *models.Folder) []string {
	categories := []string{folder.ID}
	if len(xgmLabels) == 0 {
		return categories
	}

	labels, err := store.FindAll[models.Label](tx, store.Q().Eq("accountId", p.account.ID))
	if err != nil {
		log.Printf("%s: Warning: failed to load labels for categories: %v", p.name, err)
		return categories
	}

	byRole := map[string]*models.Label{}
	byPath := map[string]*models.Label{}
	for _, l := range labels {
		if l.Role != models.RoleNone {
			byRole[l.Role] = l
		}
		byPath[l.Path] = l
	}

	for _, raw := range xgmLabels {
		name := strings.TrimPrefix(raw, `\`)
		var match *models.Label
		switch name {
		case "Inbox":
			match = byRole[models.RoleInbox]
		case "Sent":
			match = byRole[models.RoleSent]
		case "Draft", "Drafts":
			match = byRole[models.RoleDrafts]
		case "Important":
			match = byRole[models.RoleImportant]
		case "Starred", "Muted":
			continue
		default:
			match = byPath[raw]
		}
		if match != nil && match.ID != folder.ID {
			categories = append(categories, match.ID)
		}
	}
	return categories
}

// upsertContacts records the message participants for autocomplete.
// Refcounts only move for mail the user sent; mass mail creates no
// contacts at all.
func (p *Processor) upsertContacts(tx *store.Tx, msg *models.Message) error {
	byEmail := map[string]models.Address{}
	for _, addr := range append(append(append([]models.Address{}, msg.To...), msg.CC...), msg.From...) {
		key := models.ContactKeyForEmail(addr.Email)
		if key == "" {
			continue
		}
		byEmail[key] = addr
	}

	if len(byEmail) == 0 || len(byEmail) > contactMassMailCutoff {
		return nil
	}

	emails := make([]string, 0, len(byEmail))
	for email := range byEmail {
		emails = append(emails, email)
	}

	existing, err := store.FindAll[models.Contact](tx,
		store.Q().Eq("accountId", p.account.ID).InStrings("email", emails))
	if err != nil {
		return err
	}

	incrementCounters := msg.IsSentByUser(p.account.EmailAddress)

	for _, contact := range existing {
		if incrementCounters {
			contact.Refs++
			if err := tx.Save(contact, false); err != nil {
				return err
			}
		}
		delete(byEmail, contact.Email)
	}

	for email, addr := range byEmail {
		contact := models.NewContact(p.account.ID, email, addr.Name)
		if incrementCounters {
			contact.Refs = 1
		}
		if err := tx.Save(contact, false); err != nil {
			return err
		}
		if err := tx.InsertContactSearch(contact); err != nil {
			return err
		}
	}
	return nil
}

// appendToThreadSearchContent maintains the thread's single FTS row via
// read-modify-write, appending the given message's participants and/or
// a capped slice of body text.
func (p *Processor) appendToThreadSearchContent(tx *store.Tx, thread *models.Thread, msgOrNil *models.Message, bodyText string) error {
	to := ""
	from := ""
	body := thread.Subject
	categories := strings.Join(thread.CategoryIDs, " ")

	if thread.SearchRowID != 0 {
		existing, err := tx.ReadThreadSearch(thread.SearchRowID)
		if err != nil {
			return err
		}
		if existing != nil {
			to = existing.To
			from = existing.From
			body = existing.Body
		}
	}

	if msgOrNil != nil {
		for _, addr := range append(append(append([]models.Address{}, msgOrNil.To...), msgOrNil.CC...), msgOrNil.BCC...) {
			to = to + " " + addr.Email + " " + addr.Name
		}
		for _, addr := range msgOrNil.From {
			from = from + " " + addr.Email + " " + addr.Name
		}
	}

	if bodyText != "" {
		body = body + " " + truncate(bodyText, searchBodyCap)
	}

	rowID, err := tx.WriteThreadSearch(thread, store.ThreadSearchRow{
		To:         to,
		From:       from,
		Body:       body,
		Categories: categories,
	})
	if err != nil {
		return err
	}
	thread.SearchRowID = rowID
	return nil
}

// truncate cuts s at n runes without splitting a character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// firstN returns at most the first n entries of list.
func firstN(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[:n]
}
