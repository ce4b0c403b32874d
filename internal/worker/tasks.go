package worker

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/smtp"
	"github.com/tuksik/mailsync/internal/store"
)

// TaskProcessor mediates client-initiated operations between the
// local-optimistic path (PerformLocal, run by the main listener) and
// the remote commit path (PerformRemote, run only by the foreground
// worker, which owns the session).
type TaskProcessor struct {
	name      string
	account   *models.Account
	store     *store.Store
	processor *Processor
	session   imap.Session
}

// NewTaskProcessor builds a task processor. session may be nil for a
// local-only instance.
func NewTaskProcessor(name string, account *models.Account, st *store.Store, processor *Processor, session imap.Session) *TaskProcessor {
	return &TaskProcessor{name: name, account: account, store: st, processor: processor, session: session}
}

// PerformLocal applies the task's optimistic change to the store and
// promotes it to remote status. Idempotent on re-entry; precondition
// failures park the task in local-error with a structured payload.
func (p *TaskProcessor) PerformLocal(task *models.Task) error {
	var err error
	switch task.Cls {
	case models.TaskMarkUnread:
		err = p.localSetFlag(task, func(m *models.Message) { m.Unread = task.Bool("unread") })
	case models.TaskChangeStarred:
		err = p.localSetFlag(task, func(m *models.Message) { m.Starred = task.Bool("starred") })
	case models.TaskChangeFolder:
		err = p.localChangeFolder(task)
	case models.TaskChangeLabels:
		err = p.localChangeLabels(task)
	case models.TaskSyncbackDraft:
		err = p.localSyncbackDraft(task)
	case models.TaskSendDraft:
		// Nothing optimistic to apply; the draft row already exists.
	case models.TaskDestroyDraft:
		err = p.localDestroyDraft(task)
	case models.TaskExpungeAllInFolder:
		err = p.localExpungeAllInFolder(task)
	default:
		err = fmt.Errorf("unknown task class %q", task.Cls)
	}

	return p.store.InTransaction(func(tx *store.Tx) error {
		if err != nil {
			log.Printf("%s: task %s failed locally: %v", p.name, task.ID, err)
			task.Status = models.TaskStatusLocalError
			task.SetError("local", err.Error())
		} else {
			task.Status = models.TaskStatusRemote
		}
		return tx.Save(task, true)
	})
}

// PerformRemote replays the task against the server. Retryable errors
// leave the task in remote status for the next cycle; anything else
// parks it in remote-error. Cancelled tasks reverse their optimistic
// change and perform no server work.
func (p *TaskProcessor) PerformRemote(task *models.Task) {
	if task.ShouldCancel {
		if err := p.reverseOptimistic(task); err != nil {
			log.Printf("%s: Warning: failed to reverse cancelled task %s: %v", p.name, task.ID, err)
		}
		p.finishTask(task, models.TaskStatusCancelled, nil)
		return
	}

	var err error
	switch task.Cls {
	case models.TaskMarkUnread:
		err = p.remoteStoreFlags(task, `\Seen`, !task.Bool("unread"))
	case models.TaskChangeStarred:
		err = p.remoteStoreFlags(task, `\Flagged`, task.Bool("starred"))
	case models.TaskChangeFolder:
		err = p.remoteChangeFolder(task)
	case models.TaskChangeLabels:
		err = p.remoteChangeLabels(task)
	case models.TaskSyncbackDraft:
		err = p.remoteSyncbackDraft(task)
	case models.TaskSendDraft:
		err = p.remoteSendDraft(task)
	case models.TaskDestroyDraft:
		err = p.remoteDestroyDraft(task)
	case models.TaskExpungeAllInFolder:
		err = p.remoteExpungeAllInFolder(task)
	default:
		err = fmt.Errorf("unknown task class %q", task.Cls)
	}

	if err != nil {
		if imap.IsRetryable(err) {
			// Leave status remote; the next idle cycle tries again.
			log.Printf("%s: task %s hit a transient error, will retry: %v", p.name, task.ID, err)
			return
		}
		log.Printf("%s: task %s failed remotely: %v", p.name, task.ID, err)
		p.finishTask(task, models.TaskStatusRemoteError, err)
		return
	}

	p.finishTask(task, models.TaskStatusComplete, nil)
}

func (p *TaskProcessor) finishTask(task *models.Task, status string, cause error) {
	err := p.store.InTransaction(func(tx *store.Tx) error {
		task.Status = status
		if cause != nil {
			task.SetError("remote", cause.Error())
		}
		return tx.Save(task, true)
	})
	if err != nil {
		log.Printf("%s: Warning: failed to save task %s: %v", p.name, task.ID, err)
	}
}

// taskMessages loads the task's target messages.
func (p *TaskProcessor) taskMessages(src store.Source, task *models.Task) ([]*models.Message, error) {
	ids := task.StringList("messageIds")
	if len(ids) == 0 {
		ids = task.StringList("ids")
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("task has no message ids")
	}
	messages, err := store.FindAll[models.Message](src, store.Q().InStrings("id", ids))
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no matching messages")
	}
	return messages, nil
}

func (p *TaskProcessor) localSetFlag(task *models.Task, apply func(*models.Message)) error {
	return p.store.InTransaction(func(tx *store.Tx) error {
		messages, err := p.taskMessages(tx, task)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			apply(msg)
			// The server's eventual confirmation must not undo this.
			msg.SyncedAt = time.Now().Unix()
			if err := tx.Save(msg, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *TaskProcessor) localChangeFolder(task *models.Task) error {
	folderID := task.String("folderId")
	if folderID == "" {
		return fmt.Errorf("task has no folderId")
	}
	return p.store.InTransaction(func(tx *store.Tx) error {
		if _, err := store.Find[models.Folder](tx, store.Q().Eq("id", folderID)); err != nil {
			return fmt.Errorf("destination folder not found")
		}
		messages, err := p.taskMessages(tx, task)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			msg.ClientFolderID = folderID
			msg.SyncedAt = time.Now().Unix()
			if err := tx.Save(msg, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *TaskProcessor) localChangeLabels(task *models.Task) error {
	toAdd := task.StringList("labelsToAdd")
	toRemove := task.StringList("labelsToRemove")
	return p.store.InTransaction(func(tx *store.Tx) error {
		messages, err := p.taskMessages(tx, task)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			labels := map[string]bool{}
			for _, l := range msg.RemoteXGMLabels {
				labels[l] = true
			}
			for _, l := range toRemove {
				delete(labels, l)
			}
			for _, l := range toAdd {
				labels[l] = true
			}
			msg.RemoteXGMLabels = msg.RemoteXGMLabels[:0]
			for l := range labels {
				msg.RemoteXGMLabels = append(msg.RemoteXGMLabels, l)
			}
			msg.SyncedAt = time.Now().Unix()
			if err := tx.Save(msg, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// localSyncbackDraft writes or refreshes the local draft row; the
// remote phase uploads it to the drafts mailbox.
func (p *TaskProcessor) localSyncbackDraft(task *models.Task) error {
	draft, ok := task.Payload["draft"].(map[string]any)
	if !ok {
		return fmt.Errorf("task has no draft payload")
	}
	id, _ := draft["id"].(string)
	if id == "" {
		return fmt.Errorf("draft has no id")
	}

	return p.store.InTransaction(func(tx *store.Tx) error {
		drafts, err := p.findDraftsFolder(tx)
		if err != nil {
			return err
		}

		msg, err := store.Find[models.Message](tx, store.Q().Eq("id", id))
		if errors.Is(err, store.ErrNotFound) {
			msg = &models.Message{
				ID:              id,
				AccountID:       p.account.ID,
				ThreadID:        id,
				HeaderMessageID: id + "@mailsync",
				Draft:           true,
				Date:            time.Now(),
			}
			thread := models.NewThread(msg.ID, p.account.ID, stringFromMap(draft, "subject"), "")
			if err := tx.Save(thread, true); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		msg.Subject = stringFromMap(draft, "subject")
		msg.To = addressesFromPayload(draft["to"])
		msg.CC = addressesFromPayload(draft["cc"])
		msg.BCC = addressesFromPayload(draft["bcc"])
		msg.From = []models.Address{{Email: p.account.EmailAddress}}
		msg.Draft = true
		msg.Unread = false
		msg.RemoteFolderID = drafts.ID
		msg.RemoteFolderPath = drafts.Path
		msg.ClientFolderID = drafts.ID
		msg.CategoryIDs = []string{drafts.ID}
		msg.SyncedAt = time.Now().Unix()

		if err := tx.Save(msg, true); err != nil {
			return err
		}
		return tx.SaveMessageBody(msg.ID, stringFromMap(draft, "body"))
	})
}

func (p *TaskProcessor) localDestroyDraft(task *models.Task) error {
	id := task.String("messageId")
	if id == "" {
		return fmt.Errorf("task has no messageId")
	}
	return p.store.InTransaction(func(tx *store.Tx) error {
		msg, err := store.Find[models.Message](tx, store.Q().Eq("id", id))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !msg.Draft {
			return fmt.Errorf("message %s is not a draft", id)
		}
		// Remember where the server copy lives for the remote phase.
		task.Payload["remoteFolderPath"] = msg.RemoteFolderPath
		task.Payload["remoteUID"] = float64(msg.RemoteUID)
		return tx.Remove(msg)
	})
}

func (p *TaskProcessor) localExpungeAllInFolder(task *models.Task) error {
	folderID := task.String("folderId")
	if folderID == "" {
		return fmt.Errorf("task has no folderId")
	}
	for {
		count := 0
		err := p.store.InTransaction(func(tx *store.Tx) error {
			messages, err := store.FindAll[models.Message](tx,
				store.Q().Eq("folderId", folderID).Limit(deleteChunkSize))
			if err != nil {
				return err
			}
			count = len(messages)
			for _, msg := range messages {
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

// reverseOptimistic undoes the local phase of a cancelled task where
// the variant's semantics require it.
func (p *TaskProcessor) reverseOptimistic(task *models.Task) error {
	switch task.Cls {
	case models.TaskMarkUnread:
		return p.localSetFlag(task, func(m *models.Message) { m.Unread = !task.Bool("unread") })
	case models.TaskChangeStarred:
		return p.localSetFlag(task, func(m *models.Message) { m.Starred = !task.Bool("starred") })
	case models.TaskChangeFolder:
		return p.store.InTransaction(func(tx *store.Tx) error {
			messages, err := p.taskMessages(tx, task)
			if err != nil {
				return err
			}
			for _, msg := range messages {
				msg.ClientFolderID = msg.RemoteFolderID
				if err := tx.Save(msg, true); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return nil
}

// folderGroups collects the UIDs of the task's messages per remote
// folder path, since every IMAP operation is folder-scoped.
func (p *TaskProcessor) folderGroups(task *models.Task) (map[string][]uint32, error) {
	messages, err := p.taskMessages(p.store, task)
	if err != nil {
		return nil, err
	}
	groups := map[string][]uint32{}
	for _, msg := range messages {
		if msg.IsUnlinked() || msg.RemoteFolderPath == "" {
			continue
		}
		groups[msg.RemoteFolderPath] = append(groups[msg.RemoteFolderPath], msg.RemoteUID)
	}
	return groups, nil
}

func (p *TaskProcessor) remoteStoreFlags(task *models.Task, flag string, add bool) error {
	groups, err := p.folderGroups(task)
	if err != nil {
		return err
	}
	for path, uids := range groups {
		if err := p.session.StoreFlags(path, uids, add, []string{flag}); err != nil {
			return err
		}
	}
	return nil
}

func (p *TaskProcessor) remoteChangeFolder(task *models.Task) error {
	folderID := task.String("folderId")
	dest, err := store.Find[models.Folder](p.store, store.Q().Eq("id", folderID))
	if err != nil {
		return fmt.Errorf("destination folder not found")
	}
	groups, err := p.folderGroups(task)
	if err != nil {
		return err
	}
	for path, uids := range groups {
		if path == dest.Path {
			continue
		}
		if err := p.session.MoveMessages(path, uids, dest.Path); err != nil {
			return err
		}
	}
	return nil
}

func (p *TaskProcessor) remoteChangeLabels(task *models.Task) error {
	toAdd := task.StringList("labelsToAdd")
	toRemove := task.StringList("labelsToRemove")
	groups, err := p.folderGroups(task)
	if err != nil {
		return err
	}
	for path, uids := range groups {
		if err := p.session.StoreLabels(path, uids, true, toAdd); err != nil {
			return err
		}
		if err := p.session.StoreLabels(path, uids, false, toRemove); err != nil {
			return err
		}
	}
	return nil
}

func (p *TaskProcessor) remoteSyncbackDraft(task *models.Task) error {
	draft, ok := task.Payload["draft"].(map[string]any)
	if !ok {
		return fmt.Errorf("task has no draft payload")
	}
	id, _ := draft["id"].(string)

	msg, err := store.Find[models.Message](p.store, store.Q().Eq("id", id))
	if err != nil {
		return fmt.Errorf("draft %s not found", id)
	}

	body, err := p.store.MessageBodyValue(msg.ID)
	if err != nil {
		return err
	}
	raw, err := buildDraftMIME(p.account, msg, body)
	if err != nil {
		return err
	}

	drafts, err := p.findDraftsFolder(p.store)
	if err != nil {
		return err
	}
	return p.session.AppendMessage(drafts.Path, []string{`\Draft`, `\Seen`}, time.Now(), raw)
}

func (p *TaskProcessor) remoteSendDraft(task *models.Task) error {
	id := task.String("messageId")
	if id == "" {
		if draft, ok := task.Payload["draft"].(map[string]any); ok {
			id, _ = draft["id"].(string)
		}
	}
	msg, err := store.Find[models.Message](p.store, store.Q().Eq("id", id))
	if err != nil {
		return fmt.Errorf("draft %s not found", id)
	}

	body, err := p.store.MessageBodyValue(msg.ID)
	if err != nil {
		return err
	}
	raw, err := buildDraftMIME(p.account, msg, body)
	if err != nil {
		return err
	}

	recipients := make([]string, 0, len(msg.To)+len(msg.CC)+len(msg.BCC))
	for _, addr := range append(append(append([]models.Address{}, msg.To...), msg.CC...), msg.BCC...) {
		recipients = append(recipients, addr.Email)
	}
	if err := smtp.Send(p.account, p.account.EmailAddress, recipients, raw); err != nil {
		return err
	}

	// Gmail files sent mail itself; everyone else needs the copy
	// appended to the sent folder.
	if !p.account.IsGmail() {
		sent, err := store.Find[models.Folder](p.store,
			store.Q().Eq("accountId", p.account.ID).Eq("role", models.RoleSent))
		if err == nil {
			if err := p.session.AppendMessage(sent.Path, []string{`\Seen`}, time.Now(), raw); err != nil {
				log.Printf("%s: Warning: failed to append sent copy: %v", p.name, err)
			}
		}
	}
	return nil
}

func (p *TaskProcessor) remoteDestroyDraft(task *models.Task) error {
	path := task.String("remoteFolderPath")
	uid, _ := task.Payload["remoteUID"].(float64)
	if path == "" || uid == 0 || models.IsUnlinkedUID(uint32(uid)) {
		// Draft never made it to the server; nothing to destroy.
		return nil
	}
	return p.session.DeleteMessages(path, []uint32{uint32(uid)})
}

func (p *TaskProcessor) remoteExpungeAllInFolder(task *models.Task) error {
	folderID := task.String("folderId")
	folder, err := store.Find[models.Folder](p.store, store.Q().Eq("id", folderID))
	if err != nil {
		return fmt.Errorf("folder not found")
	}
	return p.session.ExpungeFolder(folder.Path)
}

// findDraftsFolder locates the drafts mailbox for the account.
func (p *TaskProcessor) findDraftsFolder(src store.Source) (*models.Folder, error) {
	drafts, err := store.Find[models.Folder](src,
		store.Q().Eq("accountId", p.account.ID).Eq("role", models.RoleDrafts))
	if err != nil {
		return nil, fmt.Errorf("no drafts folder")
	}
	return drafts, nil
}

// buildDraftMIME renders a draft message into RFC 822 bytes.
func buildDraftMIME(account *models.Account, msg *models.Message, bodyHTML string) ([]byte, error) {
	builder := enmime.Builder().
		From("", account.EmailAddress).
		Subject(msg.Subject).
		HTML([]byte(bodyHTML))
	for _, addr := range msg.To {
		builder = builder.To(addr.Name, addr.Email)
	}
	for _, addr := range msg.CC {
		builder = builder.CC(addr.Name, addr.Email)
	}
	for _, addr := range msg.BCC {
		builder = builder.BCC(addr.Name, addr.Email)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build draft MIME: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode draft MIME: %w", err)
	}
	return buf.Bytes(), nil
}

func stringFromMap(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// addressesFromPayload converts a JSON address list ({email, name} maps
// or plain strings) into model addresses.
func addressesFromPayload(raw any) []models.Address {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]models.Address, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, models.Address{Email: v})
		case map[string]any:
			addr := models.Address{}
			addr.Email, _ = v["email"].(string)
			addr.Name, _ = v["name"].(string)
			if addr.Email != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}
