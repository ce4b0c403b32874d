package worker

import (
	"fmt"
	"log"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

// fgEventKind enumerates the wakeup events other goroutines send the
// foreground worker.
type fgEventKind int

const (
	eventReloop fgEventKind = iota
	eventFetchBody
	eventTaskReady
)

// fgEvent is one wakeup. The event channel replaces shared mutable
// flags: producers enqueue, the worker services them at its poll
// points.
type fgEvent struct {
	kind      fgEventKind
	messageID string
}

// IdleInterrupt wakes the foreground worker out of IDLE so it re-runs
// its cycle. IdleQueueBodiesToSync calls it after queueing body fetches;
// tasks ready for remote execution go through NotifyTaskReady instead.
// Safe from any goroutine.
func (w *SyncWorker) IdleInterrupt() {
	w.enqueue(fgEvent{kind: eventReloop})
	w.session.InterruptIdle()
}

// IdleQueueBodiesToSync asks the foreground worker to fetch the given
// message bodies as soon as possible.
func (w *SyncWorker) IdleQueueBodiesToSync(ids []string) {
	for _, id := range ids {
		w.enqueue(fgEvent{kind: eventFetchBody, messageID: id})
	}
	w.IdleInterrupt()
}

// NotifyTaskReady signals that a task reached remote status.
func (w *SyncWorker) NotifyTaskReady() {
	w.enqueue(fgEvent{kind: eventTaskReady})
	w.session.InterruptIdle()
}

func (w *SyncWorker) enqueue(ev fgEvent) {
	select {
	case w.events <- ev:
	default:
		// Channel full: the worker has a huge backlog of wakeups and
		// will reloop regardless; dropping a duplicate is harmless for
		// reloop events. Body fetches must not be lost.
		if ev.kind == eventFetchBody {
			w.events <- ev
		}
	}
}

// drainEvents consumes every queued event without blocking, collecting
// pending body fetches and reporting whether a reloop was requested.
func (w *SyncWorker) drainEvents() (reloop bool) {
	for {
		select {
		case ev := <-w.events:
			switch ev.kind {
			case eventFetchBody:
				w.pendingBodies = append(w.pendingBodies, ev.messageID)
			case eventReloop, eventTaskReady:
				reloop = true
			}
		default:
			return reloop
		}
	}
}

// IdleCycle is the foreground loop: service on-demand body fetches,
// drain remote-ready tasks, reconcile the inbox, then IDLE on it until
// something happens. Runs until a non-recoverable error (no inbox, or
// the session dies in a way Connect can't fix).
func (w *SyncWorker) IdleCycle() error {
	for {
		w.drainEvents()

		// Run body requests queued by the client.
		for len(w.pendingBodies) > 0 {
			id := w.pendingBodies[len(w.pendingBodies)-1]
			w.pendingBodies = w.pendingBodies[:len(w.pendingBodies)-1]

			msg, err := store.Find[models.Message](w.store, store.Q().Eq("id", id))
			if err != nil {
				log.Printf("%s: Warning: body requested for unknown message %s", w.name, id)
				continue
			}
			if err := w.session.Connect(); err != nil {
				return err
			}
			log.Printf("%s: fetching body for message %s", w.name, msg.ID)
			w.syncMessageBody(msg)
		}

		if w.drainEvents() {
			continue
		}

		// Run tasks ready for their remote part.
		tasks, err := store.FindAll[models.Task](w.store,
			store.Q().Eq("accountId", w.account.ID).Eq("status", models.TaskStatusRemote))
		if err != nil {
			return err
		}
		if len(tasks) > 0 {
			if err := w.session.Connect(); err != nil {
				return err
			}
			for _, task := range tasks {
				w.tasks.PerformRemote(task)
			}
		}

		if w.drainEvents() {
			continue
		}

		inbox, err := w.findIdleFolder()
		if err != nil {
			return err
		}

		if err := w.session.Connect(); err != nil {
			return err
		}

		if w.drainEvents() {
			continue
		}

		// Refresh the folder list and reconcile the inbox before going
		// back to sleep; the idling folder may have been renamed away.
		if _, err := w.SyncFoldersAndLabels(); err != nil {
			return err
		}
		inbox, err = store.Find[models.Folder](w.store, store.Q().Eq("id", inbox.ID))
		if err != nil {
			log.Printf("%s: idling folder has disappeared", w.name)
			return fmt.Errorf("idle folder disappeared")
		}

		status, err := w.session.Status(inbox.Path)
		if err != nil {
			return err
		}
		if w.session.HasCapability(imap.CapCondstore) {
			err = w.syncFolderChangesViaCondstore(inbox, status)
		} else {
			err = w.syncFolderChangesViaShallowScan(inbox, status)
		}
		if err != nil {
			return err
		}
		w.SyncMessageBodies(inbox)
		if err := w.saveFolder(inbox); err != nil {
			return err
		}

		if w.drainEvents() {
			continue
		}

		log.Printf("%s: idling on folder %s", w.name, inbox.Path)
		if err := w.session.Idle(inbox.Path); err != nil {
			log.Printf("%s: idle exited: %v", w.name, err)
			if !imap.IsRetryable(err) {
				return err
			}
		}
	}
}

// findIdleFolder locates the inbox, falling back to the all-mail folder
// on providers without a plain inbox.
func (w *SyncWorker) findIdleFolder() (*models.Folder, error) {
	inbox, err := store.Find[models.Folder](w.store,
		store.Q().Eq("accountId", w.account.ID).Eq("role", models.RoleInbox))
	if err == nil {
		return inbox, nil
	}
	inbox, err = store.Find[models.Folder](w.store,
		store.Q().Eq("accountId", w.account.ID).Eq("role", models.RoleAll))
	if err == nil {
		return inbox, nil
	}
	return nil, fmt.Errorf("no inbox to idle on")
}
