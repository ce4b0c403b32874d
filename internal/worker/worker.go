package worker

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/store"
)

const (
	// fullScanFreshChunk is the UID chunk size for the first pass over a
	// folder; small so a brand-new account doesn't hammer the server
	// before we know how it behaves.
	fullScanFreshChunk = 200
	// fullScanChunk is the steady-state deep scan chunk size.
	fullScanChunk = 1000
	// fullScanStaleAfter re-triggers a deep scan on servers without
	// QRESYNC, since flag changes and deletions deep in the folder are
	// otherwise invisible.
	fullScanStaleAfter = 10 * time.Minute
	// shallowScanDepth is the zero-based depth of the shallow scan's
	// bottom bound: the 500th most recent known UID.
	shallowScanDepth = 499
	// bodySyncBatch is the per-visit cap on background body fetches.
	bodySyncBatch = 10
	// bodySyncWindow is how far back background body fetches reach.
	bodySyncWindow = 30 * 24 * time.Hour
	// writeYieldEvery / writeYieldFor bound how long the reconcile loop
	// may monopolize the database before sleeping.
	writeYieldEvery = 250 * time.Millisecond
	writeYieldFor   = 50 * time.Millisecond
)

// SyncWorker drives one IMAP session for one account. Two instances run
// per account: a background sweeper calling SyncNow in a loop and a
// foreground worker living in IdleCycle.
type SyncWorker struct {
	name      string
	account   *models.Account
	store     *store.Store
	session   imap.Session
	processor *Processor
	tasks     *TaskProcessor

	unlinkPhase int

	events        chan fgEvent
	pendingBodies []string
}

// NewSyncWorker builds a worker around its own session.
func NewSyncWorker(name string, account *models.Account, st *store.Store, session imap.Session, filesRoot string) *SyncWorker {
	processor := NewProcessor(name+"_p", account, st, filesRoot)
	return &SyncWorker{
		name:        name,
		account:     account,
		store:       st,
		session:     session,
		processor:   processor,
		tasks:       NewTaskProcessor(name+"_t", account, st, processor, session),
		unlinkPhase: 1,
		events:      make(chan fgEvent, 1024),
	}
}

// Processor exposes the worker's ingestion engine.
func (w *SyncWorker) Processor() *Processor { return w.processor }

// Tasks exposes the worker's task processor.
func (w *SyncWorker) Tasks() *TaskProcessor { return w.tasks }

// SyncNow performs one full pass over every folder: reconcile the
// folder list, advance the deep scan, apply the change feed, backfill
// some bodies, then run the unlink phase toggle and delete pass.
// Returns true when more work remains and the caller should loop again
// immediately.
func (w *SyncWorker) SyncNow() (bool, error) {
	if err := w.session.Connect(); err != nil {
		return false, err
	}

	folders, err := w.SyncFoldersAndLabels()
	if err != nil {
		return false, err
	}

	sort.SliceStable(folders, func(i, j int) bool {
		return models.RoleSweepRank(folders[i].Role) < models.RoleSweepRank(folders[j].Role)
	})

	syncAgainImmediately := false
	for _, folder := range folders {
		status, err := w.session.Status(folder.Path)
		if err != nil {
			return false, fmt.Errorf("failed to get status of %s: %w", folder.Path, err)
		}

		if !folder.LocalStatus.Seeded() {
			// First encounter. The current highestmodseq becomes the
			// change-feed floor while the deep scan works backwards.
			folder.LocalStatus.UIDValidity = status.UIDValidity
			folder.LocalStatus.HighestModSeq = status.HighestModSeq
		}

		if folder.LocalStatus.UIDValidity != status.UIDValidity {
			w.handleUIDValidityReset(folder, status)
			continue
		}

		fullScanInProgress, err := w.syncFolderFullScanIncremental(folder, status)
		if err != nil {
			log.Printf("%s: Warning: deep scan of %s failed: %v", w.name, folder.Path, err)
			continue
		}

		if w.session.HasCapability(imap.CapCondstore) {
			err = w.syncFolderChangesViaCondstore(folder, status)
		} else {
			err = w.syncFolderChangesViaShallowScan(folder, status)
		}
		if err != nil {
			log.Printf("%s: Warning: change sync of %s failed: %v", w.name, folder.Path, err)
			continue
		}

		bodiesInProgress := w.SyncMessageBodies(folder)

		if err := w.saveFolder(folder); err != nil {
			return false, err
		}

		syncAgainImmediately = syncAgainImmediately || bodiesInProgress || fullScanInProgress
	}

	// Messages unlinked this sweep carry the current phase; anything
	// still marked with the other phase survived a full cycle without
	// reappearing in any folder and is really gone.
	w.unlinkPhase = togglePhase(w.unlinkPhase)
	log.Printf("%s: sync loop deleting unlinked messages with phase %d", w.name, w.unlinkPhase)
	if err := w.processor.DeleteMessagesStillUnlinkedFromPhase(w.unlinkPhase); err != nil {
		return false, err
	}

	log.Printf("%s: sync loop complete", w.name)
	return syncAgainImmediately, nil
}

func togglePhase(phase int) int {
	if phase == 1 {
		return 2
	}
	return 1
}

// handleUIDValidityReset drops the folder's sync state after the server
// invalidated its UID space: every known message is unlinked (it will
// be re-discovered with fresh UIDs or deleted) and the next sweep
// re-syncs from scratch.
func (w *SyncWorker) handleUIDValidityReset(folder *models.Folder, status imap.FolderStatus) {
	log.Printf("%s: UIDVALIDITY of %s changed (%d -> %d), forcing re-sync",
		w.name, folder.Path, folder.LocalStatus.UIDValidity, status.UIDValidity)

	q := store.Q().Eq("folderId", folder.ID)
	if err := w.processor.UnlinkMessagesMatchingQuery(q, w.unlinkPhase); err != nil {
		log.Printf("%s: Warning: failed to unlink %s after UIDVALIDITY change: %v", w.name, folder.Path, err)
		return
	}

	folder.LocalStatus = models.FolderLocalStatus{}
	if err := w.saveFolder(folder); err != nil {
		log.Printf("%s: Warning: failed to save %s after UIDVALIDITY change: %v", w.name, folder.Path, err)
	}
}

// SyncFoldersAndLabels reconciles the remote folder list against the
// local Folder and Label rows and returns the folders to sync. On
// Gmail-like providers only all/spam/trash are folders; other mailboxes
// map to labels.
func (w *SyncWorker) SyncFoldersAndLabels() ([]*models.Folder, error) {
	log.Printf("%s: syncing folder list", w.name)

	remote, err := w.session.ListFolders()
	if err != nil {
		return nil, err
	}

	isGmail := w.session.HasCapability(imap.CapGmail)

	var foldersToSync []*models.Folder
	err = w.store.InTransaction(func(tx *store.Tx) error {
		accountQ := store.Q().Eq("accountId", w.account.ID)
		localFolders, err := store.FindAllMap[models.Folder](tx, accountQ, func(f *models.Folder) string { return f.ID })
		if err != nil {
			return err
		}
		localLabels, err := store.FindAllMap[models.Label](tx, accountQ, func(l *models.Label) string { return l.ID })
		if err != nil {
			return err
		}

		for _, info := range remote {
			if info.NoSelect {
				continue
			}
			id := models.IDForFolder(w.account.ID, info.Path)

			if isGmail && info.Role != models.RoleAll && info.Role != models.RoleSpam && info.Role != models.RoleTrash {
				label, known := localLabels[id]
				if known {
					delete(localLabels, id)
				} else {
					label = models.NewLabel(w.account.ID, info.Path, info.Role)
				}
				if label.Role != info.Role || label.Version == 0 {
					label.Role = info.Role
					if err := tx.SeedThreadCount(label.ID); err != nil {
						return err
					}
					if err := tx.Save(label, true); err != nil {
						return err
					}
				}
				continue
			}

			folder, known := localFolders[id]
			if known {
				delete(localFolders, id)
			} else {
				folder = models.NewFolder(w.account.ID, info.Path, info.Role)
			}
			if folder.Role != info.Role || folder.Version == 0 {
				folder.Role = info.Role
				if err := tx.SeedThreadCount(folder.ID); err != nil {
					return err
				}
				if err := tx.Save(folder, true); err != nil {
					return err
				}
			}
			foldersToSync = append(foldersToSync, folder)
		}

		// Anything left locally no longer exists on the remote.
		for _, folder := range localFolders {
			if err := tx.DeleteThreadCount(folder.ID); err != nil {
				return err
			}
			if err := tx.Remove(folder); err != nil {
				return err
			}
		}
		for _, label := range localLabels {
			if err := tx.DeleteThreadCount(label.ID); err != nil {
				return err
			}
			if err := tx.Remove(label); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return foldersToSync, nil
}

// syncFolderFullScanIncremental advances the deep scan by one chunk.
// The deep scan walks the entire UID space newest to oldest to discover
// deletions and flag changes outside CONDSTORE range. Returns true
// while the scan is still in progress.
func (w *SyncWorker) syncFolderFullScanIncremental(folder *models.Folder, status imap.FolderStatus) (bool, error) {
	ls := &folder.LocalStatus

	fullScanHead := ls.FullScanHead
	if fullScanHead == 0 {
		fullScanHead = math.MaxUint32
	}
	chunk := uint32(fullScanChunk)

	qresync := w.session.HasCapability(imap.CapQResync)
	stale := time.Since(time.Unix(ls.FullScanTime, 0)) > fullScanStaleAfter

	if fullScanHead == math.MaxUint32 || (!qresync && stale) {
		// Starting a pass: the current uidnext is the "oldest" value, so
		// CONDSTORE from here forward catches everything that changes
		// while we page backwards.
		ls.UIDNext = status.UIDNext
		fullScanHead = status.UIDNext
		chunk = fullScanFreshChunk
	}

	if fullScanHead <= 1 {
		return false, nil
	}

	// The UID space is sparse. When the folder holds fewer messages
	// than one chunk, take the whole range in one bite.
	chunkNextHead := uint32(1)
	if fullScanHead > chunk {
		chunkNextHead = fullScanHead - chunk
	}
	if status.Messages < chunk {
		chunkNextHead = 1
	}

	r := models.UIDRange{Start: chunkNextHead, End: fullScanHead - 1}
	if err := w.syncFolderUIDRange(folder, r); err != nil {
		return false, err
	}

	ls.FullScanHead = chunkNextHead
	ls.FullScanTime = time.Now().Unix()
	return true, nil
}

// syncFolderChangesViaShallowScan reconciles just the most recent
// window of the folder, from the 500th most recent known UID up to
// uidnext.
func (w *SyncWorker) syncFolderChangesViaShallowScan(folder *models.Folder, status imap.FolderStatus) error {
	uidnext := status.UIDNext
	bottomUID, err := w.store.FetchMessageUIDAtDepth(folder, shallowScanDepth, uidnext)
	if err != nil {
		return err
	}

	log.Printf("%s: syncing %s via shallow scan (UIDs %d - %d)", w.name, folder.Path, bottomUID, uidnext)

	if err := w.syncFolderUIDRange(folder, models.UIDRange{Start: bottomUID, End: uidnext}); err != nil {
		return err
	}
	folder.LocalStatus.UIDNext = uidnext
	return nil
}

// syncFolderChangesViaCondstore applies the server's change feed since
// our stored modseq. Servers with QRESYNC also hand us the vanished UID
// set; without it deletions are found by the shallow scan fallback.
func (w *SyncWorker) syncFolderChangesViaCondstore(folder *models.Folder, status imap.FolderStatus) error {
	ls := &folder.LocalStatus

	if ls.HighestModSeq == status.HighestModSeq {
		log.Printf("%s: syncing %s: highestmodseq matches, no changes", w.name, folder.Path)
		return nil
	}

	log.Printf("%s: syncing %s: highestmodseq changed (%d -> %d), requesting changes",
		w.name, folder.Path, ls.HighestModSeq, status.HighestModSeq)

	result, err := w.session.SyncSince(folder.Path, ls.HighestModSeq)
	if err != nil {
		return err
	}

	syncedAt := time.Now().Unix()

	ids := make([]string, 0, len(result.ModifiedOrAdded))
	for i := range result.ModifiedOrAdded {
		ids = append(ids, models.IDForMessage(w.account.ID, result.ModifiedOrAdded[i].ProviderMessageID()))
	}
	local, err := store.FindAllMap[models.Message](w.store,
		store.Q().InStrings("id", ids), func(m *models.Message) string { return m.ID })
	if err != nil {
		return err
	}

	for i := range result.ModifiedOrAdded {
		remote := &result.ModifiedOrAdded[i]
		id := models.IDForMessage(w.account.ID, remote.ProviderMessageID())
		if existing, known := local[id]; known {
			// Could have moved here from another folder.
			if err := w.processor.UpdateMessage(existing, remote, folder, syncedAt); err != nil {
				log.Printf("%s: Warning: failed to update message %s: %v", w.name, id, err)
			}
		} else {
			if _, err := w.processor.InsertFallbackToUpdateMessage(remote, folder, syncedAt); err != nil {
				log.Printf("%s: Warning: failed to insert message %s: %v", w.name, id, err)
			}
		}
	}

	if result.Vanished != nil {
		log.Printf("%s: %d messages vanished from %s", w.name, len(result.Vanished), folder.Path)
		uids := make([]any, len(result.Vanished))
		for i, uid := range result.Vanished {
			uids[i] = int64(uid)
		}
		q := store.Q().Eq("folderId", folder.ID).In("folderImapUID", uids)
		if err := w.processor.UnlinkMessagesMatchingQuery(q, w.unlinkPhase); err != nil {
			return err
		}
	} else {
		if err := w.syncFolderChangesViaShallowScan(folder, status); err != nil {
			return err
		}
	}

	ls.UIDNext = status.UIDNext
	ls.HighestModSeq = status.HighestModSeq
	return nil
}

// syncFolderUIDRange reconciles one UID range: fetch the server's view,
// diff against ours, insert-or-update what differs and unlink what the
// server no longer has. Remote messages apply newest first.
func (w *SyncWorker) syncFolderUIDRange(folder *models.Folder, r models.UIDRange) error {
	if r.End < r.Start {
		return nil
	}
	log.Printf("%s: syncing folder %s (UIDs %d - %d)", w.name, folder.Path, r.Start, r.End)

	remote, err := w.session.FetchRange(folder.Path, r)
	if err != nil {
		return err
	}

	local, err := w.store.FetchMessagesAttributesInRange(r, folder)
	if err != nil {
		return err
	}

	syncedAt := time.Now().Unix()
	lastYield := time.Now()

	for i := range remote {
		// Never sit in a hard loop writing for too long; give peer
		// writers a chance at the database.
		if time.Since(lastYield) > writeYieldEvery {
			time.Sleep(writeYieldFor)
			lastYield = time.Now()
		}

		rm := &remote[i]
		attrs := models.MessageAttributes{
			UID:      rm.UID,
			Unread:   rm.Unread(),
			Starred:  rm.Starred(),
			Draft:    rm.Draft() || folder.Role == models.RoleDrafts,
			Labels:   rm.Labels,
			FolderID: folder.ID,
		}

		known, inFolder := local[rm.UID]
		if !inFolder || !models.AttributesMatch(known, attrs) {
			// Insert first; a unique collision means the message exists
			// (possibly in another folder) and becomes an update. A peer
			// worker may also be ingesting the same UID concurrently.
			if _, err := w.processor.InsertFallbackToUpdateMessage(rm, folder, syncedAt); err != nil {
				log.Printf("%s: Warning: failed to ingest UID %d in %s: %v", w.name, rm.UID, folder.Path, err)
			}
		}
		delete(local, rm.UID)
	}

	// What's left locally was in the range but the server no longer
	// reports it: unlink now, delete next sweep unless it reappears.
	if len(local) > 0 {
		uids := make([]any, 0, len(local))
		for uid := range local {
			uids = append(uids, int64(uid))
		}
		q := store.Q().Eq("folderId", folder.ID).In("folderImapUID", uids)
		if err := w.processor.UnlinkMessagesMatchingQuery(q, w.unlinkPhase); err != nil {
			return err
		}
	}

	return nil
}

// SyncMessageBodies backfills up to bodySyncBatch missing bodies for
// recent (or draft) messages in the folder, newest first. Spam and
// trash are never backfilled. Returns true if it did work.
func (w *SyncWorker) SyncMessageBodies(folder *models.Folder) bool {
	if folder.Role == models.RoleSpam || folder.Role == models.RoleTrash {
		return false
	}

	messages, err := w.store.FindMessagesNeedingBodies(folder.ID, time.Now().Add(-bodySyncWindow), bodySyncBatch)
	if err != nil {
		log.Printf("%s: Warning: failed to find messages needing bodies: %v", w.name, err)
		return false
	}

	for _, msg := range messages {
		w.syncMessageBody(msg)
	}
	return len(messages) > 0
}

// syncMessageBody fetches, parses and stores one message body.
// Per-message failures log and are skipped; they never abort a sweep.
func (w *SyncWorker) syncMessageBody(msg *models.Message) {
	if msg.IsUnlinked() {
		return
	}
	raw, err := w.session.FetchMessage(msg.RemoteFolderPath, msg.RemoteUID)
	if err != nil {
		log.Printf("%s: Warning: failed to fetch body for %s: %v", w.name, msg.ID, err)
		return
	}
	parsed, err := imap.ParseMessageBody(raw)
	if err != nil {
		log.Printf("%s: Warning: failed to parse body for %s: %v", w.name, msg.ID, err)
		return
	}
	if err := w.processor.RetrievedMessageBody(msg, parsed); err != nil {
		log.Printf("%s: Warning: failed to store body for %s: %v", w.name, msg.ID, err)
	}
}

// saveFolder persists the folder's localStatus mutations.
func (w *SyncWorker) saveFolder(folder *models.Folder) error {
	return w.store.InTransaction(func(tx *store.Tx) error {
		return tx.Save(folder, true)
	})
}
