package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tuksik/mailsync/internal/comm"
	"github.com/tuksik/mailsync/internal/config"
	"github.com/tuksik/mailsync/internal/imap"
	"github.com/tuksik/mailsync/internal/models"
	"github.com/tuksik/mailsync/internal/smtp"
	"github.com/tuksik/mailsync/internal/store"
	"github.com/tuksik/mailsync/internal/worker"
)

const (
	// backgroundSleep is the pause between background sweeps.
	backgroundSleep = 120 * time.Second
	// foregroundRetrySleep is the backoff after a foreground cycle error.
	foregroundRetrySleep = 10 * time.Second
	// orphanGracePeriod is how long the process lingers after the client
	// closes our stdin before terminating itself.
	orphanGracePeriod = 30 * time.Second
)

func main() {
	log.SetFlags(0)
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "operating mode: sync, test or migrate")
	accountJSON := flag.String("account", "", "account JSON document (read from stdin when omitted)")
	orphan := flag.Bool("orphan", false, "keep running after the client closes the input stream")
	flag.Parse()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Printf("main: failed to load config: %v", err)
		return 1
	}

	stdin := bufio.NewReader(os.Stdin)

	if *mode == "migrate" {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			log.Printf("main: migration failed: %v", err)
			return 1
		}
		_ = st.Close()
		log.Printf("main: migrations complete")
		return 0
	}

	accountData := *accountJSON
	if accountData == "" {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			log.Printf("main: failed to read account JSON from stdin: %v", err)
			return 1
		}
		accountData = strings.TrimSpace(line)
	}

	account, err := models.ParseAccount([]byte(accountData))
	if err != nil {
		log.Printf("main: %v", err)
		return 1
	}

	switch *mode {
	case "test":
		return runTest(account)
	case "sync":
		return runSync(cfg, account, stdin, *orphan)
	default:
		log.Printf("main: unknown mode %q", *mode)
		return 1
	}
}

// testVerdict is the final frame test mode writes to stdout.
type testVerdict struct {
	Error        *string         `json:"error"`
	ErrorService string          `json:"error_service"`
	Log          string          `json:"log"`
	Account      *models.Account `json:"account"`
}

// runTest connects to both servers, requires a usable root mailbox, and
// emits a JSON verdict.
func runTest(account *models.Account) int {
	var buf strings.Builder
	verdict := testVerdict{Account: account}

	fail := func(service string, err error) int {
		msg := err.Error()
		verdict.Error = &msg
		verdict.ErrorService = service
		verdict.Log = buf.String()
		_ = json.NewEncoder(os.Stdout).Encode(verdict)
		return 1
	}

	session := imap.NewClientSession(account)
	fmt.Fprintf(&buf, "connecting to %s:%d...\n", account.Settings.IMAPHost, account.Settings.IMAPPort)
	if err := session.Connect(); err != nil {
		return fail("imap", err)
	}
	defer func() { _ = session.Close() }()

	folders, err := session.ListFolders()
	if err != nil {
		return fail("imap", err)
	}
	fmt.Fprintf(&buf, "fetched %d folders\n", len(folders))

	hasRoot := false
	for _, f := range folders {
		fmt.Fprintf(&buf, "- %s (%s)\n", f.Path, f.Role)
		if f.Role == models.RoleAll || f.Role == models.RoleInbox {
			hasRoot = true
		}
	}
	if !hasRoot {
		return fail("imap", errors.New("account has no inbox or all-mail folder"))
	}

	fmt.Fprintf(&buf, "connecting to %s:%d...\n", account.Settings.SMTPHost, account.Settings.SMTPPort)
	if err := smtp.Verify(account); err != nil {
		return fail("smtp", err)
	}
	fmt.Fprintf(&buf, "smtp connection ok\n")

	verdict.Log = buf.String()
	_ = json.NewEncoder(os.Stdout).Encode(verdict)
	return 0
}

// runSync is the long-running mode: a background sweeper, a foreground
// IDLE worker (started after the first completed sweep), and the main
// listener draining client frames.
func runSync(cfg *config.Config, account *models.Account, stdin io.Reader, orphan bool) int {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		log.Printf("main: failed to open store: %v", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	stream := comm.NewStream(stdin, os.Stdout)
	st.AddObserver(stream)

	if cfg.WSAddr != "" {
		hub := comm.NewHub()
		st.AddObserver(hub)
		go func() {
			if err := hub.Serve(cfg.WSAddr); err != nil {
				log.Printf("main: Warning: delta mirror exited: %v", err)
			}
		}()
	}

	bgWorker := worker.NewSyncWorker("bg", account, st, imap.NewClientSession(account), cfg.FilesRoot())
	fgWorker := worker.NewSyncWorker("fg", account, st, imap.NewClientSession(account), cfg.FilesRoot())

	fatal := make(chan int, 1)
	go runBackgroundWorker(bgWorker, fgWorker, fatal)

	localTasks := worker.NewTaskProcessor("main_t", account, st,
		worker.NewProcessor("main_p", account, st, cfg.FilesRoot()), nil)

	listenerDone := make(chan int, 1)
	go func() {
		listenerDone <- runListener(stream, localTasks, fgWorker, orphan)
	}()

	select {
	case code := <-fatal:
		return code
	case code := <-listenerDone:
		return code
	}
}

// runListener reads client frames until the stream closes, applying
// task local phases and forwarding wakeups to the foreground worker.
func runListener(stream *comm.Stream, localTasks *worker.TaskProcessor, fgWorker *worker.SyncWorker, orphan bool) int {
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("main: failed to read frame: %v", err)
			}
			if orphan {
				// The client is gone but we were asked to stay.
				select {}
			}
			log.Printf("main: input stream closed, exiting in %s", orphanGracePeriod)
			time.Sleep(orphanGracePeriod)
			return 1
		}

		switch frame.Type {
		case comm.FrameTaskQueued:
			if frame.Task == nil {
				log.Printf("main: Warning: task-queued frame with no task")
				continue
			}
			task := frame.Task
			task.Version = 0
			if err := localTasks.PerformLocal(task); err != nil {
				log.Printf("main: Warning: failed to run task %s locally: %v", task.ID, err)
			}
			// Interrupt the foreground worker to do the remote part.
			fgWorker.NotifyTaskReady()
		case comm.FrameNeedBodies:
			fgWorker.IdleQueueBodiesToSync(frame.IDs)
		default:
			log.Printf("main: Warning: unrecognized frame type %q", frame.Type)
		}
	}
}

// runBackgroundWorker loops SyncNow forever: hard loop while the worker
// reports more work, then sleep. The foreground worker starts after the
// first completed pass, once the folder list and sync cursors exist.
func runBackgroundWorker(bg, fg *worker.SyncWorker, fatal chan<- int) {
	var startForeground sync.Once

	for {
		moreToSync := true
		for moreToSync {
			more, err := bg.SyncNow()
			if err != nil {
				if !imap.IsRetryable(err) {
					log.Printf("bg: fatal sync error: %v", err)
					fatal <- 1
					return
				}
				log.Printf("bg: transient sync error, retrying in %s: %v", backgroundSleep, err)
				break
			}
			moreToSync = more

			startForeground.Do(func() {
				go runForegroundWorker(fg, fatal)
			})
		}
		time.Sleep(backgroundSleep)
	}
}

// runForegroundWorker keeps the IDLE cycle alive, backing off after
// transient failures.
func runForegroundWorker(fg *worker.SyncWorker, fatal chan<- int) {
	for {
		if err := fg.IdleCycle(); err != nil {
			if !imap.IsRetryable(err) {
				var authErr *imap.AuthError
				if errors.As(err, &authErr) {
					log.Printf("fg: fatal: %v", err)
					fatal <- 1
					return
				}
			}
			log.Printf("fg: idle cycle error, retrying in %s: %v", foregroundRetrySleep, err)
		}
		time.Sleep(foregroundRetrySleep)
	}
}
