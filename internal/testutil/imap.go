package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server for session tests. The
// memory backend creates a default user with username "username" and
// password "password".
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend

	Host string
	Port int

	username string
	password string
}

// NewTestIMAPServer starts an in-memory IMAP server on a random port.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	addr := listener.Addr().String()
	tcpAddr := listener.Addr().(*net.TCPAddr)

	t.Cleanup(func() { _ = s.Close() })

	return &TestIMAPServer{
		Server:   s,
		Address:  addr,
		Backend:  be,
		Host:     "127.0.0.1",
		Port:     tcpAddr.Port,
		username: "username",
		password: "password",
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string { return s.username }

// Password returns the default test password.
func (s *TestIMAPServer) Password() string { return s.password }

// Connect opens an authenticated client connection to the server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}
	return client, func() { _ = client.Logout() }
}

// AddMessage appends a simple message to the folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName, messageID, subject, from, to string, sentAt time.Time) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if _, err := client.Select(folderName, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}

	messageBody := fmt.Sprintf(`Message-ID: <%s>
Date: %s
From: %s
To: %s
Subject: %s
Content-Type: text/plain; charset=utf-8

Test message body.
`, messageID, sentAt.Format(time.RFC1123Z), from, to, subject)

	if err := client.Append(folderName, nil, time.Now(), strings.NewReader(messageBody)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	criteria := goimap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", "<"+messageID+">")
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append")
	}
	return uids[0]
}
