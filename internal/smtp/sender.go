package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tuksik/mailsync/internal/models"
)

// Verify checks that the account's SMTP server accepts a connection
// (and credentials, where the server requires them before MAIL FROM).
func Verify(account *models.Account) error {
	settings := account.Settings
	addr := net.JoinHostPort(settings.SMTPHost, strconv.Itoa(settings.SMTPPort))

	var client *smtp.Client
	switch strings.ToUpper(settings.SMTPSecurity) {
	case "SSL", "TLS":
		conn, err := tls.Dial("tcp", addr, &tls.Config{
			ServerName:         settings.SMTPHost,
			InsecureSkipVerify: settings.SMTPAllowInsecureSSL,
		})
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		client = smtp.NewClient(conn)
	default:
		c, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		client = c
	}
	defer func() { _ = client.Close() }()

	if settings.SMTPUsername != "" {
		auth := sasl.NewPlainClient("", settings.SMTPUsername, settings.SMTPPassword)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate with %s: %w", addr, err)
		}
	}
	return client.Quit()
}

// Send submits a raw message through the account's SMTP server. The
// connection is opened on demand and closed when done; SMTP sessions
// are never shared between workers.
func Send(account *models.Account, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	settings := account.Settings
	addr := net.JoinHostPort(settings.SMTPHost, strconv.Itoa(settings.SMTPPort))

	var auth sasl.Client
	if settings.SMTPUsername != "" {
		auth = sasl.NewPlainClient("", settings.SMTPUsername, settings.SMTPPassword)
	}

	reader := bytes.NewReader(raw)

	switch strings.ToUpper(settings.SMTPSecurity) {
	case "SSL", "TLS":
		tlsConfig := &tls.Config{
			ServerName:         settings.SMTPHost,
			InsecureSkipVerify: settings.SMTPAllowInsecureSSL,
		}
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		client := smtp.NewClient(conn)
		defer func() { _ = client.Close() }()
		if auth != nil {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("failed to authenticate with %s: %w", addr, err)
			}
		}
		if err := client.SendMail(from, recipients, reader); err != nil {
			return fmt.Errorf("failed to send mail via %s: %w", addr, err)
		}
		return nil
	case "NONE", "PLAIN":
		client, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		defer func() { _ = client.Close() }()
		if auth != nil {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("failed to authenticate with %s: %w", addr, err)
			}
		}
		if err := client.SendMail(from, recipients, reader); err != nil {
			return fmt.Errorf("failed to send mail via %s: %w", addr, err)
		}
		return nil
	default:
		if err := smtp.SendMail(addr, auth, from, recipients, reader); err != nil {
			return fmt.Errorf("failed to send mail via %s: %w", addr, err)
		}
		return nil
	}
}
