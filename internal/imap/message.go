package imap

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/tuksik/mailsync/internal/models"
)

// remoteMessageFromIMAP converts a fetched go-imap message into the
// session's header-level record.
func remoteMessageFromIMAP(msg *imap.Message, section *imap.BodySectionName) RemoteMessage {
	out := RemoteMessage{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
	}

	if env := msg.Envelope; env != nil {
		out.Subject = env.Subject
		out.Date = env.Date
		out.HeaderMessageID = normalizeMessageID(env.MessageId)
		out.From = addressList(env.From)
		out.To = addressList(env.To)
		out.CC = addressList(env.Cc)
		out.BCC = addressList(env.Bcc)
	}

	if out.HeaderMessageID == "" {
		out.HeaderMessageID = generatedMessageID(&out)
		out.MessageIDAutoGenerated = true
	}

	if body := msg.GetBody(section); body != nil {
		refs, inReplyTo := parseReferenceHeaders(body)
		out.References = refs
		if len(out.References) == 0 && inReplyTo != "" {
			out.References = []string{inReplyTo}
		}
	}

	out.GmailThreadID = gmailItemString(msg, "X-GM-THRID")
	out.GmailMessageID = gmailItemString(msg, "X-GM-MSGID")
	out.Labels = gmailLabels(msg)

	return out
}

// normalizeMessageID strips the RFC 5322 angle brackets.
func normalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// generatedMessageID synthesizes a stable id for messages the server
// reports without a Message-ID header.
func generatedMessageID(m *RemoteMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", m.Subject, m.Date.Unix(), addressKey(m.From))
	return "generated-" + hex.EncodeToString(h.Sum(nil))[:32]
}

func addressKey(addrs []models.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.Email
	}
	return strings.Join(parts, ",")
}

// addressList converts IMAP envelope addresses, dropping empty ones.
func addressList(addrs []*imap.Address) []models.Address {
	out := make([]models.Address, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || (a.MailboxName == "" && a.HostName == "") {
			continue
		}
		out = append(out, models.Address{
			Name:  a.PersonalName,
			Email: a.MailboxName + "@" + a.HostName,
		})
	}
	return out
}

// parseReferenceHeaders reads the References and In-Reply-To header
// fields out of a header section body.
func parseReferenceHeaders(body io.Reader) (refs []string, inReplyTo string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	var current, value string
	flush := func() {
		switch current {
		case "references":
			refs = append(refs, splitMessageIDs(value)...)
		case "in-reply-to":
			ids := splitMessageIDs(value)
			if len(ids) > 0 {
				inReplyTo = ids[0]
			}
		}
		current, value = "", ""
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		if i := strings.Index(line, ":"); i > 0 {
			current = strings.ToLower(strings.TrimSpace(line[:i]))
			value = strings.TrimSpace(line[i+1:])
		}
	}
	flush()
	return refs, inReplyTo
}

// splitMessageIDs pulls the angle-bracketed ids out of a header value.
func splitMessageIDs(value string) []string {
	var out []string
	for {
		start := strings.Index(value, "<")
		if start < 0 {
			break
		}
		end := strings.Index(value[start:], ">")
		if end < 0 {
			break
		}
		id := value[start+1 : start+end]
		if id != "" {
			out = append(out, id)
		}
		value = value[start+end+1:]
	}
	return out
}

// gmailItemString reads an X-GM-* fetch item as its decimal string form.
func gmailItemString(msg *imap.Message, item string) string {
	raw, ok := msg.Items[imap.FetchItem(item)]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case uint64:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case uint32:
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%v", raw)
}

// gmailLabels reads the X-GM-LABELS fetch item.
func gmailLabels(msg *imap.Message) []string {
	raw, ok := msg.Items[imap.FetchItem("X-GM-LABELS")]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
