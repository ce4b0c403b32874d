package imap

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
)

// ParsedAttachment is one MIME part carrying file content, regular or
// inline.
type ParsedAttachment struct {
	PartID      string
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Content     []byte
}

// ParsedBody is the decoded form of a raw message used for body
// ingestion.
type ParsedBody struct {
	HTML        string
	Text        string
	Attachments []ParsedAttachment
}

// ParseMessageBody decodes raw RFC 822 bytes with enmime. Messages with
// no HTML part get their text body wrapped so the client always has
// something to render.
func ParseMessageBody(raw []byte) (*ParsedBody, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message body: %w", err)
	}

	html := envelope.HTML
	if html == "" && envelope.Text != "" {
		html = "<pre>" + strings.ReplaceAll(envelope.Text, "\n", "<br>") + "</pre>"
	}

	body := &ParsedBody{
		HTML: html,
		Text: envelope.Text,
	}

	for _, part := range envelope.Attachments {
		body.Attachments = append(body.Attachments, partToAttachment(part, false))
	}
	for _, part := range envelope.Inlines {
		body.Attachments = append(body.Attachments, partToAttachment(part, true))
	}
	for _, part := range envelope.OtherParts {
		body.Attachments = append(body.Attachments, partToAttachment(part, false))
	}

	return body, nil
}

func partToAttachment(part *enmime.Part, inline bool) ParsedAttachment {
	contentID := strings.Trim(part.ContentID, "<>")
	return ParsedAttachment{
		PartID:      part.PartID,
		Filename:    part.FileName,
		ContentType: part.ContentType,
		ContentID:   contentID,
		Inline:      inline || contentID != "",
		Content:     part.Content,
	}
}
