// Package mailparse reads RFC 5322 messages and Outlook .msg files and flattens their parts.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// maxNesting bounds multipart recursion inside a single message.
const maxNesting = 16

// Part is one leaf of the MIME tree with its transfer encoding removed.
type Part struct {
	ContentType string
	Filename    string
	Disposition string
	Content     []byte
}

// IsAttachment reports whether the part carries a file rather than the message body.
func (p Part) IsAttachment() bool {
	return p.Filename != "" || p.Disposition == "attachment"
}

// Message is a parsed email.
type Message struct {
	Header mail.Header
	Parts  []Part
	// Outlook is set for .msg input. TransportHeaders reports whether its headers came from
	// the stored transport headers rather than MAPI properties.
	Outlook          bool
	TransportHeaders bool
}

// Parse reads a message and walks its MIME structure. Compound files are read as Outlook
// messages.
func Parse(data []byte) (*Message, error) {
	if bytes.HasPrefix(data, OLEMagic) {
		return parseMSG(data)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	m := &Message{Header: msg.Header}
	parts, err := walk(mimeHeader(msg.Header), msg.Body, 0)
	if err != nil {
		return m, err
	}
	m.Parts = parts
	return m, nil
}

// Attachments returns the attachment parts.
func (m *Message) Attachments() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.IsAttachment() {
			out = append(out, p)
		}
	}
	return out
}

type header interface {
	Get(key string) string
}

type mimeHeader mail.Header

func (h mimeHeader) Get(key string) string {
	return mail.Header(h).Get(key)
}

func walk(h header, body io.Reader, depth int) ([]Part, error) {
	if depth > maxNesting {
		return nil, fmt.Errorf("multipart nesting deeper than %d", maxNesting)
	}

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart part without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		var parts []Part
		for {
			p, err := mr.NextRawPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return parts, fmt.Errorf("failed to read multipart section: %w", err)
			}
			children, err := walk(p.Header, p, depth+1)
			parts = append(parts, children...)
			if err != nil {
				return parts, err
			}
		}
		return parts, nil
	}

	content, err := decodeBody(h.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		return nil, err
	}

	part := Part{ContentType: mediaType, Content: content}
	if disp, dparams, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		part.Disposition = disp
		part.Filename = dparams["filename"]
	}
	if part.Filename == "" {
		part.Filename = params["name"]
	}
	if mediaType == "message/rfc822" && part.Filename == "" {
		part.Filename = "attached-message.eml"
	}
	return []Part{part}, nil
}

func decodeBody(encoding string, body io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 part: %w", err)
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("invalid quoted-printable part: %w", err)
		}
		return decoded, nil
	default:
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read part: %w", err)
		}
		return raw, nil
	}
}
