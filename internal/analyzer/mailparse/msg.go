package mailparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
)

// OLEMagic opens every compound file, Outlook .msg messages included.
var OLEMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// MAPI property streams are named __substg1.0_<tag><type>.
const (
	substgPrefix    = "__substg1.0_"
	attachPrefix    = "__attach_version1.0_#"
	propertiesEntry = "__properties_version1.0"

	typeString8 = "001E"
	typeUnicode = "001F"
	typeBinary  = "0102"

	propSubject          = "0037"
	propTransportHeaders = "007D"
	propSenderName       = "0C1A"
	propSenderEmail      = "0C1F"
	propDisplayTo        = "0E04"
	propDisplayCc        = "0E03"
	propBody             = "1000"
	propMessageID        = "1035"
	propAttachData       = "3701"
	propAttachFilename   = "3704"
	propAttachLongName   = "3707"
	propAttachMIME       = "370E"

	// tagSubmitTime is PR_CLIENT_SUBMIT_TIME in the fixed-size property stream.
	tagSubmitTime     = 0x00390040
	propStreamHeader  = 32
	propEntrySize     = 16
	maxPropertyStream = 64 << 20
)

// IsMSG reports whether data is an Outlook message: a compound file whose root carries MAPI
// property streams. Other compound files (legacy Office documents) are not messages.
func IsMSG(data []byte) bool {
	if !bytes.HasPrefix(data, OLEMagic) {
		return false
	}
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return false
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if len(entry.Path) == 0 && (entry.Name == propertiesEntry || strings.HasPrefix(entry.Name, substgPrefix)) {
			return true
		}
	}
	return false
}

// msgProps holds the variable-size properties of one storage, keyed by tag and type.
type msgProps map[string][]byte

func (p msgProps) text(tag string) string {
	if b, ok := p[tag+typeUnicode]; ok {
		return decodeUTF16(b)
	}
	if b, ok := p[tag+typeString8]; ok {
		return strings.TrimRight(string(b), "\x00")
	}
	return ""
}

func decodeUTF16(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:]))
	}
	return strings.TrimRight(string(utf16.Decode(units)), "\x00")
}

// parseMSG reads an Outlook message. Headers come from the transport headers a delivered
// message keeps; without them they are rebuilt from the MAPI properties. Embedded message
// attachments are stored as storages rather than streams and are not extracted.
func parseMSG(data []byte) (*Message, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read compound file: %w", err)
	}

	root := msgProps{}
	attachments := map[string]msgProps{}
	var fixed []byte
	for entry, nerr := doc.Next(); nerr == nil; entry, nerr = doc.Next() {
		var target msgProps
		switch {
		case len(entry.Path) == 0 && entry.Name == propertiesEntry:
			if fixed, err = readEntry(entry); err != nil {
				return nil, err
			}
			continue
		case !strings.HasPrefix(entry.Name, substgPrefix):
			continue
		case len(entry.Path) == 0:
			target = root
		case len(entry.Path) == 1 && strings.HasPrefix(entry.Path[0], attachPrefix):
			target = attachments[entry.Path[0]]
			if target == nil {
				target = msgProps{}
				attachments[entry.Path[0]] = target
			}
		default:
			continue
		}
		b, err := readEntry(entry)
		if err != nil {
			return nil, err
		}
		target[strings.ToUpper(strings.TrimPrefix(entry.Name, substgPrefix))] = b
	}

	m := &Message{Outlook: true}
	if raw := root.text(propTransportHeaders); raw != "" {
		block := strings.TrimRight(raw, "\r\n\x00") + "\r\n\r\n"
		if msg, err := mail.ReadMessage(strings.NewReader(block)); err == nil {
			m.Header = msg.Header
			m.TransportHeaders = true
		}
	}
	if m.Header == nil {
		m.Header = propertyHeader(root, fixed)
	}

	if body := root.text(propBody); body != "" {
		m.Parts = append(m.Parts, Part{ContentType: "text/plain", Content: []byte(body)})
	}

	names := make([]string, 0, len(attachments))
	for name := range attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		props := attachments[name]
		content, ok := props[propAttachData+typeBinary]
		if !ok {
			continue
		}
		part := Part{
			ContentType: props.text(propAttachMIME),
			Filename:    props.text(propAttachLongName),
			Disposition: "attachment",
			Content:     content,
		}
		if part.Filename == "" {
			part.Filename = props.text(propAttachFilename)
		}
		if part.ContentType == "" {
			part.ContentType = "application/octet-stream"
		}
		m.Parts = append(m.Parts, part)
	}
	return m, nil
}

func readEntry(entry *mscfb.File) ([]byte, error) {
	if entry.Size > maxPropertyStream {
		return nil, fmt.Errorf("property stream %s is %d bytes", entry.Name, entry.Size)
	}
	b := make([]byte, entry.Size)
	if _, err := io.ReadFull(entry, b); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", entry.Name, err)
	}
	return b, nil
}

// propertyHeader rebuilds the headers of a message that was never sent, or whose transport
// headers were stripped.
func propertyHeader(props msgProps, fixed []byte) mail.Header {
	h := mail.Header{}
	set := func(key, value string) {
		if value != "" {
			h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
		}
	}
	set("Subject", props.text(propSubject))
	if addr := props.text(propSenderEmail); addr != "" {
		set("From", (&mail.Address{Name: props.text(propSenderName), Address: addr}).String())
	}
	set("To", props.text(propDisplayTo))
	set("Cc", props.text(propDisplayCc))
	set("Message-ID", props.text(propMessageID))
	if t, ok := submitTime(fixed); ok {
		set("Date", t.Format(time.RFC1123Z))
	}
	return h
}

// submitTime finds PR_CLIENT_SUBMIT_TIME among the fixed-size root properties.
func submitTime(stream []byte) (time.Time, bool) {
	for off := propStreamHeader; off+propEntrySize <= len(stream); off += propEntrySize {
		if binary.LittleEndian.Uint32(stream[off:]) != tagSubmitTime {
			continue
		}
		return fileTime(binary.LittleEndian.Uint64(stream[off+8:]))
	}
	return time.Time{}, false
}

// fileTime converts a Windows FILETIME, 100ns ticks since 1601, to UTC.
func fileTime(ticks uint64) (time.Time, bool) {
	const unixEpoch = 116444736000000000
	if ticks <= unixEpoch || ticks-unixEpoch > math.MaxInt64/100 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(ticks-unixEpoch)*100).UTC(), true
}
