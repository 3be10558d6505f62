package structure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/cloo-solutions/forensix/internal/analyzer/mailparse"
	"github.com/cloo-solutions/forensix/internal/domain"
)

func analyzeEmail(block *domain.StructureBlock, result *domain.StageResult, data []byte, skew time.Duration) error {
	msg, err := mailparse.Parse(data)
	if msg == nil {
		return err
	}
	if err != nil {
		result.Warn(fmt.Sprintf("MIME structure partially unreadable: %v", err))
	}

	es := &domain.EmailStructure{ReceivedSorted: true}
	block.Email = es

	// An Outlook message without transport headers has no delivery path to verify.
	if msg.Outlook {
		detail := "stored transport headers"
		if !msg.TransportHeaders {
			detail = "rebuilt from message properties"
		}
		addCheck(block, "transport_headers", msg.TransportHeaders, detail)
	}

	es.MessageID = strings.TrimSpace(msg.Header.Get("Message-ID"))
	addCheck(block, "message_id", es.MessageID != "", "")
	if es.MessageID == "" {
		addFlag(block, domain.AnomalyHeaderMissing, domain.SeverityWarning, "Message-ID header missing", "header:Message-ID")
	}

	if raw := msg.Header.Get("Date"); raw == "" {
		addCheck(block, "date", false, "missing")
		addFlag(block, domain.AnomalyHeaderMissing, domain.SeverityWarning, "Date header missing", "header:Date")
	} else if d, err := mail.ParseDate(raw); err != nil {
		addCheck(block, "date", false, "unparseable")
		addFlag(block, domain.AnomalyHeaderMissing, domain.SeverityWarning, fmt.Sprintf("Date header unparseable: %q", raw), "header:Date")
	} else {
		d = d.UTC()
		es.Date = &d
		addCheck(block, "date", true, "")
	}

	for _, raw := range msg.Header["Received"] {
		hop := domain.Received{Raw: strings.Join(strings.Fields(raw), " ")}
		if ts, ok := receivedTime(raw); ok {
			hop.Timestamp = &ts
		}
		es.ReceivedHops = append(es.ReceivedHops, hop)
	}

	// Header order is newest first, so walking bottom to top must not go back in time.
	var latest *time.Time
	for i := len(es.ReceivedHops) - 1; i >= 0; i-- {
		ts := es.ReceivedHops[i].Timestamp
		if ts == nil {
			continue
		}
		if latest != nil && ts.Add(skew).Before(*latest) {
			es.ReceivedSorted = false
			addFlag(block, domain.AnomalyReceivedOutOfOrder, domain.SeverityWarning,
				fmt.Sprintf("hop %d at %s precedes an earlier hop at %s", i, ts.Format(time.RFC3339), latest.Format(time.RFC3339)),
				fmt.Sprintf("header:Received[%d]", i))
		}
		if latest == nil || ts.After(*latest) {
			latest = ts
		}
	}
	addCheck(block, "received_order", es.ReceivedSorted, fmt.Sprintf("%d hops", len(es.ReceivedHops)))

	if es.Date != nil && latest != nil && es.Date.After(latest.Add(skew)) {
		addFlag(block, domain.AnomalyDateAfterDelivery, domain.SeverityWarning,
			fmt.Sprintf("Date %s is after final delivery %s", es.Date.Format(time.RFC3339), latest.Format(time.RFC3339)),
			"header:Date")
	}

	for i, part := range msg.Attachments() {
		name := part.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		sum := sha256.Sum256(part.Content)
		block.Attachments = append(block.Attachments, domain.Attachment{
			Filename:    name,
			ContentType: part.ContentType,
			SHA256:      hex.EncodeToString(sum[:]),
			SizeBytes:   int64(len(part.Content)),
		})
		result.Children = append(result.Children, domain.ChildArtifact{
			Filename: name,
			Content:  part.Content,
			Ref:      fmt.Sprintf("attachment:%d", i),
		})
	}
	return nil
}

// receivedTime parses the date after the last semicolon of a Received header.
func receivedTime(raw string) (time.Time, bool) {
	i := strings.LastIndex(raw, ";")
	if i < 0 {
		return time.Time{}, false
	}
	t, err := mail.ParseDate(strings.TrimSpace(raw[i+1:]))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
