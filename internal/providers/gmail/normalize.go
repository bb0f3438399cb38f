package gmail

import (
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mail-mirror/internal/store"
	"github.com/Martian-dev/mail-mirror/internal/sync"
)

// Gmail system labels the flag derivation reads.
const (
	labelUnread     = "UNREAD"
	labelStarred    = "STARRED"
	labelImportant  = "IMPORTANT"
	labelPromotions = "CATEGORY_PROMOTIONS"
)

// Normalize converts a Gmail message into the metadata row shape.
func Normalize(m *gmail.Message) sync.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	senderName, sender := parseSender(headers["from"])

	return sync.MessageMeta{
		GmailID:        m.Id,
		ThreadID:       m.ThreadId,
		Subject:        headers["subject"],
		Sender:         sender,
		SenderName:     senderName,
		Recipients:     splitAddrs(headers["to"]),
		Snippet:        m.Snippet,
		ReceivedAt:     parseDate(headers["date"]),
		IsRead:         !hasLabel(m.LabelIds, labelUnread),
		IsStarred:      hasLabel(m.LabelIds, labelStarred),
		HasAttachments: hasAttachments(m.Payload),
		Priority:       derivePriority(m.LabelIds, headers),
		Labels:         m.LabelIds,
		SizeEstimate:   m.SizeEstimate,
	}
}

// parseSender splits a "Display Name <address>" header. A header without an
// angle-bracket pair is treated as a bare address.
func parseSender(from string) (name, address string) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", from
	}
	return addr.Name, addr.Address
}

// parseDate parses the Date header, defaulting to now when absent or
// unparseable.
func parseDate(date string) time.Time {
	if date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t
		}
	}
	return time.Now()
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// hasAttachments reports whether any body part carries a filename or an
// attachment reference, recursing into multipart payloads.
func hasAttachments(p *gmail.MessagePart) bool {
	if p == nil {
		return false
	}
	for _, part := range p.Parts {
		if part.Filename != "" {
			return true
		}
		if part.Body != nil && part.Body.AttachmentId != "" {
			return true
		}
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

// derivePriority classifies a message as high/medium/low. The IMPORTANT and
// promotions labels win; otherwise the priority headers are consulted.
func derivePriority(labels []string, headers map[string]string) string {
	if hasLabel(labels, labelImportant) || hasLabel(labels, labelPromotions) {
		return store.PriorityHigh
	}

	for _, key := range []string{"x-priority", "importance"} {
		v := strings.ToLower(strings.TrimSpace(headers[key]))
		if v == "" {
			continue
		}
		switch {
		case v == "high" || strings.HasPrefix(v, "1"):
			return store.PriorityHigh
		case v == "low" || strings.HasPrefix(v, "5"):
			return store.PriorityLow
		}
	}
	return store.PriorityMedium
}
