package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Message is one transactional email to be sent. To entries may themselves
// be comma-joined lists; Send splits and trims them. Deduplication is the
// caller's responsibility.
type Message struct {
	// From overrides the configured default sender when set.
	From string
	To   []string

	Subject string

	// Text is the plain-text body. HTML, when set, is sent instead of
	// Text; the message is always single-part.
	Text string
	HTML string

	ReplyTo string
}

// render produces the exact wire form of the message: header block, blank
// line, dot-stuffed CRLF body and the end-of-data marker. It performs no
// I/O and is deterministic for fixed inputs; the sender supplies the
// resolved from/to, message id and date per transaction.
func (m *Message) render(from string, to []string, messageID string, date time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if m.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", m.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	if m.HTML != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	b.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	b.WriteString("\r\n")

	body := m.Text
	if m.HTML != "" {
		body = m.HTML
	}
	b.WriteString(stuffBody(body))
	b.WriteString("\r\n.\r\n")
	return b.Bytes()
}

// stuffBody normalizes line endings to "\n", doubles the leading dot of any
// line starting with ".", and rejoins with CRLF. Without the stuffing a body
// line that is exactly "." would terminate the DATA block early (RFC 5321
// transparency rules).
func stuffBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	return strings.Join(lines, "\r\n")
}
