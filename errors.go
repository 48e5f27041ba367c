package mailer

import (
	"errors"
	"fmt"
)

var (
	// ErrSendingDisabled is returned by Send when no SMTP host/port is
	// configured. The sender logs this once at construction time.
	ErrSendingDisabled = errors.New("mailer: sending disabled, no SMTP host configured")

	// ErrNoSender is returned when neither the message nor the
	// configuration carries a from address.
	ErrNoSender = errors.New("mailer: no sender address configured")

	// ErrNoRecipients is returned when the recipient list is empty after
	// normalization.
	ErrNoRecipients = errors.New("mailer: no recipients")

	// ErrTooLongLine is returned when a server reply line exceeds the
	// doubled maximum line length per RFC 5321 (Section 4.5.3.1.6).
	ErrTooLongLine = errors.New("mailer: too long a line in server reply")
)

// SMTPError is returned when a server reply carries a status code outside
// the set expected for the issued command. Credentials sent during AUTH are
// never echoed into Command.
type SMTPError struct {
	// Command is the command the reply belongs to, without CRLF.
	Command string
	// Code is the status code parsed from the final reply line.
	Code int
	// Reply is the full reply text, all lines joined with "\n".
	Reply string
}

func (e *SMTPError) Error() string {
	return fmt.Sprintf("mailer: %s failed: %d %s", e.Command, e.Code, e.Reply)
}

// Temporary reports whether the server indicated a transient condition.
func (e *SMTPError) Temporary() bool {
	return e.Code/100 == 4
}

// RecipientError is returned when the server rejects a RCPT TO command. The
// session is aborted on the first rejection; remaining recipients are never
// attempted.
type RecipientError struct {
	// Address is the rejected recipient.
	Address string
	// Code is the status code of the rejection.
	Code int
	// Reply is the server's reply text.
	Reply string
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("mailer: recipient %s rejected: %d %s", e.Address, e.Code, e.Reply)
}
