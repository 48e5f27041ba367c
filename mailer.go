// Package mailer sends transactional email through a minimal SMTP client
// built directly on TCP/TLS sockets.
//
// Each Send opens its own connection, runs one strictly sequential
// transaction (greeting, EHLO, optional STARTTLS upgrade with re-EHLO,
// optional AUTH, MAIL FROM, RCPT TO per recipient, DATA, QUIT) and closes
// the socket on every exit path. There is no queueing, retrying, pooling or
// multipart MIME; a failed step surfaces immediately to the caller.
package mailer

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Sender is the public entry point. It is safe for concurrent use: every
// Send works on its own connection and the config is read-only.
type Sender struct {
	cfg *Config
	log *logrus.Entry
}

// NewSender returns a Sender using cfg. A nil logger falls back to the
// logrus standard logger. A config without host/port disables sending,
// which is logged once here as a warning.
func NewSender(cfg *Config, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "mailer")
	if !cfg.Enabled() {
		log.Warn("mailer: SMTP_HOST/SMTP_PORT not configured, sending disabled")
	}
	return &Sender{cfg: cfg, log: log}
}

// Send delivers one message to the configured server. Success means the
// server accepted the message for delivery, not that it was delivered.
// Configuration problems (no server, no sender, no recipients) are detected
// before any socket is opened.
func (s *Sender) Send(msg *Message) error {
	if !s.cfg.Enabled() {
		sendInc("disabled")
		return ErrSendingDisabled
	}
	from := msg.From
	if from == "" {
		from = s.cfg.From
	}
	if from == "" {
		sendInc("config")
		return ErrNoSender
	}
	to := normalizeRecipients(msg.To)
	if len(to) == 0 {
		sendInc("config")
		return ErrNoRecipients
	}

	start := time.Now()
	log := s.log.WithFields(logrus.Fields{"host": s.cfg.Host, "recipients": len(to)})

	c, err := connect(s.cfg, log)
	if err != nil {
		sendInc("connect")
		return err
	}
	defer c.close()

	if err := c.mail(from); err != nil {
		sendInc("mail")
		return err
	}
	for _, addr := range to {
		if err := c.rcpt(addr); err != nil {
			sendInc("rcpt")
			return err
		}
	}

	id := ulid.Make().String() + "@" + s.cfg.ClientName
	if err := c.data(msg.render(from, to, id, time.Now())); err != nil {
		sendInc("data")
		return err
	}
	if err := c.quit(); err != nil {
		// Message already accepted; not worth escalating.
		log.WithError(err).Debug("mailer: QUIT failed after accepted message")
	}

	sendInc("ok")
	metricSendDuration.Observe(time.Since(start).Seconds())
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("mailer: message accepted")
	return nil
}

// normalizeRecipients splits comma-joined entries, trims whitespace and
// drops empties.
func normalizeRecipients(to []string) []string {
	var out []string
	for _, entry := range to {
		for _, addr := range strings.Split(entry, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}
