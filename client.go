package mailer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

// sessionState tracks the protocol position of a session. Commands issued
// out of order fail on the client side instead of costing a server round
// trip.
type sessionState int

const (
	stateReady sessionState = iota
	stateMail
	stateRcpt
	stateDone
)

// client drives one SMTP session over a transport. It is created by connect
// and used for exactly one transaction.
type client struct {
	cfg   *Config
	tr    *transport
	ext   map[string]string
	state sessionState
	log   *logrus.Entry
}

// connect establishes one protocol-ready session: dial, greeting, EHLO,
// optional STARTTLS upgrade with re-EHLO, optional authentication. The
// transport is closed before returning any error; every failure is fatal to
// the send, there is no plaintext fallback when an upgrade fails.
func connect(cfg *Config, log *logrus.Entry) (*client, error) {
	tr, err := dialTransport(cfg)
	if err != nil {
		return nil, err
	}
	return negotiate(tr, cfg, log)
}

// negotiate runs the post-dial handshake on an existing transport, closing
// it on failure.
func negotiate(tr *transport, cfg *Config, log *logrus.Entry) (c *client, err error) {
	defer func() {
		if err != nil {
			tr.close()
		}
	}()

	greeting, err := tr.readReply()
	if err != nil {
		return nil, fmt.Errorf("mailer: reading server greeting: %w", err)
	}
	if greeting.code != 220 {
		return nil, &SMTPError{Command: "greeting", Code: greeting.code, Reply: greeting.text}
	}

	c = &client{cfg: cfg, tr: tr, log: log}
	if err := c.ehlo(); err != nil {
		return nil, err
	}

	if cfg.StartTLS && !tr.tls && c.extension("STARTTLS") {
		if err := c.startTLS(); err != nil {
			return nil, err
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		if err := c.auth(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// cmd writes one command, reads exactly one reply and validates its code
// against the expected set.
func (c *client) cmd(expect []int, format string, args ...interface{}) (reply, error) {
	command := fmt.Sprintf(format, args...)
	if err := c.tr.writeLine(command); err != nil {
		return reply{}, err
	}
	r, err := c.tr.readReply()
	if err != nil {
		return reply{}, err
	}
	c.log.WithField("code", r.code).Debug("smtp: ", firstWord(command))
	for _, code := range expect {
		if r.code == code {
			return r, nil
		}
	}
	return r, &SMTPError{Command: command, Code: r.code, Reply: r.text}
}

// ehlo announces the client and records the advertised extensions. It runs
// again after a STARTTLS upgrade since capabilities may change.
func (c *client) ehlo() error {
	r, err := c.cmd([]int{250}, "EHLO %s", c.cfg.ClientName)
	if err != nil {
		return err
	}
	ext := make(map[string]string)
	extList := strings.Split(r.text, "\n")
	if len(extList) > 1 {
		for _, line := range extList[1:] {
			args := strings.SplitN(line, " ", 2)
			if len(args) > 1 {
				ext[strings.ToUpper(args[0])] = args[1]
			} else {
				ext[strings.ToUpper(args[0])] = ""
			}
		}
	}
	c.ext = ext
	return nil
}

// extension reports whether the server advertised ext in its EHLO reply.
func (c *client) extension(ext string) bool {
	_, ok := c.ext[strings.ToUpper(ext)]
	return ok
}

// startTLS upgrades the session in place and re-runs EHLO on the encrypted
// channel.
func (c *client) startTLS() error {
	if _, err := c.cmd([]int{220}, "STARTTLS"); err != nil {
		return err
	}
	if err := c.tr.upgradeTLS(); err != nil {
		return err
	}
	return c.ehlo()
}

func (c *client) saslClient() sasl.Client {
	if c.cfg.AuthMechanism == "PLAIN" {
		return sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
	}
	return &loginAuth{username: c.cfg.Username, password: c.cfg.Password}
}

// loginAuth implements the LOGIN mechanism for the sasl.Client interface.
// There is no initial response: the server prompts for the username and the
// password in turn. Prompts are counted rather than matched, some servers
// phrase them differently.
type loginAuth struct {
	username, password string
	step               int
}

func (a *loginAuth) Start() (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(challenge []byte) ([]byte, error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(a.username), nil
	case 1:
		return []byte(a.password), nil
	}
	return nil, fmt.Errorf("mailer: unexpected server challenge %q", challenge)
}

// auth runs the base64 challenge/response exchange for the configured
// mechanism. For AUTH LOGIN the expected codes are 334 after the initial
// command, 334 after the username and 235 after the password. Credentials
// never appear in errors.
func (c *client) auth() error {
	a := c.saslClient()
	mech, resp, err := a.Start()
	if err != nil {
		return err
	}
	label := "AUTH " + mech
	encoding := base64.StdEncoding

	step := 0
	// No trailing space when the mechanism has no initial response.
	command := strings.TrimSpace(fmt.Sprintf("AUTH %s %s", mech, encoding.EncodeToString(resp)))
	for {
		if err := c.tr.writeLine(command); err != nil {
			return err
		}
		r, err := c.tr.readReply()
		if err != nil {
			return err
		}
		switch r.code {
		case 235:
			return nil
		case 334:
			challenge, decErr := encoding.DecodeString(r.text)
			if decErr != nil {
				c.tr.writeLine("*")
				return fmt.Errorf("mailer: authentication failed at %s: undecodable challenge %q", authStep(mech, step), r.text)
			}
			resp, err = a.Next(challenge)
			if err != nil {
				c.tr.writeLine("*")
				return fmt.Errorf("mailer: authentication failed at %s: %w", authStep(mech, step), err)
			}
			step++
			command = encoding.EncodeToString(resp)
		default:
			return fmt.Errorf("mailer: authentication failed at %s: %w",
				authStep(mech, step), &SMTPError{Command: label, Code: r.code, Reply: r.text})
		}
	}
}

// authStep names the exchange position for diagnostics.
func authStep(mech string, step int) string {
	if mech == "LOGIN" {
		switch step {
		case 0:
			return "AUTH LOGIN"
		case 1:
			return "username"
		case 2:
			return "password"
		}
	}
	return fmt.Sprintf("AUTH %s step %d", mech, step)
}

// mail starts the transaction envelope.
func (c *client) mail(from string) error {
	if c.state != stateReady {
		return errors.New("mailer: MAIL issued out of order")
	}
	if err := validateLine(from); err != nil {
		return err
	}
	if _, err := c.cmd([]int{250}, "MAIL FROM:<%s>", from); err != nil {
		return err
	}
	c.state = stateMail
	return nil
}

// rcpt adds one envelope recipient. 251 ("user not local, will forward") is
// accepted alongside 250. A rejection aborts the whole transaction.
func (c *client) rcpt(to string) error {
	if c.state != stateMail && c.state != stateRcpt {
		return errors.New("mailer: RCPT issued out of order")
	}
	if err := validateLine(to); err != nil {
		return err
	}
	if _, err := c.cmd([]int{250, 251}, "RCPT TO:<%s>", to); err != nil {
		var smtpErr *SMTPError
		if errors.As(err, &smtpErr) {
			return &RecipientError{Address: to, Code: smtpErr.Code, Reply: smtpErr.Reply}
		}
		return err
	}
	c.state = stateRcpt
	return nil
}

// data transmits the framed message. body must already carry CRLF line
// endings, dot-stuffing and the terminating ".\r\n".
func (c *client) data(body []byte) error {
	if c.state != stateRcpt {
		return errors.New("mailer: DATA issued out of order")
	}
	if _, err := c.cmd([]int{354}, "DATA"); err != nil {
		return err
	}
	if err := c.tr.writeRaw(body); err != nil {
		return err
	}
	r, err := c.tr.readReply()
	if err != nil {
		return err
	}
	if r.code != 250 {
		return &SMTPError{Command: "DATA (message body)", Code: r.code, Reply: r.text}
	}
	c.state = stateDone
	return nil
}

// quit ends the session politely. Callers treat failures here as non-fatal;
// the message was already accepted.
func (c *client) quit() error {
	_, err := c.cmd([]int{221}, "QUIT")
	return err
}

func (c *client) close() error {
	return c.tr.close()
}

// validateLine checks an address is a single line, rejecting CRLF injection
// through MAIL/RCPT arguments.
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return errors.New("mailer: address contains CR or LF")
	}
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
