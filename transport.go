package mailer

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// connectTimeout bounds the TCP dial and TLS handshakes.
	connectTimeout = 15 * time.Second
	// replyTimeout bounds each command/reply exchange.
	replyTimeout = 15 * time.Second
	// Doubled maximum line length per RFC 5321 (Section 4.5.3.1.6).
	replyLineLimit = 2000
)

// reply is one parsed SMTP reply: the status code from its final line and
// the text of all lines joined with "\n". Continuation lines begin "DDD-",
// the final line "DDD " (or a bare "DDD").
type reply struct {
	code int
	text string
}

// transport owns the single duplex channel of a session: a plain TCP
// connection, or a TLS one either from the first byte or after an in-place
// STARTTLS upgrade. It is closed exactly once regardless of how many exit
// paths reach close.
type transport struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	serverName string
	insecure   bool
	tls        bool

	closeOnce sync.Once
	closeErr  error
}

func newTransport(conn net.Conn, serverName string, insecure bool) *transport {
	_, isTLS := conn.(*tls.Conn)
	return &transport{
		conn:       conn,
		r:          bufio.NewReader(conn),
		w:          bufio.NewWriter(conn),
		serverName: serverName,
		insecure:   insecure,
		tls:        isTLS,
	}
}

// dialTransport opens the connection described by cfg, with TLS from the
// first byte when cfg.Secure is set.
func dialTransport(cfg *Config) (*transport, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	insecure := !cfg.TLSRejectUnauthorized

	var conn net.Conn
	var err error
	if cfg.Secure {
		conn, err = tls.DialWithDialer(dialer, "tcp", cfg.addr(), &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: insecure,
		})
	} else {
		conn, err = dialer.Dial("tcp", cfg.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("mailer: connecting to %s: %w", cfg.addr(), err)
	}
	return newTransport(conn, cfg.Host, insecure), nil
}

// upgradeTLS wraps the existing connection in a TLS session and performs the
// handshake. The logical connection stays the same; only the buffered reader
// and writer move onto the encrypted layer.
func (t *transport) upgradeTLS() error {
	tlsConn := tls.Client(t.conn, &tls.Config{
		ServerName:         t.serverName,
		InsecureSkipVerify: t.insecure,
	})
	tlsConn.SetDeadline(time.Now().Add(connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("mailer: TLS handshake with %s: %w", t.serverName, err)
	}
	tlsConn.SetDeadline(time.Time{})
	t.conn = tlsConn
	t.r = bufio.NewReader(tlsConn)
	t.w = bufio.NewWriter(tlsConn)
	t.tls = true
	return nil
}

// close releases the socket. Safe to call from every exit path; only the
// first call reaches the connection.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// writeLine sends one command line followed by CRLF.
func (t *transport) writeLine(line string) error {
	t.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	defer t.conn.SetWriteDeadline(time.Time{})

	if _, err := t.w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("mailer: writing command: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("mailer: writing command: %w", err)
	}
	return nil
}

// writeRaw sends pre-framed bytes (the DATA payload) as-is.
func (t *transport) writeRaw(p []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	defer t.conn.SetWriteDeadline(time.Time{})

	if _, err := t.w.Write(p); err != nil {
		return fmt.Errorf("mailer: writing message data: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("mailer: writing message data: %w", err)
	}
	return nil
}

// readReply accumulates lines until the terminating "DDD " form arrives and
// returns the parsed reply. The channel closing mid-reply is a transport
// error carrying the partial buffer; the idle deadline elapsing surfaces as
// a net timeout.
func (t *transport) readReply() (reply, error) {
	t.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	defer t.conn.SetReadDeadline(time.Time{})

	var lines []string
	code := 0
	for {
		line, err := t.r.ReadString('\n')
		if err != nil {
			partial := strings.Join(append(lines, line), "\n")
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return reply{}, fmt.Errorf("mailer: timeout waiting for server reply (got %q): %w", partial, err)
			}
			return reply{}, fmt.Errorf("mailer: connection closed mid-reply (got %q): %w", partial, err)
		}
		if len(line) > replyLineLimit {
			return reply{}, ErrTooLongLine
		}
		line = strings.TrimRight(line, "\r\n")

		if len(line) < 3 {
			return reply{}, fmt.Errorf("mailer: malformed server reply line %q", line)
		}
		lineCode, err := strconv.Atoi(line[:3])
		if err != nil {
			return reply{}, fmt.Errorf("mailer: malformed server reply line %q", line)
		}
		if code == 0 {
			code = lineCode
		} else if lineCode != code {
			return reply{}, fmt.Errorf("mailer: inconsistent reply codes %d and %d", code, lineCode)
		}

		if len(line) == 3 {
			lines = append(lines, "")
			return reply{code: code, text: strings.Join(lines, "\n")}, nil
		}
		switch line[3] {
		case ' ':
			lines = append(lines, line[4:])
			return reply{code: code, text: strings.Join(lines, "\n")}, nil
		case '-':
			lines = append(lines, line[4:])
		default:
			return reply{}, fmt.Errorf("mailer: malformed server reply line %q", line)
		}
	}
}
