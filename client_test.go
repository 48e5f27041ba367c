package mailer

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

// negotiateScript runs negotiate against a canned server transcript and
// returns the client, the faker (for close counting) and everything the
// client wrote.
func negotiateScript(cfg *Config, server string) (*client, *faker, *bytes.Buffer, error) {
	tr, f, wrote := fakeTransport(server)
	c, err := negotiate(tr, cfg, testLog())
	return c, f, wrote, err
}

func TestNegotiateBasic(t *testing.T) {
	cfg := &Config{Host: "mx.example.com", Port: 25, ClientName: "client.example.com"}
	server := "220 mx.example.com ESMTP\r\n" +
		"250-mx.example.com\r\n" +
		"250-SIZE 35882577\r\n" +
		"250 STARTTLS\r\n"
	c, _, wrote, err := negotiateScript(cfg, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if got, want := wrote.String(), "EHLO client.example.com\r\n"; got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}
	if !c.extension("starttls") {
		t.Error("STARTTLS not detected in EHLO reply (case-insensitive)")
	}
	if !c.extension("SIZE") {
		t.Error("SIZE not detected in EHLO reply")
	}
}

func TestNegotiateBadGreeting(t *testing.T) {
	cfg := &Config{Host: "mx.example.com", Port: 25, ClientName: "c"}
	_, f, wrote, err := negotiateScript(cfg, "554 go away\r\n")
	var smtpErr *SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 554 {
		t.Fatalf("err = %v, want SMTPError with code 554", err)
	}
	if wrote.Len() != 0 {
		t.Errorf("client wrote %q after bad greeting, want nothing", wrote.String())
	}
	if f.closed != 1 {
		t.Errorf("conn closed %d times, want 1", f.closed)
	}
}

func TestNegotiateStartTLSRejected(t *testing.T) {
	cfg := &Config{Host: "mx.example.com", Port: 587, StartTLS: true, ClientName: "c"}
	server := "220 mx ESMTP\r\n" +
		"250-mx.example.com\r\n" +
		"250 STARTTLS\r\n" +
		"454 TLS not available\r\n"
	_, f, wrote, err := negotiateScript(cfg, server)
	var smtpErr *SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 454 {
		t.Fatalf("err = %v, want SMTPError with code 454", err)
	}
	// No plaintext fallback: the rejection ends the session.
	if got, want := wrote.String(), "EHLO c\r\nSTARTTLS\r\n"; got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}
	if f.closed != 1 {
		t.Errorf("conn closed %d times, want 1", f.closed)
	}
}

func TestNegotiateStartTLSNotAdvertised(t *testing.T) {
	cfg := &Config{Host: "mx.example.com", Port: 587, StartTLS: true, ClientName: "c"}
	server := "220 mx ESMTP\r\n250 mx.example.com\r\n"
	_, _, wrote, err := negotiateScript(cfg, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if strings.Contains(wrote.String(), "STARTTLS") {
		t.Errorf("client sent STARTTLS although the server did not advertise it: %q", wrote.String())
	}
}

func TestNegotiateAuthLogin(t *testing.T) {
	cfg := &Config{
		Host: "mx.example.com", Port: 587, ClientName: "c",
		Username: "user", Password: "pass", AuthMechanism: "LOGIN",
	}
	server := "220 mx ESMTP\r\n" +
		"250 mx.example.com\r\n" +
		"334 VXNlcm5hbWU6\r\n" + // "Username:"
		"334 UGFzc3dvcmQ6\r\n" + // "Password:"
		"235 accepted\r\n"
	_, _, wrote, err := negotiateScript(cfg, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	want := "EHLO c\r\n" +
		"AUTH LOGIN\r\n" +
		"dXNlcg==\r\n" + // "user"
		"cGFzcw==\r\n" // "pass"
	if got := wrote.String(); got != want {
		t.Errorf("wrote %q, want %q", got, want)
	}
}

func TestNegotiateAuthPlain(t *testing.T) {
	cfg := &Config{
		Host: "mx.example.com", Port: 587, ClientName: "c",
		Username: "user", Password: "pass", AuthMechanism: "PLAIN",
	}
	server := "220 mx ESMTP\r\n250 mx.example.com\r\n235 accepted\r\n"
	_, _, wrote, err := negotiateScript(cfg, server)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	// base64("\x00user\x00pass")
	if want := "AUTH PLAIN AHVzZXIAcGFzcw==\r\n"; !strings.Contains(wrote.String(), want) {
		t.Errorf("wrote %q, want it to contain %q", wrote.String(), want)
	}
}

func TestNegotiateAuthRejected(t *testing.T) {
	cfg := &Config{
		Host: "mx.example.com", Port: 587, ClientName: "c",
		Username: "user", Password: "hunter2", AuthMechanism: "LOGIN",
	}
	server := "220 mx ESMTP\r\n" +
		"250 mx.example.com\r\n" +
		"334 VXNlcm5hbWU6\r\n" +
		"535 authentication failed\r\n"
	_, f, _, err := negotiateScript(cfg, server)
	if err == nil {
		t.Fatal("expected authentication error")
	}
	if !strings.Contains(err.Error(), "username") {
		t.Errorf("error should name the failing step, got %q", err)
	}
	if strings.Contains(err.Error(), "hunter2") || strings.Contains(err.Error(), "aHVudGVyMg") {
		t.Errorf("error leaks credentials: %q", err)
	}
	if f.closed != 1 {
		t.Errorf("conn closed %d times, want 1", f.closed)
	}
}

func TestCommandStateGuard(t *testing.T) {
	tr, _, wrote := fakeTransport("")
	c := &client{cfg: &Config{}, tr: tr, log: testLog()}

	if err := c.rcpt("a@x.com"); err == nil {
		t.Error("RCPT before MAIL should fail")
	}
	if err := c.data(nil); err == nil {
		t.Error("DATA before RCPT should fail")
	}
	if wrote.Len() != 0 {
		t.Errorf("out-of-order commands reached the wire: %q", wrote.String())
	}
}

func TestMailRejectsCRLFInjection(t *testing.T) {
	tr, _, wrote := fakeTransport("")
	c := &client{cfg: &Config{}, tr: tr, log: testLog()}
	err := c.mail("evil@x.com>\r\nDATA\r\ninjected\r\n.\r\nQUIT")
	if err == nil {
		t.Fatal("expected injection to be rejected")
	}
	if wrote.Len() != 0 {
		t.Errorf("injected command reached the wire: %q", wrote.String())
	}
}

func TestRcptRejectionError(t *testing.T) {
	server := "250 ok\r\n550-mailbox unavailable\r\n550 try later\r\n"
	tr, _, _ := fakeTransport(server)
	c := &client{cfg: &Config{ClientName: "c"}, tr: tr, log: testLog()}

	if err := c.mail("noreply@x.com"); err != nil {
		t.Fatalf("mail: %v", err)
	}
	err := c.rcpt("b@x.com")
	var rcptErr *RecipientError
	if !errors.As(err, &rcptErr) {
		t.Fatalf("err = %v, want RecipientError", err)
	}
	if rcptErr.Address != "b@x.com" || rcptErr.Code != 550 {
		t.Errorf("got %+v, want address b@x.com code 550", rcptErr)
	}
	if !strings.Contains(rcptErr.Reply, "mailbox unavailable") || !strings.Contains(rcptErr.Reply, "try later") {
		t.Errorf("reply %q missing server text", rcptErr.Reply)
	}
}
