package mailer

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config holds the SMTP connection settings. It is constructed once at
// startup and treated as read-only afterwards; every Send works from the
// same instance.
type Config struct {
	Host string
	Port int

	// Secure connects with TLS from the first byte (implicit TLS, port
	// 465 style). When set, StartTLS is meaningless.
	Secure bool

	// StartTLS upgrades the connection after EHLO when the server
	// advertises support. A server that does not advertise STARTTLS
	// leaves the session plaintext; a server that rejects the upgrade
	// fails the send.
	StartTLS bool

	// Username and Password enable authentication when both are set.
	Username string
	Password string

	// AuthMechanism selects the SASL mechanism, LOGIN or PLAIN.
	AuthMechanism string

	// From is the default sender, used when a message has none.
	From string

	// ClientName is the name announced in EHLO.
	ClientName string

	// TLSRejectUnauthorized controls server certificate verification for
	// both implicit TLS and STARTTLS.
	TLSRejectUnauthorized bool
}

// ConfigFromEnv builds a Config from SMTP_* environment variables,
// applying the port-based defaults:
//
//	SMTP_SECURE defaults to true only on port 465,
//	SMTP_STARTTLS defaults to true only on port 587 (unless secure),
//	SMTP_FROM falls back to SMTP_USER,
//	SMTP_CLIENT_NAME falls back to the local hostname.
func ConfigFromEnv() *Config {
	cfg := &Config{
		Host:          os.Getenv("SMTP_HOST"),
		Username:      os.Getenv("SMTP_USER"),
		Password:      os.Getenv("SMTP_PASS"),
		From:          os.Getenv("SMTP_FROM"),
		ClientName:    os.Getenv("SMTP_CLIENT_NAME"),
		AuthMechanism: strings.ToUpper(os.Getenv("SMTP_AUTH_MECHANISM")),
	}

	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			logrus.WithField("port", v).Warn("mailer: invalid SMTP_PORT")
		} else {
			cfg.Port = port
		}
	}

	cfg.Secure = envBool("SMTP_SECURE", cfg.Port == 465)
	cfg.StartTLS = envBool("SMTP_STARTTLS", cfg.Port == 587 && !cfg.Secure)
	cfg.TLSRejectUnauthorized = envBool("SMTP_TLS_REJECT_UNAUTHORIZED", true)

	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.ClientName == "" {
		if name, err := os.Hostname(); err == nil {
			cfg.ClientName = name
		} else {
			cfg.ClientName = "localhost"
		}
	}
	switch cfg.AuthMechanism {
	case "", "LOGIN":
		cfg.AuthMechanism = "LOGIN"
	case "PLAIN":
	default:
		logrus.WithField("mechanism", cfg.AuthMechanism).Warn("mailer: unknown SMTP_AUTH_MECHANISM, using LOGIN")
		cfg.AuthMechanism = "LOGIN"
	}

	return cfg
}

// Enabled reports whether a target server is configured. When false, Send
// refuses all messages with ErrSendingDisabled.
func (c *Config) Enabled() bool {
	return c.Host != "" && c.Port != 0
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"var": key, "value": v}).Warn("mailer: invalid boolean in environment")
		return def
	}
	return b
}
