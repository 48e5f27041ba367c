// Command sendmail sends a single message through the SMTP server described
// by the SMTP_* environment variables. Useful for verifying server settings
// from the shell.
package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gleez/mailer"
)

var (
	to      = flag.String("to", "", "Recipient address(es), comma separated")
	from    = flag.String("from", "", "Sender address (default: SMTP_FROM)")
	subject = flag.String("subject", "Test message", "Subject line")
	text    = flag.String("text", "This is a test message.", "Plain text body")
	html    = flag.String("html", "", "HTML body (sent instead of the text body)")
	replyTo = flag.String("reply-to", "", "Reply-To address")
	verbose = flag.Bool("v", false, "Log the protocol exchange")
)

func main() {
	flag.Parse()
	if *to == "" {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := mailer.ConfigFromEnv()
	sender := mailer.NewSender(cfg, log)

	err := sender.Send(&mailer.Message{
		From:    *from,
		To:      []string{*to},
		Subject: *subject,
		Text:    *text,
		HTML:    *html,
		ReplyTo: *replyTo,
	})
	if err != nil {
		log.WithError(err).Fatal("send failed")
	}
	log.Info("message accepted by server")
}
