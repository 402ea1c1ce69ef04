package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"filemon/internal/filemon"
)

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher delivers notifications through an SMTP relay.
type SMTPDispatcher struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	now      func() time.Time
	sendMail sendMailFunc
}

// NewSMTPDispatcher creates a dispatcher for the relay at host:port. PLAIN
// authentication is used when username is set.
func NewSMTPDispatcher(host string, port int, username, password, from string) *SMTPDispatcher {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPDispatcher{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		from:     from,
		auth:     auth,
		now:      time.Now,
		sendMail: smtp.SendMail,
	}
}

// Send delivers one plain text message. net/smtp has no context support, so
// ctx is only checked before the connection is opened.
func (d *SMTPDispatcher) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := d.buildMessage(recipient, subject, body)
	if err := d.sendMail(d.addr, d.auth, d.from, []string{recipient}, msg); err != nil {
		return fmt.Errorf("smtp %s: %w", d.addr, err)
	}
	return nil
}

func (d *SMTPDispatcher) buildMessage(recipient, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", d.from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", d.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")

	// SMTP requires CRLF line endings and dot-stuffing is done by net/smtp.
	body = strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func (d *SMTPDispatcher) Close() error {
	return nil
}

var _ filemon.Dispatcher = (*SMTPDispatcher)(nil)
