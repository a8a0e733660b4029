// Package notify composes job notifications for projects and hands them to a
// mail transport.
package notify

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

// Message is one plain-text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NewSender returns an SMTP sender when smtp.host is configured and a
// LogSender otherwise.
func NewSender(cfg *config.Config) Sender {
	if cfg.SMTP.Host == "" {
		return &LogSender{logger: logging.NewLogger("notify")}
	}
	return NewSMTPSender(cfg.SMTP)
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *logrus.Entry
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.WithFields(logrus.Fields{
		"to":      strings.Join(msg.To, ","),
		"subject": msg.Subject,
	}).Info("SMTP not configured; notification logged only")
	return nil
}

// SMTPSender delivers through one SMTP connection per message.
type SMTPSender struct {
	host     string
	port     int
	from     string
	username string
	password string
	timeout  time.Duration
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	from := cfg.From
	if from == "" {
		from = "pipeline@" + cfg.Host
	}
	return &SMTPSender{
		host:     cfg.Host,
		port:     port,
		from:     from,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  30 * time.Second,
	}
}

func (s *SMTPSender) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// client dials with STARTTLS when the server offers it and PLAIN auth when
// a username is configured.
func (s *SMTPSender) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTimeout(s.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(&tls.Config{ServerName: s.host}),
	}
	if s.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.username),
			mail.WithPassword(s.password))
	}
	return mail.NewClient(s.host, opts...)
}

// compose builds the plain-text message.
func (s *SMTPSender) compose(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg(mail.WithCharset(mail.CharsetUTF8), mail.WithEncoding(mail.NoEncoding))
	if err := m.From(s.from); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid smtp.from").WithDetail("from", s.from)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalid, "invalid recipient").WithDetail("to", strings.Join(msg.To, ","))
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

// Send delivers msg. The whole exchange is bounded by ctx and the sender's
// own timeout, whichever is earlier.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.Invalid("message has no recipients")
	}
	m, err := s.compose(msg)
	if err != nil {
		return err
	}
	c, err := s.client()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid smtp settings").WithDetail("host", s.host)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return errors.RemoteError(s.addr(), "", err).WithDetail("recipients", strings.Join(msg.To, ","))
	}
	return nil
}
